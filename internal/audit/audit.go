// Package audit is the fire-and-forget sink every engine component reports
// to. Record never blocks and never fails: events are queued on a bounded
// buffer and a single background worker logs them, counts them, and persists
// the durable kinds to the audit_events table.
//
// When the buffer is full the event is dropped and counted in
// changuard_audit_dropped_total; the evaluation path is never slowed down by
// a slow database.
package audit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/observability"
	"github.com/tbourn/changuard/internal/repo"
)

// Event is a single audit record.
type Event struct {
	Kind    domain.AuditKind
	GroupID int64
	UserID  int64
	EventID string
	Allowed *bool
	Missing []int64
	Unknown []int64
	Detail  string
	At      time.Time
}

// Sink accepts events without blocking.
type Sink interface {
	Record(ev Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(Event) {}

// Bool returns a pointer to b, for Event.Allowed.
func Bool(b bool) *bool { return &b }

// Recorder is the production Sink.
type Recorder struct {
	db     *gorm.DB
	logger zerolog.Logger
	events chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts the background worker. db may be nil, in which case
// events are only logged and counted.
func NewRecorder(db *gorm.DB, logger zerolog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{
		db:     db,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues ev, dropping it when the buffer is full or the recorder is closed.
func (r *Recorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		observability.AuditDropped.Inc()
		return
	}
	select {
	case r.events <- ev:
	default:
		observability.AuditDropped.Inc()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		r.handle(ev)
	}
}

func (r *Recorder) handle(ev Event) {
	observability.AuditEvents.WithLabelValues(string(ev.Kind)).Inc()

	lvl := zerolog.InfoLevel
	switch ev.Kind {
	case domain.AuditResolveFailed, domain.AuditActuationFailed:
		lvl = zerolog.ErrorLevel
	case domain.AuditCacheUnavailable, domain.AuditDispatchFailed:
		lvl = zerolog.WarnLevel
	case domain.AuditCacheWrite, domain.AuditDuplicate:
		lvl = zerolog.DebugLevel
	}
	le := r.logger.WithLevel(lvl).Str("kind", string(ev.Kind)).
		Int64("group_id", ev.GroupID).
		Int64("user_id", ev.UserID)
	if ev.EventID != "" {
		le = le.Str("event_id", ev.EventID)
	}
	if ev.Allowed != nil {
		le = le.Bool("allowed", *ev.Allowed)
	}
	if len(ev.Missing) > 0 {
		le = le.Ints64("missing", ev.Missing)
	}
	if len(ev.Unknown) > 0 {
		le = le.Ints64("unknown", ev.Unknown)
	}
	le.Msg(ev.Detail)

	if r.db == nil || !ev.Kind.Persistent() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := repo.CreateAuditEvent(ctx, r.db, toRow(ev)); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("persist audit event")
	}
}

func toRow(ev Event) *domain.AuditEvent {
	return &domain.AuditEvent{
		Kind:      ev.Kind,
		GroupID:   ev.GroupID,
		UserID:    ev.UserID,
		EventID:   ev.EventID,
		Allowed:   ev.Allowed,
		Missing:   JoinIDs(ev.Missing),
		Unknown:   JoinIDs(ev.Unknown),
		Detail:    ev.Detail,
		CreatedAt: ev.At,
	}
}

// JoinIDs renders ids as a comma-separated list.
func JoinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// SplitIDs parses a list produced by JoinIDs, skipping malformed entries.
func SplitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Memory keeps events in a slice. Tests use it to assert on what was reported.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (m *Memory) Record(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a snapshot.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the kinds of recorded events, in order.
func (m *Memory) Kinds() []domain.AuditKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditKind, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (m *Memory) Count(kind domain.AuditKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
