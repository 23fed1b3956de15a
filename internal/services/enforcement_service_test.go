package services

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/changuard/internal/audit"
	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/kv"
	"github.com/tbourn/changuard/internal/kv/memory"
)

type fakeEnforcer struct {
	mu            sync.Mutex
	restricts     int
	unrestricts   int
	restrictErr   error
	unrestrictErr error
}

func (f *fakeEnforcer) Restrict(context.Context, int64, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restricts++
	return f.restrictErr
}

func (f *fakeEnforcer) Unrestrict(context.Context, int64, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unrestricts++
	return f.unrestrictErr
}

type fakePrompter struct {
	mu      sync.Mutex
	prompts []Prompt
	err     error
}

func (f *fakePrompter) Prompt(_ context.Context, p Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	return f.err
}

func (f *fakePrompter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Delete(context.Context, string) error { return errStoreDown }
func (brokenStore) Increment(context.Context, string, int64, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}
func (brokenStore) Ping(context.Context) error { return errStoreDown }
func (brokenStore) Close() error               { return nil }

var _ kv.Store = brokenStore{}

func newEnforcement(t *testing.T) (*EnforcementService, *fakeEnforcer, *fakePrompter, *audit.Memory, *memory.Store) {
	t.Helper()
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })
	enf := &fakeEnforcer{}
	pr := &fakePrompter{}
	sink := &audit.Memory{}
	return NewEnforcementService(store, enf, pr, sink), enf, pr, sink, store
}

func denied(missing ...int64) Verdict {
	return Verdict{GroupID: -1, UserID: 7, Channels: missing, Missing: missing}
}

func TestApply_RestrictAndPromptOnce(t *testing.T) {
	ctx := context.Background()
	svc, enf, pr, sink, _ := newEnforcement(t)

	out, err := svc.Apply(ctx, Event{ID: "u1", GroupID: -1, UserID: 7, Trigger: TriggerMessage}, denied(-100))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionRestrict || !out.Restricted || !out.Prompted {
		t.Fatalf("outcome = %+v", out)
	}
	if enf.restricts != 1 {
		t.Fatalf("restricts = %d", enf.restricts)
	}
	if !reflect.DeepEqual(pr.prompts[0].Missing, []int64{-100}) {
		t.Fatalf("prompt missing = %v", pr.prompts[0].Missing)
	}

	// A second message inside the cool-down: no new restrict call, no prompt.
	out, err = svc.Apply(ctx, Event{ID: "u2", GroupID: -1, UserID: 7, Trigger: TriggerMessage}, denied(-100))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Prompted || enf.restricts != 1 || pr.count() != 1 {
		t.Fatalf("second apply: out=%+v restricts=%d prompts=%d", out, enf.restricts, pr.count())
	}
	if sink.Count(domain.AuditRestricted) != 2 || sink.Count(domain.AuditPrompted) != 1 {
		t.Fatalf("audit kinds = %v", sink.Kinds())
	}
}

func TestApply_DuplicateEvent(t *testing.T) {
	ctx := context.Background()
	svc, enf, _, sink, _ := newEnforcement(t)
	ev := Event{ID: "dup", GroupID: -1, UserID: 7, Trigger: TriggerJoin}

	if _, err := svc.Apply(ctx, ev, denied(-100)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out, err := svc.Apply(ctx, ev, denied(-100))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionDuplicate {
		t.Fatalf("action = %s; want duplicate", out.Action)
	}
	if enf.restricts != 1 {
		t.Fatalf("restricts = %d", enf.restricts)
	}
	if sink.Count(domain.AuditDuplicate) != 1 {
		t.Fatalf("audit kinds = %v", sink.Kinds())
	}
}

func TestApply_UnrestrictAfterJoin(t *testing.T) {
	ctx := context.Background()
	svc, enf, _, sink, _ := newEnforcement(t)

	if _, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, denied(-100)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7, Trigger: TriggerReverify}, Verdict{GroupID: -1, UserID: 7, Allowed: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionUnrestrict || out.Restricted {
		t.Fatalf("outcome = %+v", out)
	}
	if enf.unrestricts != 1 || sink.Count(domain.AuditUnrestricted) != 1 {
		t.Fatalf("unrestricts=%d kinds=%v", enf.unrestricts, sink.Kinds())
	}

	// Allowed again with nothing to undo.
	out, _ = svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, Verdict{GroupID: -1, UserID: 7, Allowed: true})
	if out.Action != ActionNone || enf.unrestricts != 1 {
		t.Fatalf("second allowed: %+v unrestricts=%d", out, enf.unrestricts)
	}
}

func TestApply_ReverifyLiftsRestrictionWithoutFlag(t *testing.T) {
	ctx := context.Background()
	svc, enf, _, sink, store := newEnforcement(t)

	if _, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, denied(-100)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Flag expired or the store was replaced; the platform still restricts.
	if err := store.Delete(ctx, restrictedKey(-1, 7)); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	allowed := Verdict{GroupID: -1, UserID: 7, Allowed: true}
	out, _ := svc.Apply(ctx, Event{GroupID: -1, UserID: 7, Trigger: TriggerMessage}, allowed)
	if out.Action != ActionNone || enf.unrestricts != 0 {
		t.Fatalf("message: %+v unrestricts=%d", out, enf.unrestricts)
	}

	for i, trig := range []Trigger{TriggerReverify, TriggerAdmin} {
		out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7, Trigger: trig}, allowed)
		if err != nil {
			t.Fatalf("%s: %v", trig, err)
		}
		if out.Action != ActionUnrestrict || out.Restricted || enf.unrestricts != i+1 {
			t.Fatalf("%s: %+v unrestricts=%d", trig, out, enf.unrestricts)
		}
	}
	if sink.Count(domain.AuditUnrestricted) != 2 {
		t.Fatalf("audit kinds = %v", sink.Kinds())
	}

	// A refusal with nothing on record is not an actuation failure.
	enf.unrestrictErr = errors.New("400 user is an administrator")
	out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7, Trigger: TriggerReverify}, allowed)
	if err != nil || out.Action != ActionNone {
		t.Fatalf("refused: %+v %v", out, err)
	}
	if sink.Count(domain.AuditActuationFailed) != 0 {
		t.Fatalf("audit kinds = %v", sink.Kinds())
	}
}

func TestApply_OnlyUnknown(t *testing.T) {
	ctx := context.Background()
	v := denied(-100)
	v.Unknown = []int64{-100}

	t.Run("fail open defers", func(t *testing.T) {
		svc, enf, pr, sink, _ := newEnforcement(t)
		out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, v)
		if err != nil || out.Action != ActionDefer {
			t.Fatalf("out=%+v err=%v", out, err)
		}
		if enf.restricts != 0 || pr.count() != 0 || sink.Count(domain.AuditDeferred) != 1 {
			t.Fatalf("restricts=%d prompts=%d kinds=%v", enf.restricts, pr.count(), sink.Kinds())
		}
	})

	t.Run("fail closed restricts", func(t *testing.T) {
		svc, enf, _, _, _ := newEnforcement(t)
		svc.FailClosed = true
		out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, v)
		if err != nil || out.Action != ActionRestrict || enf.restricts != 1 {
			t.Fatalf("out=%+v err=%v restricts=%d", out, err, enf.restricts)
		}
	})

	t.Run("group override wins", func(t *testing.T) {
		svc, enf, _, _, _ := newEnforcement(t)
		closed := true
		gv := v
		gv.Settings = domain.GroupSettings{FailClosed: &closed}
		out, _ := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, gv)
		if out.Action != ActionRestrict || enf.restricts != 1 {
			t.Fatalf("out=%+v restricts=%d", out, enf.restricts)
		}
	})
}

func TestApply_ActuationFailureReleasesDedup(t *testing.T) {
	ctx := context.Background()
	svc, enf, _, sink, _ := newEnforcement(t)
	enf.restrictErr = errors.New("403 not enough rights")
	ev := Event{ID: "e1", GroupID: -1, UserID: 7, Trigger: TriggerMessage}

	if _, err := svc.Apply(ctx, ev, denied(-100)); err == nil {
		t.Fatal("want actuation error")
	}
	if sink.Count(domain.AuditActuationFailed) != 1 {
		t.Fatalf("audit kinds = %v", sink.Kinds())
	}

	enf.restrictErr = nil
	out, err := svc.Apply(ctx, ev, denied(-100))
	if err != nil || out.Action != ActionRestrict {
		t.Fatalf("redelivery: out=%+v err=%v", out, err)
	}
	if enf.restricts != 2 {
		t.Fatalf("restricts = %d", enf.restricts)
	}
}

func TestApply_PromptFailureKeepsRestriction(t *testing.T) {
	ctx := context.Background()
	svc, _, pr, _, _ := newEnforcement(t)
	pr.err = errors.New("cannot post")

	out, err := svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, denied(-100))
	if err != nil {
		t.Fatalf("prompt failure should not fail Apply: %v", err)
	}
	if !out.Restricted || out.Prompted {
		t.Fatalf("outcome = %+v", out)
	}

	// Cool-down was released, so the next event tries again.
	pr.err = nil
	out, _ = svc.Apply(ctx, Event{GroupID: -1, UserID: 7}, denied(-100))
	if !out.Prompted || pr.count() != 2 {
		t.Fatalf("retry prompt: out=%+v prompts=%d", out, pr.count())
	}
}

func TestApply_StoreDownStillEnforces(t *testing.T) {
	enf := &fakeEnforcer{}
	pr := &fakePrompter{}
	svc := NewEnforcementService(brokenStore{}, enf, pr, nil)

	out, err := svc.Apply(context.Background(), Event{ID: "x", GroupID: -1, UserID: 7}, denied(-100))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionRestrict || enf.restricts != 1 || pr.count() != 1 {
		t.Fatalf("out=%+v restricts=%d prompts=%d", out, enf.restricts, pr.count())
	}

	// Unknown restriction state plus an allowed verdict lifts the restriction.
	out, _ = svc.Apply(context.Background(), Event{GroupID: -1, UserID: 7}, Verdict{Allowed: true})
	if out.Action != ActionUnrestrict || enf.unrestricts != 1 {
		t.Fatalf("out=%+v unrestricts=%d", out, enf.unrestricts)
	}
}

func TestTriggerPriority(t *testing.T) {
	cases := map[Trigger]dispatcher.Priority{
		TriggerReverify: dispatcher.Interactive,
		TriggerAdmin:    dispatcher.Interactive,
		TriggerJoin:     dispatcher.Event,
		TriggerMessage:  dispatcher.Event,
		TriggerRescan:   dispatcher.Batch,
		Trigger("x"):    dispatcher.Event,
	}
	for tr, want := range cases {
		if got := tr.Priority(); got != want {
			t.Fatalf("%q.Priority() = %v; want %v", tr, got, want)
		}
	}
	if Trigger("x").Valid() || !TriggerJoin.Valid() {
		t.Fatal("Valid mismatch")
	}
}
