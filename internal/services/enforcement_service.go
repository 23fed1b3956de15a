// Package services – EnforcementService
//
// This file implements the enforcement actuator: it turns a Verdict into
// platform side effects and keeps them idempotent across replays and
// across engine instances. All bookkeeping lives in the shared kv store:
//
//	event:<group>:<id>        per-event dedup claim (SetNX)
//	restricted:<group>:<user> the engine restricted this user
//	prompt:<group>:<user>     prompt cool-down (SetNX)
//
// The restriction flag is soft state: it can expire, be evicted or land only
// in the local fallback during an outage. It saves platform calls on
// message and join events; re-verify and admin triggers unrestrict regardless.
//
// Transitions:
//   - allowed, previously restricted → unrestrict (cache left untouched)
//   - allowed, re-verify or admin    → unrestrict
//   - allowed, not restricted        → nothing
//   - not allowed, only unknown channels, fail-open → defer (no action)
//   - not allowed                    → restrict once, prompt unless cooling down
//
// Every transition is reported to the audit sink with the missing channels.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/changuard/internal/audit"
	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/kv"
	"github.com/tbourn/changuard/internal/observability"
)

// Trigger names what caused an evaluation.
type Trigger string

const (
	TriggerJoin     Trigger = "join"
	TriggerMessage  Trigger = "message"
	TriggerReverify Trigger = "reverify"
	TriggerAdmin    Trigger = "admin"
	TriggerRescan   Trigger = "rescan"
)

// Priority maps the trigger to a dispatcher lane.
func (t Trigger) Priority() dispatcher.Priority {
	switch t {
	case TriggerReverify, TriggerAdmin:
		return dispatcher.Interactive
	case TriggerRescan:
		return dispatcher.Batch
	default:
		return dispatcher.Event
	}
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerJoin, TriggerMessage, TriggerReverify, TriggerAdmin, TriggerRescan:
		return true
	}
	return false
}

// Explicit reports whether the user or an operator asked for this
// evaluation. An allowed verdict on an explicit trigger always lifts the
// platform restriction.
func (t Trigger) Explicit() bool {
	return t == TriggerReverify || t == TriggerAdmin
}

// Event is one inbound occurrence to evaluate and enforce.
type Event struct {
	// ID is the platform's update id. Empty disables dedup.
	ID      string
	GroupID int64
	UserID  int64
	Trigger Trigger
}

// Action is what the actuator did.
type Action string

const (
	ActionNone       Action = "none"
	ActionRestrict   Action = "restrict"
	ActionUnrestrict Action = "unrestrict"
	ActionDefer      Action = "defer"
	ActionDuplicate  Action = "duplicate"
)

// Outcome describes the side effects of one Apply.
type Outcome struct {
	Action Action
	// Restricted is the user's restriction state after Apply.
	Restricted bool
	Prompted   bool
}

// Enforcer applies restrictions on the platform.
type Enforcer interface {
	Restrict(ctx context.Context, groupID, userID int64) error
	Unrestrict(ctx context.Context, groupID, userID int64) error
}

// Prompt is what a restricted user is told.
type Prompt struct {
	GroupID    int64
	UserID     int64
	Missing    []int64
	WarningKey string
}

// Prompter delivers the join-and-re-verify prompt.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt) error
}

// EnforcementService applies verdicts.
type EnforcementService struct {
	// Store holds dedup claims, restriction flags and cool-downs.
	Store kv.Store
	// Enforcer performs restrict/unrestrict.
	Enforcer Enforcer
	// Prompter sends prompts; nil disables prompting.
	Prompter Prompter
	// Sink receives audit events.
	Sink audit.Sink
	// FailClosed restricts even when every missing channel is unknown.
	// Groups may override it.
	FailClosed bool
	// PromptCooldown suppresses repeat prompts to the same user.
	PromptCooldown time.Duration
	// DedupTTL bounds how long an event id is remembered.
	DedupTTL time.Duration
	// RestrictionTTL bounds how long the engine remembers restricting a user.
	RestrictionTTL time.Duration
	// Logger receives actuation failures.
	Logger zerolog.Logger
}

// NewEnforcementService builds an actuator with default windows.
func NewEnforcementService(store kv.Store, e Enforcer, p Prompter, sink audit.Sink) *EnforcementService {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &EnforcementService{
		Store:          store,
		Enforcer:       e,
		Prompter:       p,
		Sink:           sink,
		PromptCooldown: time.Minute,
		DedupTTL:       10 * time.Minute,
		RestrictionTTL: 30 * 24 * time.Hour,
		Logger:         zerolog.Nop(),
	}
}

func eventKey(groupID int64, id string) string { return fmt.Sprintf("event:%d:%s", groupID, id) }

func restrictedKey(groupID, userID int64) string {
	return fmt.Sprintf("restricted:%d:%d", groupID, userID)
}

func promptKey(groupID, userID int64) string { return fmt.Sprintf("prompt:%d:%d", groupID, userID) }

// Apply enforces v for ev.
func (s *EnforcementService) Apply(ctx context.Context, ev Event, v Verdict) (Outcome, error) {
	tr := otel.Tracer("services/EnforcementService")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.Int64("group.id", ev.GroupID),
			attribute.Int64("user.id", ev.UserID),
			attribute.String("trigger", string(ev.Trigger)),
			attribute.Bool("allowed", v.Allowed),
		),
	)
	defer span.End()

	if ev.ID != "" {
		claimed, err := s.Store.SetNX(ctx, eventKey(ev.GroupID, ev.ID), []byte("1"), s.dedupTTL())
		switch {
		case err != nil:
			s.Logger.Warn().Err(err).Str("event_id", ev.ID).Msg("event dedup unavailable, processing anyway")
		case !claimed:
			s.record(ev, v, domain.AuditDuplicate, "")
			return Outcome{Action: ActionDuplicate}, nil
		}
	}

	out, err := s.apply(ctx, ev, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "actuation failed")
		// Let a redelivery of the same event try again.
		if ev.ID != "" {
			_ = s.Store.Delete(ctx, eventKey(ev.GroupID, ev.ID))
		}
	}
	span.SetAttributes(attribute.String("action", string(out.Action)))
	observability.Actuations.WithLabelValues(string(out.Action)).Inc()
	return out, err
}

func (s *EnforcementService) apply(ctx context.Context, ev Event, v Verdict) (Outcome, error) {
	restricted, known := s.isRestricted(ctx, ev.GroupID, ev.UserID)

	if v.Allowed {
		flagged := restricted || !known
		if !flagged && !ev.Trigger.Explicit() {
			return Outcome{Action: ActionNone}, nil
		}
		if err := s.Enforcer.Unrestrict(ctx, ev.GroupID, ev.UserID); err != nil {
			if !flagged {
				// Nothing on record to undo; the platform may refuse for admins.
				s.Logger.Warn().Err(err).Int64("group_id", ev.GroupID).Int64("user_id", ev.UserID).
					Msg("unrestrict without restriction flag failed")
				return Outcome{Action: ActionNone}, nil
			}
			s.actuationFailed(ev, v, "unrestrict", err)
			return Outcome{Action: ActionUnrestrict, Restricted: restricted}, err
		}
		if err := s.Store.Delete(ctx, restrictedKey(ev.GroupID, ev.UserID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
			s.Logger.Warn().Err(err).Msg("clear restriction flag")
		}
		s.record(ev, v, domain.AuditUnrestricted, "")
		return Outcome{Action: ActionUnrestrict}, nil
	}

	if v.OnlyUnknown() && !v.Settings.FailClosedOr(s.FailClosed) {
		s.record(ev, v, domain.AuditDeferred, "membership unknown, failing open")
		return Outcome{Action: ActionDefer, Restricted: restricted}, nil
	}

	if !restricted {
		if err := s.Enforcer.Restrict(ctx, ev.GroupID, ev.UserID); err != nil {
			s.actuationFailed(ev, v, "restrict", err)
			return Outcome{Action: ActionRestrict}, err
		}
		if err := s.Store.Set(ctx, restrictedKey(ev.GroupID, ev.UserID), []byte("1"), s.restrictionTTL()); err != nil {
			s.Logger.Warn().Err(err).Msg("persist restriction flag")
		}
		s.record(ev, v, domain.AuditRestricted, "")
	} else {
		s.record(ev, v, domain.AuditRestricted, "already restricted")
	}

	out := Outcome{Action: ActionRestrict, Restricted: true}
	if s.Prompter == nil || !s.claimPrompt(ctx, ev.GroupID, ev.UserID) {
		return out, nil
	}
	err := s.Prompter.Prompt(ctx, Prompt{
		GroupID:    ev.GroupID,
		UserID:     ev.UserID,
		Missing:    v.Missing,
		WarningKey: v.Settings.WarningKey,
	})
	if err != nil {
		// The restriction stands; a later event will prompt again.
		_ = s.Store.Delete(ctx, promptKey(ev.GroupID, ev.UserID))
		s.actuationFailed(ev, v, "prompt", err)
		return out, nil
	}
	out.Prompted = true
	s.record(ev, v, domain.AuditPrompted, "")
	return out, nil
}

// isRestricted reports the stored restriction flag; known is false when the
// store could not answer.
func (s *EnforcementService) isRestricted(ctx context.Context, groupID, userID int64) (restricted, known bool) {
	_, err := s.Store.Get(ctx, restrictedKey(groupID, userID))
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, kv.ErrNotFound):
		return false, true
	default:
		s.Logger.Warn().Err(err).Int64("group_id", groupID).Int64("user_id", userID).Msg("restriction state unavailable")
		return false, false
	}
}

// claimPrompt takes the cool-down slot. An unavailable store prompts anyway.
func (s *EnforcementService) claimPrompt(ctx context.Context, groupID, userID int64) bool {
	if s.PromptCooldown <= 0 {
		return true
	}
	ok, err := s.Store.SetNX(ctx, promptKey(groupID, userID), []byte("1"), s.PromptCooldown)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("prompt cool-down unavailable")
		return true
	}
	return ok
}

func (s *EnforcementService) actuationFailed(ev Event, v Verdict, op string, err error) {
	s.Logger.Error().Err(err).Str("op", op).
		Int64("group_id", ev.GroupID).Int64("user_id", ev.UserID).
		Msg("enforcement action failed")
	observability.Actuations.WithLabelValues(op + "_failed").Inc()
	s.record(ev, v, domain.AuditActuationFailed, op+": "+err.Error())
}

func (s *EnforcementService) record(ev Event, v Verdict, kind domain.AuditKind, detail string) {
	sink := s.Sink
	if sink == nil {
		sink = audit.Nop{}
	}
	sink.Record(audit.Event{
		Kind:    kind,
		GroupID: ev.GroupID,
		UserID:  ev.UserID,
		EventID: ev.ID,
		Allowed: audit.Bool(v.Allowed),
		Missing: v.Missing,
		Unknown: v.Unknown,
		Detail:  detail,
	})
}

func (s *EnforcementService) dedupTTL() time.Duration {
	if s.DedupTTL <= 0 {
		return 10 * time.Minute
	}
	return s.DedupTTL
}

func (s *EnforcementService) restrictionTTL() time.Duration {
	if s.RestrictionTTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return s.RestrictionTTL
}
