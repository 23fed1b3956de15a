// Package services – VerificationService
//
// This file implements the verification orchestrator. For one (user, group)
// pair it walks Resolving → Checking → Aggregating → Verdict:
//
//   - Resolving: the tenant resolver supplies the ordered channel set. A
//     resolver failure ends the evaluation with *EvaluationError; the
//     returned verdict carries the engine's leniency default so callers that
//     ignore the error still fail open (or closed, when configured).
//   - Checking: channels are checked in parallel under a small cap. Each
//     check reads the verification cache and, on a miss, dispatches a
//     platform call at the trigger's priority and writes the result back
//     before the verdict is returned.
//   - Aggregating: the user is allowed only if every channel is satisfied.
//     A channel whose dispatch failed is "unknown": unsatisfied for this
//     evaluation, reported separately, and never cached.
//
// Observability: Evaluate is traced with OpenTelemetry and counted in the
// engine's Prometheus collectors; every outcome reaches the audit sink.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/changuard/internal/audit"
	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/observability"
	"github.com/tbourn/changuard/internal/tenant"
)

// Resolver supplies a group's channel requirements.
type Resolver interface {
	RequiredChannels(ctx context.Context, groupID int64) (tenant.Requirements, error)
	Invalidate(groupID int64)
}

// VerificationCache is the subset of verifycache.Cache the orchestrator uses.
type VerificationCache interface {
	Get(ctx context.Context, userID, channelID int64) (isMember bool, ok bool)
	SetWithBase(ctx context.Context, userID, channelID int64, isMember bool, base time.Duration)
	Invalidate(ctx context.Context, userID, channelID int64)
}

// Dispatcher performs rate-limited platform membership checks.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, channelID int64, p dispatcher.Priority) (bool, error)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	GroupID int64
	UserID  int64
	// Allowed is true when every required channel is satisfied, or when the
	// group requires nothing.
	Allowed bool
	// Channels is the required set in link order.
	Channels []int64
	// Missing lists unsatisfied channels, Unknown the subset that could
	// not be checked.
	Missing []int64
	Unknown []int64
	// Dispatched counts platform calls made for this verdict.
	Dispatched int
	Settings   domain.GroupSettings
}

// OnlyUnknown reports whether the user failed solely because of channels that
// could not be checked.
func (v Verdict) OnlyUnknown() bool {
	return len(v.Missing) > 0 && len(v.Missing) == len(v.Unknown)
}

// VerificationService evaluates users against group requirements.
type VerificationService struct {
	// Resolver maps groups to required channels.
	Resolver Resolver
	// Cache stores per-(user, channel) outcomes.
	Cache VerificationCache
	// Dispatcher performs platform checks on cache misses.
	Dispatcher Dispatcher
	// Sink receives audit events. Defaults to audit.Nop.
	Sink audit.Sink
	// Concurrency caps parallel channel checks per evaluation.
	Concurrency int
	// FailClosed is the engine-wide policy for evaluations that cannot
	// complete; groups may override it.
	FailClosed bool
	// Logger receives evaluation failures.
	Logger zerolog.Logger
}

// NewVerificationService wires the orchestrator with default policy
// (fail-open, four parallel checks).
func NewVerificationService(r Resolver, c VerificationCache, d Dispatcher, sink audit.Sink) *VerificationService {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &VerificationService{
		Resolver:    r,
		Cache:       c,
		Dispatcher:  d,
		Sink:        sink,
		Concurrency: 4,
		Logger:      zerolog.Nop(),
	}
}

type channelResult struct {
	member     bool
	unknown    bool
	dispatched bool
}

// Evaluate decides whether userID satisfies groupID's requirements, querying
// the platform at priority p for channels the cache cannot answer.
//
// On a resolver failure it returns *EvaluationError together with a verdict
// whose Allowed field reflects the fail-open/fail-closed policy.
func (s *VerificationService) Evaluate(ctx context.Context, userID, groupID int64, p dispatcher.Priority) (Verdict, error) {
	tr := otel.Tracer("services/VerificationService")
	ctx, span := tr.Start(ctx, "Evaluate",
		trace.WithAttributes(
			attribute.Int64("group.id", groupID),
			attribute.Int64("user.id", userID),
			attribute.String("priority", p.String()),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	v := Verdict{GroupID: groupID, UserID: userID}

	req, err := s.Resolver.RequiredChannels(ctx, groupID)
	if err != nil {
		v.Allowed = !s.FailClosed
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		s.Logger.Error().Err(err).Int64("group_id", groupID).Int64("user_id", userID).
			Bool("allowed", v.Allowed).Msg("evaluation aborted: cannot resolve group requirements")
		s.sink().Record(audit.Event{
			Kind:    domain.AuditResolveFailed,
			GroupID: groupID,
			UserID:  userID,
			Allowed: audit.Bool(v.Allowed),
			Detail:  err.Error(),
		})
		observability.Verdicts.WithLabelValues("error").Inc()
		return v, &EvaluationError{GroupID: groupID, UserID: userID, Err: err}
	}

	v.Settings = req.Settings
	v.Channels = req.Channels
	if !req.Protected() {
		v.Allowed = true
		observability.Verdicts.WithLabelValues("unprotected").Inc()
		return v, nil
	}

	results := make([]channelResult, len(req.Channels))
	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i, ch := range req.Channels {
		g.Go(func() error {
			results[i] = s.check(ctx, userID, groupID, ch, p, req.Settings)
			return nil
		})
	}
	_ = g.Wait()

	for i, ch := range req.Channels {
		r := results[i]
		if r.dispatched {
			v.Dispatched++
		}
		if r.member {
			continue
		}
		v.Missing = append(v.Missing, ch)
		if r.unknown {
			v.Unknown = append(v.Unknown, ch)
		}
	}
	v.Allowed = len(v.Missing) == 0

	span.SetAttributes(
		attribute.Bool("allowed", v.Allowed),
		attribute.Int("channels.missing", len(v.Missing)),
		attribute.Int("channels.unknown", len(v.Unknown)),
		attribute.Int("dispatched", v.Dispatched),
	)
	if v.Allowed {
		observability.Verdicts.WithLabelValues("allowed").Inc()
	} else {
		observability.Verdicts.WithLabelValues("restricted").Inc()
	}
	s.sink().Record(audit.Event{
		Kind:    domain.AuditVerdict,
		GroupID: groupID,
		UserID:  userID,
		Allowed: audit.Bool(v.Allowed),
		Missing: v.Missing,
		Unknown: v.Unknown,
	})
	return v, nil
}

// check answers one channel from the cache, falling back to the dispatcher.
func (s *VerificationService) check(ctx context.Context, userID, groupID, channelID int64, p dispatcher.Priority, settings domain.GroupSettings) channelResult {
	if member, ok := s.Cache.Get(ctx, userID, channelID); ok {
		return channelResult{member: member}
	}

	member, err := s.Dispatcher.Dispatch(ctx, userID, channelID, p)
	if err != nil {
		s.Logger.Warn().Err(err).
			Int64("group_id", groupID).Int64("user_id", userID).Int64("channel_id", channelID).
			Msg("membership unknown: dispatch failed")
		s.sink().Record(audit.Event{
			Kind:    domain.AuditDispatchFailed,
			GroupID: groupID,
			UserID:  userID,
			Unknown: []int64{channelID},
			Detail:  err.Error(),
		})
		return channelResult{unknown: true, dispatched: true}
	}

	s.Cache.SetWithBase(ctx, userID, channelID, member, settings.TTLBase(member))
	return channelResult{member: member, dispatched: true}
}

// Forget drops the cached outcome for (userID, channelID) so the next
// evaluation asks the platform again.
func (s *VerificationService) Forget(ctx context.Context, userID, channelID int64) {
	s.Cache.Invalidate(ctx, userID, channelID)
}

// ForgetGroup forgets every channel groupID requires for userID and returns
// how many entries were dropped.
func (s *VerificationService) ForgetGroup(ctx context.Context, userID, groupID int64) (int, error) {
	req, err := s.Resolver.RequiredChannels(ctx, groupID)
	if err != nil {
		return 0, &EvaluationError{GroupID: groupID, UserID: userID, Err: err}
	}
	for _, ch := range req.Channels {
		s.Cache.Invalidate(ctx, userID, ch)
	}
	return len(req.Channels), nil
}

// FailClosedFor resolves the leniency policy for a group.
func (s *VerificationService) FailClosedFor(settings domain.GroupSettings) bool {
	return settings.FailClosedOr(s.FailClosed)
}

func (s *VerificationService) concurrency() int {
	if s.Concurrency <= 0 {
		return 4
	}
	return s.Concurrency
}

func (s *VerificationService) sink() audit.Sink {
	if s.Sink == nil {
		return audit.Nop{}
	}
	return s.Sink
}
