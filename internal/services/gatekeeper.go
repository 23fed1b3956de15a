package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Result pairs a verdict with the enforcement it caused.
type Result struct {
	Verdict Verdict
	Outcome Outcome
}

// Gatekeeper is the engine's entry point: evaluate, then enforce.
type Gatekeeper struct {
	Verifier *VerificationService
	Enforcer *EnforcementService
	// RescanConcurrency caps parallel evaluations in Rescan.
	RescanConcurrency int
	// MaxRescanUsers caps one Rescan request.
	MaxRescanUsers int
	Logger         zerolog.Logger
}

// NewGatekeeper wires the orchestrator and the actuator.
func NewGatekeeper(v *VerificationService, e *EnforcementService) *Gatekeeper {
	return &Gatekeeper{
		Verifier:          v,
		Enforcer:          e,
		RescanConcurrency: 4,
		MaxRescanUsers:    1000,
		Logger:            zerolog.Nop(),
	}
}

// Handle evaluates ev and applies the verdict. When the evaluation cannot
// complete, no enforcement happens and the *EvaluationError is returned with
// the policy-default verdict.
func (g *Gatekeeper) Handle(ctx context.Context, ev Event) (Result, error) {
	if ev.GroupID == 0 || ev.UserID == 0 {
		return Result{}, ErrInvalidID
	}
	if !ev.Trigger.Valid() {
		ev.Trigger = TriggerMessage
	}
	v, err := g.Verifier.Evaluate(ctx, ev.UserID, ev.GroupID, ev.Trigger.Priority())
	if err != nil {
		return Result{Verdict: v, Outcome: Outcome{Action: ActionNone}}, err
	}
	out, err := g.Enforcer.Apply(ctx, ev, v)
	return Result{Verdict: v, Outcome: out}, err
}

// Reverify handles the "I joined" action: forget the user's cached outcomes
// for the group, then evaluate at interactive priority.
func (g *Gatekeeper) Reverify(ctx context.Context, ev Event) (Result, error) {
	if ev.GroupID == 0 || ev.UserID == 0 {
		return Result{}, ErrInvalidID
	}
	ev.Trigger = TriggerReverify
	if _, err := g.Verifier.ForgetGroup(ctx, ev.UserID, ev.GroupID); err != nil {
		return Result{Outcome: Outcome{Action: ActionNone}}, err
	}
	return g.Handle(ctx, ev)
}

// RescanItem is one user's result in a bulk re-scan.
type RescanItem struct {
	UserID int64
	Result Result
	Err    error
}

// Rescan re-evaluates users in groupID at batch priority. Per-user failures
// are reported in the items, not as the returned error.
func (g *Gatekeeper) Rescan(ctx context.Context, groupID int64, users []int64) ([]RescanItem, error) {
	if groupID == 0 {
		return nil, ErrInvalidID
	}
	if g.MaxRescanUsers > 0 && len(users) > g.MaxRescanUsers {
		return nil, ErrTooManyUsers
	}
	limit := g.RescanConcurrency
	if limit <= 0 {
		limit = 4
	}

	items := make([]RescanItem, len(users))
	var eg errgroup.Group
	eg.SetLimit(limit)
	for i, u := range users {
		eg.Go(func() error {
			res, err := g.Handle(ctx, Event{GroupID: groupID, UserID: u, Trigger: TriggerRescan})
			items[i] = RescanItem{UserID: u, Result: res, Err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var failed int
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		g.Logger.Warn().Int64("group_id", groupID).Int("failed", failed).Int("total", len(users)).Msg("rescan finished with failures")
	}
	return items, nil
}

// IsEvaluationError reports whether err means "no verdict could be computed".
func IsEvaluationError(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}
