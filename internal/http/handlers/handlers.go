package handlers

import (
	"context"
	"time"

	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/repo"
	"github.com/tbourn/changuard/internal/services"
)

//
// Service contracts (context-aware)
//

// Engine evaluates users and enforces the verdict.
type Engine interface {
	// Handle evaluates an inbound event and applies the verdict.
	Handle(ctx context.Context, ev services.Event) (services.Result, error)
	// Reverify forgets cached outcomes, then re-evaluates at interactive priority.
	Reverify(ctx context.Context, ev services.Event) (services.Result, error)
	// Rescan re-evaluates many users of one group at batch priority.
	Rescan(ctx context.Context, groupID int64, users []int64) ([]services.RescanItem, error)
}

// Verifier evaluates without enforcing and manages cached outcomes.
type Verifier interface {
	Evaluate(ctx context.Context, userID, groupID int64, p dispatcher.Priority) (services.Verdict, error)
	Forget(ctx context.Context, userID, channelID int64)
	ForgetGroup(ctx context.Context, userID, groupID int64) (int, error)
}

// AdminService manages tenant configuration and exposes the audit trail.
type AdminService interface {
	UpsertGroup(ctx context.Context, in services.GroupInput) (*services.GroupView, error)
	SetGroupEnabled(ctx context.Context, id int64, enabled bool) error
	GetGroup(ctx context.Context, id int64) (*services.GroupView, error)
	ListGroups(ctx context.Context) ([]domain.ProtectedGroup, error)
	DeleteGroup(ctx context.Context, id int64) error
	UpsertChannel(ctx context.Context, c *domain.EnforcedChannel) error
	LinkChannel(ctx context.Context, groupID, channelID int64, position int) error
	UnlinkChannel(ctx context.Context, groupID, channelID int64) error
	AuditPage(ctx context.Context, f repo.AuditFilter, page, pageSize int) ([]domain.AuditEvent, int64, error)
	AuditVersion(ctx context.Context, f repo.AuditFilter) (int64, *time.Time, error)
}

// Handlers groups the HTTP endpoints. Each dependency may be nil when the
// matching routes are not mounted.
type Handlers struct {
	engine   Engine
	verifier Verifier
	admin    AdminService
}

// New constructs a Handlers bound to the given services.
func New(engine Engine, verifier Verifier, admin AdminService) *Handlers {
	return &Handlers{engine: engine, verifier: verifier, admin: admin}
}

//
// Shared DTOs
//

// VerdictResponse is the outcome of one evaluation.
type VerdictResponse struct {
	GroupID int64 `json:"group_id" example:"-1001234567890"`
	UserID  int64 `json:"user_id" example:"42"`
	// Allowed is the verdict; when Evaluated is false it is the policy default.
	Allowed bool `json:"allowed"`
	// Evaluated is false when the group's requirements could not be resolved.
	Evaluated bool `json:"evaluated"`
	// Channels is the required set in link order.
	Channels []int64 `json:"channels"`
	// Missing lists unsatisfied channels; Unknown the subset that could not be checked.
	Missing    []int64 `json:"missing"`
	Unknown    []int64 `json:"unknown"`
	Dispatched int     `json:"dispatched"`
	Error      string  `json:"error,omitempty"`
}

// EventResponse is a verdict plus the enforcement it caused.
type EventResponse struct {
	Verdict    VerdictResponse `json:"verdict"`
	Action     string          `json:"action" example:"restrict"`
	Restricted bool            `json:"restricted"`
	Prompted   bool            `json:"prompted"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func verdictResponse(v services.Verdict, err error) VerdictResponse {
	r := VerdictResponse{
		GroupID:    v.GroupID,
		UserID:     v.UserID,
		Allowed:    v.Allowed,
		Evaluated:  err == nil,
		Channels:   nonNil(v.Channels),
		Missing:    nonNil(v.Missing),
		Unknown:    nonNil(v.Unknown),
		Dispatched: v.Dispatched,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func eventResponse(res services.Result, err error) EventResponse {
	action := res.Outcome.Action
	if action == "" {
		action = services.ActionNone
	}
	var evalErr error
	if services.IsEvaluationError(err) {
		evalErr = err
	}
	return EventResponse{
		Verdict:    verdictResponse(res.Verdict, evalErr),
		Action:     string(action),
		Restricted: res.Outcome.Restricted,
		Prompted:   res.Outcome.Prompted,
	}
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
