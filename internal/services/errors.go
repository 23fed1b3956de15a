// Package services defines the engine's business logic: evaluating a user
// against a group's channel requirements and enforcing the verdict.
// This file centralizes service-level error values so that callers and the
// HTTP layer can branch on them consistently.
//
// Translation into user-facing messages or HTTP status codes is done at the
// handler layer.
package services

import (
	"errors"
	"fmt"
)

// Admin and input errors.
var (
	// ErrGroupNotFound indicates that the requested protected group does not exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrChannelNotFound indicates that the requested channel is not registered.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrLinkNotFound is returned when unlinking a channel the group does not require.
	ErrLinkNotFound = errors.New("channel is not linked to group")

	// ErrInvalidID is returned for a zero user, group or channel id.
	ErrInvalidID = errors.New("id must be non-zero")

	// ErrInvalidSettings is returned when a group config blob does not decode.
	ErrInvalidSettings = errors.New("invalid group settings")

	// ErrTooManyUsers is returned when a bulk re-scan exceeds the batch cap.
	ErrTooManyUsers = errors.New("too many users in one request")
)

// EvaluationError reports that no verdict could be computed for a user in a
// group. Callers default to allowing the user unless the group or the engine
// is configured fail-closed; either way no enforcement is applied.
type EvaluationError struct {
	GroupID int64
	UserID  int64
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate user %d in group %d: %v", e.UserID, e.GroupID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
