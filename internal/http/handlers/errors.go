package handlers

// Error codes returned in ErrorResponse.Code. Clients branch on these, not on
// messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"

	ErrCodeGroupNotFound   = "group_not_found"
	ErrCodeChannelNotFound = "channel_not_found"
	ErrCodeLinkNotFound    = "link_not_found"
	ErrCodeInvalidSettings = "invalid_settings"
	ErrCodeTooManyUsers    = "too_many_users"

	ErrCodeEnforcementFailed = "enforcement_failed"
	ErrCodeForgetFailed      = "forget_failed"
	ErrCodeAdminFailed       = "admin_failed"
	ErrCodeListFailed        = "list_failed"
)
