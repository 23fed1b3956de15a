// Engine HTTP handlers.
//
//   - POST /events               (evaluate and enforce one inbound event)
//   - POST /evaluate             (verdict only, no enforcement)
//   - POST /reverify             ("I've joined": forget, re-evaluate, enforce)
//   - POST /forget               (drop cached outcomes)
//   - POST /groups/{id}/rescan   (bulk re-evaluation at batch priority)
//
// An evaluation that cannot complete is not an HTTP failure: the response
// carries the policy-default verdict with evaluated=false and nothing is
// enforced. Enforcement failures on the platform side return 502.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/http/middleware"
	"github.com/tbourn/changuard/internal/services"
	"github.com/tbourn/changuard/internal/utils"
)

//
// DTOs
//

// EventRequest is one inbound platform occurrence.
type EventRequest struct {
	// EventID is the platform update id used for dedup. Falls back to the
	// Idempotency-Key header.
	EventID string `json:"event_id" binding:"max=128" example:"update-884213"`
	GroupID int64  `json:"group_id" binding:"required" example:"-1001234567890"`
	UserID  int64  `json:"user_id" binding:"required" example:"42"`
	// Trigger is one of join, message, admin. Defaults to message.
	Trigger string `json:"trigger" example:"message"`
}

// EvaluateRequest asks for a verdict without enforcement.
type EvaluateRequest struct {
	GroupID int64 `json:"group_id" binding:"required" example:"-1001234567890"`
	UserID  int64 `json:"user_id" binding:"required" example:"42"`
	// Priority is interactive, event or batch. Defaults to interactive.
	Priority string `json:"priority" example:"interactive"`
}

// ReverifyRequest identifies the user either by ids or by the callback
// payload of the prompt's re-verify button.
type ReverifyRequest struct {
	GroupID      int64  `json:"group_id" example:"-1001234567890"`
	UserID       int64  `json:"user_id" example:"42"`
	CallbackData string `json:"callback_data" example:"reverify:-1001234567890:42"`
}

// ForgetRequest drops cached outcomes for one channel, or for every channel
// a group requires when ChannelID is zero.
type ForgetRequest struct {
	UserID    int64 `json:"user_id" binding:"required" example:"42"`
	ChannelID int64 `json:"channel_id" example:"-1009876543210"`
	GroupID   int64 `json:"group_id" example:"-1001234567890"`
}

// ForgetResponse reports how many cache entries were dropped.
type ForgetResponse struct {
	Forgotten int `json:"forgotten"`
}

// RescanRequest lists the users to re-evaluate.
type RescanRequest struct {
	UserIDs []int64 `json:"user_ids" binding:"required,min=1"`
}

// RescanItemResponse is one user's re-scan result.
type RescanItemResponse struct {
	UserID    int64  `json:"user_id"`
	Allowed   bool   `json:"allowed"`
	Evaluated bool   `json:"evaluated"`
	Action    string `json:"action"`
	Error     string `json:"error,omitempty"`
}

// RescanResponse summarizes a bulk re-scan.
type RescanResponse struct {
	GroupID int64                `json:"group_id"`
	Items   []RescanItemResponse `json:"items"`
	Failed  int                  `json:"failed"`
}

//
// Handlers
//

// PostEvent godoc
// @ID          postEvent
// @Summary     Evaluate and enforce an inbound event
// @Description Evaluates the user against the group's required channels and restricts, prompts or unrestricts accordingly. Redelivered events (same event_id or Idempotency-Key) are not enforced twice.
// @Tags        Engine
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false  "Dedup key when event_id is absent"
// @Param       body             body    handlers.EventRequest  true  "Event"
//
// @Success     200  {object}  handlers.EventResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse  "Platform action failed"
// @Router      /events [post]
func (h *Handlers) PostEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "group_id and user_id are required")
		return
	}
	trigger := services.Trigger(strings.ToLower(strings.TrimSpace(req.Trigger)))
	switch trigger {
	case "":
		trigger = services.TriggerMessage
	case services.TriggerJoin, services.TriggerMessage, services.TriggerAdmin:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "trigger must be join, message or admin")
		return
	}

	if middleware.IsReplay(c) {
		ok(c, http.StatusOK, EventResponse{
			Verdict: VerdictResponse{GroupID: req.GroupID, UserID: req.UserID,
				Channels: []int64{}, Missing: []int64{}, Unknown: []int64{}},
			Action: string(services.ActionDuplicate),
		})
		return
	}

	ev := services.Event{ID: req.EventID, GroupID: req.GroupID, UserID: req.UserID, Trigger: trigger}
	if ev.ID == "" {
		ev.ID, _ = middleware.GetIdempotencyKey(c)
	}

	res, err := h.engine.Handle(c.Request.Context(), ev)
	h.respondResult(c, res, err)
}

// Reverify godoc
// @ID          reverify
// @Summary     Re-verify a user ("I've joined")
// @Description Forgets the user's cached outcomes for the group and re-evaluates at interactive priority, lifting the restriction when every channel is now joined.
// @Tags        Engine
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ReverifyRequest  true  "Ids or callback payload"
// @Success     200  {object}  handlers.EventResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse  "Platform action failed"
// @Router      /reverify [post]
func (h *Handlers) Reverify(c *gin.Context) {
	var req ReverifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.CallbackData != "" {
		g, u, valid := services.ParseReverifyCallbackData(req.CallbackData)
		if !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed callback_data")
			return
		}
		req.GroupID, req.UserID = g, u
	}
	if req.GroupID == 0 || req.UserID == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "group_id and user_id are required")
		return
	}

	res, err := h.engine.Reverify(c.Request.Context(), services.Event{GroupID: req.GroupID, UserID: req.UserID})
	h.respondResult(c, res, err)
}

func (h *Handlers) respondResult(c *gin.Context, res services.Result, err error) {
	switch {
	case err == nil, services.IsEvaluationError(err):
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("evaluation incomplete, nothing enforced")
		}
		ok(c, http.StatusOK, eventResponse(res, err))
	case errors.Is(err, services.ErrInvalidID):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusBadGateway, ErrCodeEnforcementFailed, err.Error())
	}
}

// Evaluate godoc
// @ID          evaluate
// @Summary     Evaluate a user without enforcing
// @Description Returns the verdict for the user in the group. Cache misses are checked on the platform at the requested priority.
// @Tags        Engine
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.EvaluateRequest  true  "Evaluation"
// @Success     200  {object}  handlers.VerdictResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /evaluate [post]
func (h *Handlers) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "group_id and user_id are required")
		return
	}
	p := dispatcher.Interactive
	if req.Priority != "" {
		parsed, valid := dispatcher.ParsePriority(req.Priority)
		if !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "priority must be interactive, event or batch")
			return
		}
		p = parsed
	}

	v, err := h.verifier.Evaluate(c.Request.Context(), req.UserID, req.GroupID, p)
	if err != nil && !services.IsEvaluationError(err) {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, verdictResponse(v, err))
}

// Forget godoc
// @ID          forget
// @Summary     Forget cached membership outcomes
// @Description Drops the cached outcome for one channel, or for every channel the group requires when channel_id is omitted.
// @Tags        Engine
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ForgetRequest  true  "What to forget"
// @Success     200  {object}  handlers.ForgetResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse  "Group requirements unavailable"
// @Router      /forget [post]
func (h *Handlers) Forget(c *gin.Context) {
	var req ForgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id is required")
		return
	}
	ctx := c.Request.Context()
	switch {
	case req.ChannelID != 0:
		h.verifier.Forget(ctx, req.UserID, req.ChannelID)
		ok(c, http.StatusOK, ForgetResponse{Forgotten: 1})
	case req.GroupID != 0:
		n, err := h.verifier.ForgetGroup(ctx, req.UserID, req.GroupID)
		if err != nil {
			fail(c, http.StatusServiceUnavailable, ErrCodeForgetFailed, err.Error())
			return
		}
		ok(c, http.StatusOK, ForgetResponse{Forgotten: n})
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel_id or group_id is required")
	}
}

// Rescan godoc
// @ID          rescanGroup
// @Summary     Re-evaluate users of a group
// @Description Evaluates and enforces each listed user at batch priority. Per-user failures are reported in the items.
// @Tags        Engine
// @Accept      json
// @Produce     json
// @Param       id    path  int  true  "Group id"  example(-1001234567890)
// @Param       body  body  handlers.RescanRequest  true  "Users"
// @Success     200  {object}  handlers.RescanResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     413  {object}  handlers.ErrorResponse  "Too many users"
// @Router      /groups/{id}/rescan [post]
func (h *Handlers) Rescan(c *gin.Context) {
	groupID, valid := utils.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "group id must be a non-zero integer")
		return
	}
	var req RescanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_ids must list at least one user")
		return
	}

	items, err := h.engine.Rescan(c.Request.Context(), groupID, req.UserIDs)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}

	resp := RescanResponse{GroupID: groupID, Items: make([]RescanItemResponse, 0, len(items))}
	for _, it := range items {
		er := eventResponse(it.Result, it.Err)
		item := RescanItemResponse{
			UserID:    it.UserID,
			Allowed:   er.Verdict.Allowed,
			Evaluated: er.Verdict.Evaluated,
			Action:    er.Action,
		}
		if it.Err != nil {
			item.Error = it.Err.Error()
			resp.Failed++
		}
		resp.Items = append(resp.Items, item)
	}
	ok(c, http.StatusOK, resp)
}
