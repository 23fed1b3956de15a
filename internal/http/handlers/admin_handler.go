// Admin HTTP handlers.
//
//   - GET    /groups                              (list)
//   - GET    /groups/{id}                         (group, settings, required channels)
//   - PUT    /groups/{id}                         (create or update)
//   - PATCH  /groups/{id}/enabled                 (toggle enforcement)
//   - DELETE /groups/{id}
//   - PUT    /channels/{id}                       (register or update a channel)
//   - PUT    /groups/{id}/channels/{channel_id}   (require a channel)
//   - DELETE /groups/{id}/channels/{channel_id}
//   - GET    /audit                               (paginated, ETag support)
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/repo"
	"github.com/tbourn/changuard/internal/services"
	"github.com/tbourn/changuard/internal/utils"
)

//
// DTOs
//

// UpsertGroupRequest is the JSON payload for creating or updating a group.
type UpsertGroupRequest struct {
	Title string `json:"title" binding:"max=255" example:"Crypto Talk"`
	// Enabled defaults to true for new groups and is kept on update when omitted.
	Enabled *bool `json:"enabled"`
	// Settings is the group's config object; omitted keeps the stored value.
	Settings json.RawMessage `json:"settings" swaggertype:"object"`
}

// SetEnabledRequest toggles enforcement.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// UpsertChannelRequest is the JSON payload for registering a channel.
type UpsertChannelRequest struct {
	Title      string `json:"title" binding:"max=255" example:"Daily Signals"`
	Username   string `json:"username" binding:"max=64" example:"@dailysignals"`
	InviteLink string `json:"invite_link" binding:"max=255" example:"https://t.me/+AbCdEf"`
}

// LinkChannelRequest positions a required channel. Omitted appends.
type LinkChannelRequest struct {
	Position *int `json:"position" binding:"omitempty,min=0"`
}

// GroupResponse is a group with its decoded settings and required channels.
type GroupResponse struct {
	domain.ProtectedGroup
	Settings domain.GroupSettings     `json:"settings"`
	Channels []domain.EnforcedChannel `json:"channels"`
}

// ListGroupsResponse wraps every protected group.
type ListGroupsResponse struct {
	Groups []domain.ProtectedGroup `json:"groups"`
}

// ListAuditResponse wraps a page of audit events and pagination information.
type ListAuditResponse struct {
	Events     []domain.AuditEvent `json:"events"`
	Pagination Pagination          `json:"pagination"`
}

func groupResponse(v *services.GroupView) GroupResponse {
	channels := v.Channels
	if channels == nil {
		channels = []domain.EnforcedChannel{}
	}
	return GroupResponse{ProtectedGroup: v.Group, Settings: v.Settings, Channels: channels}
}

// pathID parses a non-zero platform id from the named path parameter.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, valid := utils.ParseID(c.Param(name))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a non-zero integer")
	}
	return id, valid
}

//
// Groups
//

// ListGroups godoc
// @ID          listGroups
// @Summary     List protected groups
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  handlers.ListGroupsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /groups [get]
func (h *Handlers) ListGroups(c *gin.Context) {
	groups, err := h.admin.ListGroups(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if groups == nil {
		groups = []domain.ProtectedGroup{}
	}
	ok(c, http.StatusOK, ListGroupsResponse{Groups: groups})
}

// GetGroup godoc
// @ID          getGroup
// @Summary     Get a protected group
// @Description Returns the group, its decoded settings and its required channels in order.
// @Tags        Admin
// @Produce     json
// @Param       id  path  int  true  "Group id"  example(-1001234567890)
// @Success     200  {object}  handlers.GroupResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Group not found"
// @Router      /groups/{id} [get]
func (h *Handlers) GetGroup(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	v, err := h.admin.GetGroup(c.Request.Context(), id)
	if err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	ok(c, http.StatusOK, groupResponse(v))
}

// UpsertGroup godoc
// @ID          upsertGroup
// @Summary     Create or update a protected group
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       id    path  int  true  "Group id"  example(-1001234567890)
// @Param       body  body  handlers.UpsertGroupRequest  true  "Group"
// @Success     200  {object}  handlers.GroupResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or invalid settings"
// @Router      /groups/{id} [put]
func (h *Handlers) UpsertGroup(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req UpsertGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	in := services.GroupInput{ID: id, Title: strings.TrimSpace(req.Title), Enabled: req.Enabled}
	if raw := bytes.TrimSpace(req.Settings); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			fail(c, http.StatusBadRequest, ErrCodeInvalidSettings, "settings must be a JSON object")
			return
		}
		in.Settings = string(raw)
	}

	v, err := h.admin.UpsertGroup(c.Request.Context(), in)
	if err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	ok(c, http.StatusOK, groupResponse(v))
}

// SetGroupEnabled godoc
// @ID          setGroupEnabled
// @Summary     Enable or suspend enforcement
// @Tags        Admin
// @Accept      json
// @Param       id    path  int  true  "Group id"  example(-1001234567890)
// @Param       body  body  handlers.SetEnabledRequest  true  "State"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Group not found"
// @Router      /groups/{id}/enabled [patch]
func (h *Handlers) SetGroupEnabled(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enabled is required")
		return
	}
	if err := h.admin.SetGroupEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	noContent(c)
}

// DeleteGroup godoc
// @ID          deleteGroup
// @Summary     Delete a protected group and its channel links
// @Tags        Admin
// @Param       id  path  int  true  "Group id"  example(-1001234567890)
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Group not found"
// @Router      /groups/{id} [delete]
func (h *Handlers) DeleteGroup(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.admin.DeleteGroup(c.Request.Context(), id); err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	noContent(c)
}

//
// Channels
//

// UpsertChannel godoc
// @ID          upsertChannel
// @Summary     Register or update an enforced channel
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       id    path  int  true  "Channel id"  example(-1009876543210)
// @Param       body  body  handlers.UpsertChannelRequest  true  "Channel"
// @Success     200  {object}  domain.EnforcedChannel
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /channels/{id} [put]
func (h *Handlers) UpsertChannel(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req UpsertChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ch := &domain.EnforcedChannel{
		ID:         id,
		Title:      strings.TrimSpace(req.Title),
		Username:   strings.TrimSpace(req.Username),
		InviteLink: strings.TrimSpace(req.InviteLink),
	}
	if err := h.admin.UpsertChannel(c.Request.Context(), ch); err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	ok(c, http.StatusOK, ch)
}

// LinkChannel godoc
// @ID          linkChannel
// @Summary     Require a channel in a group
// @Tags        Admin
// @Accept      json
// @Param       id          path  int  true  "Group id"    example(-1001234567890)
// @Param       channel_id  path  int  true  "Channel id"  example(-1009876543210)
// @Param       body        body  handlers.LinkChannelRequest  false  "Position"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Group or channel not found"
// @Router      /groups/{id}/channels/{channel_id} [put]
func (h *Handlers) LinkChannel(c *gin.Context) {
	groupID, valid := pathID(c, "id")
	if !valid {
		return
	}
	channelID, valid := pathID(c, "channel_id")
	if !valid {
		return
	}
	var req LinkChannelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "position must be >= 0")
			return
		}
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}
	if err := h.admin.LinkChannel(c.Request.Context(), groupID, channelID, position); err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	noContent(c)
}

// UnlinkChannel godoc
// @ID          unlinkChannel
// @Summary     Stop requiring a channel in a group
// @Tags        Admin
// @Param       id          path  int  true  "Group id"    example(-1001234567890)
// @Param       channel_id  path  int  true  "Channel id"  example(-1009876543210)
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Link not found"
// @Router      /groups/{id}/channels/{channel_id} [delete]
func (h *Handlers) UnlinkChannel(c *gin.Context) {
	groupID, valid := pathID(c, "id")
	if !valid {
		return
	}
	channelID, valid := pathID(c, "channel_id")
	if !valid {
		return
	}
	if err := h.admin.UnlinkChannel(c.Request.Context(), groupID, channelID); err != nil {
		failService(c, err, ErrCodeAdminFailed)
		return
	}
	noContent(c)
}

//
// Audit
//

// ListAudit godoc
// @ID          listAudit
// @Summary     Browse the audit trail (paginated)
// @Description Returns audit events newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Admin
// @Produce     json
//
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       group_id       query   int     false  "Filter by group"
// @Param       user_id        query   int     false  "Filter by user"
// @Param       kind           query   string  false  "Filter by event kind"  example(restricted)
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(500) default(50)
//
// @Success     200  {object}  handlers.ListAuditResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /audit [get]
func (h *Handlers) ListAudit(c *gin.Context) {
	ctx := c.Request.Context()
	f := repo.AuditFilter{
		GroupID: utils.ParseIDDefault(c.Query("group_id"), 0),
		UserID:  utils.ParseIDDefault(c.Query("user_id"), 0),
		Kind:    domain.AuditKind(strings.TrimSpace(c.Query("kind"))),
	}
	page, pageSize := utils.NormalizePage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)

	// ETag pre-check (best effort).
	if count, latest, err := h.admin.AuditVersion(ctx, f); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.UnixNano()
		}
		etag := fmt.Sprintf(`W/"audit:%d:%d:%s:%d:%d:%d:%d"`, f.GroupID, f.UserID, f.Kind, page, pageSize, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.admin.AuditPage(ctx, f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListAuditResponse{
		Events: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
