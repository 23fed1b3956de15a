package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Member statuses returned by getChatMember.
const (
	StatusCreator       = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

type chatMember struct {
	Status   string `json:"status"`
	IsMember *bool  `json:"is_member,omitempty"`
}

// IsMember reports whether userID belongs to channelID. A restricted user
// counts only while still in the chat.
func (c *Client) IsMember(ctx context.Context, userID, channelID int64) (bool, error) {
	var m chatMember
	err := c.call(ctx, "getChatMember", map[string]any{
		"chat_id": channelID,
		"user_id": userID,
	}, &m)
	if err != nil {
		if isUserNotFound(err) {
			return false, nil
		}
		return false, err
	}
	switch m.Status {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true, nil
	case StatusRestricted:
		return m.IsMember != nil && *m.IsMember, nil
	case StatusLeft, StatusKicked:
		return false, nil
	}
	return false, fmt.Errorf("getChatMember: unexpected status %q", m.Status)
}

// isUserNotFound matches the 400 the API returns for users the channel has
// never seen, which is a definite "no" rather than a fault.
func isUserNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(ae.Description), "user not found")
}

type permissions struct {
	CanSendMessages       bool `json:"can_send_messages"`
	CanSendAudios         bool `json:"can_send_audios"`
	CanSendDocuments      bool `json:"can_send_documents"`
	CanSendPhotos         bool `json:"can_send_photos"`
	CanSendVideos         bool `json:"can_send_videos"`
	CanSendVideoNotes     bool `json:"can_send_video_notes"`
	CanSendVoiceNotes     bool `json:"can_send_voice_notes"`
	CanSendPolls          bool `json:"can_send_polls"`
	CanSendOtherMessages  bool `json:"can_send_other_messages"`
	CanAddWebPagePreviews bool `json:"can_add_web_page_previews"`
}

func allPermissions(allowed bool) permissions {
	return permissions{
		CanSendMessages:       allowed,
		CanSendAudios:         allowed,
		CanSendDocuments:      allowed,
		CanSendPhotos:         allowed,
		CanSendVideos:         allowed,
		CanSendVideoNotes:     allowed,
		CanSendVoiceNotes:     allowed,
		CanSendPolls:          allowed,
		CanSendOtherMessages:  allowed,
		CanAddWebPagePreviews: allowed,
	}
}

// Restrict mutes userID in groupID until lifted.
func (c *Client) Restrict(ctx context.Context, groupID, userID int64) error {
	return c.setPermissions(ctx, groupID, userID, false)
}

// Unrestrict restores the default sending rights of userID in groupID.
func (c *Client) Unrestrict(ctx context.Context, groupID, userID int64) error {
	return c.setPermissions(ctx, groupID, userID, true)
}

func (c *Client) setPermissions(ctx context.Context, groupID, userID int64, allowed bool) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":                          groupID,
		"user_id":                          userID,
		"permissions":                      allPermissions(allowed),
		"use_independent_chat_permissions": false,
	}, nil)
}

// Button is one inline keyboard button. Exactly one of URL or CallbackData
// should be set.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// SendMessage posts text to chatID with one button per row.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons []Button) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if len(buttons) > 0 {
		rows := make([][]Button, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, []Button{b})
		}
		payload["reply_markup"] = map[string]any{"inline_keyboard": rows}
	}
	return c.call(ctx, "sendMessage", payload, nil)
}
