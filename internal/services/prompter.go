package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/platform"
)

// DefaultPromptText is sent when a group has no (or an unknown) warning key.
const DefaultPromptText = "To write in this group, please join the channels below, then press \"I've joined\"."

// MessageSender posts a chat message with inline buttons.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, buttons []platform.Button) error
}

// ChannelRepo looks up channel display metadata for prompt buttons.
type ChannelRepo interface {
	GetChannel(ctx context.Context, db *gorm.DB, id int64) (*domain.EnforcedChannel, error)
}

// MessagePrompter renders prompts as a group message with one join button per
// missing channel and a re-verify button.
type MessagePrompter struct {
	DB     *gorm.DB
	Repo   ChannelRepo
	Sender MessageSender
	// Templates maps a group's warning key to its prompt text.
	Templates map[string]string
}

// Prompt implements Prompter.
func (p *MessagePrompter) Prompt(ctx context.Context, pr Prompt) error {
	text := DefaultPromptText
	if t, ok := p.Templates[pr.WarningKey]; ok && strings.TrimSpace(t) != "" {
		text = t
	}

	buttons := make([]platform.Button, 0, len(pr.Missing)+1)
	for _, id := range pr.Missing {
		if b, ok := p.channelButton(ctx, id); ok {
			buttons = append(buttons, b)
		}
	}
	buttons = append(buttons, platform.Button{
		Text:         "I've joined",
		CallbackData: ReverifyCallbackData(pr.GroupID, pr.UserID),
	})
	return p.Sender.SendMessage(ctx, pr.GroupID, text, buttons)
}

func (p *MessagePrompter) channelButton(ctx context.Context, id int64) (platform.Button, bool) {
	if p.Repo == nil {
		return platform.Button{}, false
	}
	ch, err := p.Repo.GetChannel(ctx, p.DB, id)
	if err != nil {
		return platform.Button{}, false
	}
	url := ch.InviteLink
	if url == "" && ch.Username != "" {
		url = "https://t.me/" + strings.TrimPrefix(ch.Username, "@")
	}
	if url == "" {
		return platform.Button{}, false
	}
	title := ch.Title
	if title == "" {
		title = "Join channel"
	}
	return platform.Button{Text: title, URL: url}, true
}

// ReverifyCallbackData encodes the re-verify button payload.
func ReverifyCallbackData(groupID, userID int64) string {
	return fmt.Sprintf("reverify:%d:%d", groupID, userID)
}

// ParseReverifyCallbackData decodes ReverifyCallbackData.
func ParseReverifyCallbackData(s string) (groupID, userID int64, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "reverify" {
		return 0, 0, false
	}
	g, err1 := strconv.ParseInt(parts[1], 10, 64)
	u, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || g == 0 || u == 0 {
		return 0, 0, false
	}
	return g, u, true
}
