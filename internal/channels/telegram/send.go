package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/sessions"
)

// maxMessageLen is the Bot API text message limit.
const maxMessageLen = 4096

// generalTopicID is the fixed id of the "General" forum topic; the send API
// rejects it, so it is omitted.
const generalTopicID = 1

// Send delivers one outbound payload, chunking text over the 4096-char API
// limit at newline boundaries where possible.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("telegram: not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}

	threadID := 0
	if msg.ThreadID != "" {
		if id, err := strconv.Atoi(msg.ThreadID); err == nil && id != generalTopicID {
			threadID = id
		}
	}
	replyToID := 0
	if msg.Metadata != nil {
		replyToID, _ = strconv.Atoi(msg.Metadata["reply_to_id"])
	}

	first := true
	for _, chunk := range chunkText(msg.Content, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		// Only the first chunk replies to the originating message.
		if first && replyToID > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyToID}
		}
		first = false
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}

// chunkText splits s into pieces of at most max bytes, preferring to break
// at a newline in the back half of the window.
func chunkText(s string, max int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > max {
		cut := max
		if idx := lastNewline(s[:max]); idx > max/2 {
			cut = idx + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

// PromptApproval renders an exec approval as an inline keyboard in the
// conversation that owns the pending's session. Implements approvals.PromptUI.
func (c *Channel) PromptApproval(pending approvals.Pending) (string, error) {
	key := sessions.Parse(pending.SessionKey)
	chatID, err := strconv.ParseInt(key.PeerID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: approval peer %q: %w", key.PeerID, err)
	}

	text := fmt.Sprintf("Approval required\n\nCommand:\n%s", pending.Command)
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve once").
				WithCallbackData(approvalCallback(pending.ID, approvals.ApproveOnce)),
			tu.InlineKeyboardButton("Approve session").
				WithCallbackData(approvalCallback(pending.ID, approvals.ApproveSession)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Deny").
				WithCallbackData(approvalCallback(pending.ID, approvals.Deny)),
		),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	params := tu.Message(tu.ID(chatID), text).WithReplyMarkup(keyboard)
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram: approval prompt: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// ResolvePrompt replaces the keyboard message with the final verdict.
// Implements approvals.PromptUI.
func (c *Channel) ResolvePrompt(ref approvals.PromptRef, decision approvals.Decision) error {
	chatID, err := strconv.ParseInt(ref.Peer.ID, 10, 64)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      "Approval " + decisionLabel(decision),
	})
	return err
}

func approvalCallback(approvalID string, d approvals.Decision) string {
	return "appr|" + approvalID + "|" + string(d)
}
