package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/channels"
)

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	default:
		slog.Debug("telegram: update skipped", "update_id", update.UpdateID)
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil || user.IsBot {
		return
	}
	if isServiceMessage(msg) {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	if isGroup {
		if c.HasAllowlist() && !c.IsAllowed(senderID) {
			slog.Debug("telegram: group sender rejected by allowlist",
				"user_id", userID, "username", user.Username)
			return
		}
	} else if !c.AllowDM(c.deps.Cfg.DMPolicy, senderID) {
		slog.Debug("telegram: dm rejected by policy",
			"user_id", userID, "policy", c.deps.Cfg.DMPolicy)
		return
	}

	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}

	peerKind := bus.PeerDM
	if isGroup {
		peerKind = bus.PeerGroup
	}
	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = fmt.Sprintf("%d", msg.MessageThreadID)
	}

	meta := map[string]string{
		"user_id":  userID,
		"username": user.Username,
	}
	replyToID := ""
	if msg.ReplyToMessage != nil {
		replyToID = fmt.Sprintf("%d", msg.ReplyToMessage.MessageID)
		if msg.ReplyToMessage.Text != "" {
			meta["reply_to_text"] = msg.ReplyToMessage.Text
		}
	}

	slog.Debug("telegram: message received",
		"chat_id", msg.Chat.ID, "sender", senderID,
		"preview", channels.Truncate(text, 60))

	c.pipeline.HandleInbound(ctx, bus.InboundMessage{
		ChannelID: ChannelID,
		AccountID: c.accountID,
		Peer: bus.Peer{
			Kind:     peerKind,
			ID:       fmt.Sprintf("%d", msg.Chat.ID),
			ThreadID: threadID,
		},
		Sender: senderID,
		Message: bus.Message{
			ID:        fmt.Sprintf("%d", msg.MessageID),
			Text:      text,
			Timestamp: msg.Date * 1000,
			ReplyToID: replyToID,
		},
		Meta: meta,
	})
}

// handleCallback resolves approval verdicts from inline keyboard presses.
// Callback data is "appr|<approval_id>|<decision>".
func (c *Channel) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	approvalID, decision, ok := parseApprovalCallback(q.Data)
	ack := func(text string) {
		err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		})
		if err != nil {
			slog.Debug("telegram: callback ack failed", "error", err)
		}
	}
	if !ok {
		ack("Unknown action")
		return
	}

	senderID := fmt.Sprintf("%d", q.From.ID)
	if q.From.Username != "" {
		senderID += "|" + q.From.Username
	}
	if c.HasAllowlist() && !c.IsAllowed(senderID) {
		ack("Not allowed")
		return
	}
	if c.bridge == nil {
		ack("Approvals not available")
		return
	}

	if err := c.bridge.Resolve(ctx, approvalID, decision); err != nil {
		ack("Failed: " + err.Error())
		return
	}
	ack("Recorded: " + decisionLabel(decision))
}

func parseApprovalCallback(data string) (approvalID string, decision approvals.Decision, ok bool) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 || parts[0] != "appr" || parts[1] == "" {
		return "", "", false
	}
	d := approvals.Decision(parts[2])
	if !approvals.ValidDecision(d) {
		return "", "", false
	}
	return parts[1], d, true
}

func decisionLabel(d approvals.Decision) string {
	switch d {
	case approvals.ApproveOnce:
		return "approved once"
	case approvals.ApproveSession:
		return "approved for session"
	case approvals.ApproveAgent:
		return "approved for agent"
	case approvals.ApproveGlobal:
		return "approved globally"
	case approvals.Deny:
		return "denied"
	}
	return string(d)
}

// isServiceMessage reports membership churn, pins and similar updates that
// carry no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Document != nil || msg.Voice != nil ||
		msg.Audio != nil || msg.Video != nil || msg.Sticker != nil {
		return false
	}
	return true
}
