// Package discord connects the fabric to the Discord gateway via discordgo.
// Messages are normalized and fed through an ingest pipeline; replies are
// chunked at the 2000-character API limit.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/channels"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/ingest"
	"github.com/lemonhq/lemongate/internal/sessions"
)

// ChannelID is the transport name used in session keys and routing.
const ChannelID = "discord"

const (
	maxMessageLen    = 2000
	defaultAccountID = "default"
)

// Deps wires the channel into the fabric.
type Deps struct {
	Cfg      config.DiscordConfig
	AgentID  string
	Clock    clock.Clock
	Sink     ingest.Sink
	Cancel   ingest.Canceler
	Notify   ingest.Notifier
	Resolver approvals.Resolver
	Bus      *bus.Bus
}

// Channel is the Discord transport.
type Channel struct {
	*channels.Base
	session   *discordgo.Session
	deps      Deps
	accountID string
	botUserID string
	pipeline  *ingest.Pipeline
	bridge    *approvals.Bridge
}

// New creates the channel.
func New(deps Deps) (*Channel, error) {
	if deps.Cfg.Token == "" {
		return nil, fmt.Errorf("discord: token not configured")
	}
	session, err := discordgo.New("Bot " + deps.Cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{
		Base:      channels.NewBase(ChannelID, deps.Cfg.Allowlist),
		session:   session,
		deps:      deps,
		accountID: defaultAccountID,
	}
	c.pipeline = ingest.New(ingest.Config{
		AgentID:     deps.AgentID,
		ChannelID:   ChannelID,
		AccountID:   c.accountID,
		DebounceMs:  deps.Cfg.DebounceMs,
		DedupeTTLMs: deps.Cfg.DedupeTTLMs,
	}, deps.Clock, deps.Sink, deps.Cancel, deps.Notify)

	if deps.Resolver != nil && deps.Bus != nil {
		c.bridge = approvals.NewBridge(ChannelID, c.accountID, deps.Bus, deps.Clock, c, deps.Resolver)
	}
	return c, nil
}

// Start opens the gateway connection and resolves the bot identity.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord identity: %w", err)
	}
	c.botUserID = user.ID

	if c.bridge != nil {
		c.bridge.Start(ctx)
	}
	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.bridge != nil {
		c.bridge.Stop()
	}
	c.pipeline.Close()
	return c.session.Close()
}

// Send delivers one outbound payload, chunked at the message length limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("discord: not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord: empty chat id")
	}
	for _, chunk := range chunkText(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}
	isDM := m.GuildID == ""

	if isDM {
		if !c.AllowDM(c.deps.Cfg.DMPolicy, senderID) {
			slog.Debug("discord: dm rejected by policy",
				"user_id", m.Author.ID, "policy", c.deps.Cfg.DMPolicy)
			return
		}
	} else if c.HasAllowlist() && !c.IsAllowed(senderID) {
		slog.Debug("discord: group sender rejected by allowlist", "user_id", m.Author.ID)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	peerKind := bus.PeerGroup
	if isDM {
		peerKind = bus.PeerDM
	}

	meta := map[string]string{
		"user_id":  m.Author.ID,
		"username": m.Author.Username,
		"guild_id": m.GuildID,
	}
	replyToID := ""
	if m.ReferencedMessage != nil {
		replyToID = m.ReferencedMessage.ID
		if m.ReferencedMessage.Content != "" {
			meta["reply_to_text"] = m.ReferencedMessage.Content
		}
	}

	slog.Debug("discord: message received",
		"channel_id", m.ChannelID, "sender", senderID,
		"preview", channels.Truncate(content, 60))

	c.pipeline.HandleInbound(context.Background(), bus.InboundMessage{
		ChannelID: ChannelID,
		AccountID: c.accountID,
		Peer:      bus.Peer{Kind: peerKind, ID: m.ChannelID},
		Sender:    senderID,
		Message: bus.Message{
			ID:        m.ID,
			Text:      content,
			Timestamp: m.Timestamp.UnixMilli(),
			ReplyToID: replyToID,
		},
		Meta: meta,
	})
}

// PromptApproval posts a plain-text approval prompt; Discord has no inline
// keyboard equivalent wired here, so verdicts arrive via the control plane.
// Implements approvals.PromptUI.
func (c *Channel) PromptApproval(pending approvals.Pending) (string, error) {
	key := sessions.Parse(pending.SessionKey)
	text := fmt.Sprintf(
		"Approval required (id %s)\n\nCommand:\n%s\n\nResolve with: lemongate approve %s <decision>",
		pending.ID, pending.Command, pending.ID,
	)
	sent, err := c.session.ChannelMessageSend(key.PeerID, text)
	if err != nil {
		return "", fmt.Errorf("discord: approval prompt: %w", err)
	}
	return sent.ID, nil
}

// ResolvePrompt edits the prompt message with the final verdict.
// Implements approvals.PromptUI.
func (c *Channel) ResolvePrompt(ref approvals.PromptRef, decision approvals.Decision) error {
	_, err := c.session.ChannelMessageEdit(ref.Peer.ID, ref.MessageID,
		"Approval resolved: "+string(decision))
	return err
}

// chunkText splits s into pieces of at most max bytes, preferring a newline
// break in the back half of the window.
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
