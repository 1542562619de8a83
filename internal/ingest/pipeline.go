package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/dedupe"
	"github.com/lemonhq/lemongate/internal/sessions"
)

// Sink receives fully-resolved jobs for router submission.
type Sink interface {
	SubmitJob(job bus.Job)
}

// Canceler maps a reply-target message id to an in-flight run and aborts it.
type Canceler interface {
	CancelForMessage(ctx context.Context, sessionKey, messageID string) error
}

// Notifier sends short service replies (command acks, placeholders) back to
// the peer. Optional.
type Notifier interface {
	Notify(peer bus.Peer, text string)
}

// Config tunes one channel's ingest pipeline.
type Config struct {
	AgentID     string
	ChannelID   string
	AccountID   string
	DebounceMs  int64
	DedupeTTLMs int64
	QueueMode   bus.QueueMode
	Cwd         string
	TimeoutMs   int64
}

func (c Config) withDefaults() Config {
	if c.DebounceMs <= 0 {
		c.DebounceMs = 1000
	}
	if c.DedupeTTLMs <= 0 {
		c.DedupeTTLMs = 5 * 60 * 1000
	}
	if c.QueueMode == "" {
		c.QueueMode = bus.QueueCollect
	}
	return c
}

// Pipeline is one channel account's inbound path. Not safe to share across
// accounts: dedupe and queue-mode state are per account.
type Pipeline struct {
	cfg      Config
	clk      clock.Clock
	dedupe   *dedupe.Table
	debounce *Debouncer
	sink     Sink
	cancel   Canceler
	notify   Notifier

	overrides *overrideSet
}

// New builds a pipeline. cancel and notify may be nil.
func New(cfg Config, clk clock.Clock, sink Sink, cancel Canceler, notify Notifier) *Pipeline {
	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		clk:       clk,
		dedupe:    dedupe.NewTable(clk),
		sink:      sink,
		cancel:    cancel,
		notify:    notify,
		overrides: newOverrideSet(),
	}
	p.debounce = NewDebouncer(time.Duration(p.cfg.DebounceMs)*time.Millisecond, p.dispatchBatch)
	return p
}

// Close flushes and tears down the debounce buffers.
func (p *Pipeline) Close() { p.debounce.Close() }

// HandleInbound processes one normalized channel event end to end:
// control commands short-circuit, duplicates drop, commands dispatch
// immediately, everything else rides the debounce buffer.
func (p *Pipeline) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	text := msg.Message.Text

	if cmd, args, ok := ParseControl(text); ok {
		p.handleControl(ctx, msg, cmd, args)
		return
	}

	key := fmt.Sprintf("%s|%s|%s", msg.Peer.ID, msg.Peer.ThreadID, msg.Message.ID)
	if p.dedupe.CheckAndMark(key, p.cfg.DedupeTTLMs) == dedupe.Seen {
		slog.Debug("ingest: duplicate dropped",
			"channel", p.cfg.ChannelID, "peer", msg.Peer.ID, "message_id", msg.Message.ID)
		return
	}

	switch DecideAction(msg) {
	case ActionIgnore:
		return
	case ActionPlaceholder:
		if p.notify != nil {
			p.notify.Notify(msg.Peer, PlaceholderReply())
		}
		return
	}

	if IsCommandShaped(text) {
		p.dispatchBatch(Batch{
			Peer:          msg.Peer,
			Text:          text,
			CorrelationID: msg.Message.ID,
			Messages:      []bus.InboundMessage{msg},
		})
		return
	}
	p.debounce.Add(msg)
}

func (p *Pipeline) handleControl(ctx context.Context, msg bus.InboundMessage, cmd, args string) {
	sessionKey := p.sessionKey(msg.Peer)
	switch cmd {
	case CmdCancel:
		target := msg.Message.ReplyToID
		if target == "" {
			target = args
		}
		if p.cancel == nil || target == "" {
			p.reply(msg.Peer, "Nothing to cancel: reply to the message that started the run.")
			return
		}
		if err := p.cancel.CancelForMessage(ctx, sessionKey, target); err != nil {
			p.reply(msg.Peer, "Cancel failed: "+err.Error())
			return
		}
		p.reply(msg.Peer, "Cancelled.")
	case CmdSteer:
		p.overrides.set(sessionKey, bus.QueueSteer)
		p.reply(msg.Peer, "Queue mode set to steer.")
	case CmdFollowup:
		p.overrides.set(sessionKey, bus.QueueFollowup)
		p.reply(msg.Peer, "Queue mode set to followup.")
	case CmdInterrupt:
		p.overrides.set(sessionKey, bus.QueueInterrupt)
		p.reply(msg.Peer, "Queue mode set to interrupt.")
	}
}

func (p *Pipeline) reply(peer bus.Peer, text string) {
	if p.notify != nil {
		p.notify.Notify(peer, text)
	}
}

func (p *Pipeline) sessionKey(peer bus.Peer) string {
	kind := string(peer.Kind)
	if kind == "" {
		kind = string(bus.PeerUnknown)
	}
	return sessions.ChannelPeer(
		p.cfg.AgentID, p.cfg.ChannelID, p.cfg.AccountID,
		kind, peer.ID, peer.ThreadID, "",
	).String()
}

// dispatchBatch resolves engine directive and resume token, applies the
// session's queue mode, and hands the synthesized job to the sink.
func (p *Pipeline) dispatchBatch(b Batch) {
	prompt := strings.TrimSpace(b.Text)
	if prompt == "" {
		return
	}

	engine, prompt := ParseDirective(prompt)

	var replyText string
	meta := map[string]any{
		"channel":    p.cfg.ChannelID,
		"account_id": p.cfg.AccountID,
		"message_id": b.CorrelationID,
		"reply": map[string]any{
			"peer_kind":  string(b.Peer.Kind),
			"peer_id":    b.Peer.ID,
			"thread_id":  b.Peer.ThreadID,
			"message_id": b.CorrelationID,
		},
	}
	if len(b.Messages) > 0 {
		last := b.Messages[len(b.Messages)-1]
		meta["sender"] = last.Sender
		replyText, _ = last.Meta["reply_to_text"]
	}
	if resumeEngine, token, ok := ExtractResume(prompt, replyText); ok {
		engine = resumeEngine // the resume token's engine wins
		meta["resume_token"] = token
	}
	if prompt == "" {
		return
	}

	sessionKey := p.sessionKey(b.Peer)
	queueMode := p.cfg.QueueMode
	if mode, ok := p.overrides.get(sessionKey); ok {
		queueMode = mode
	}

	job := bus.Job{
		RunID:      clock.NewID(clock.KindRun),
		SessionKey: sessionKey,
		Prompt:     prompt,
		AgentID:    p.cfg.AgentID,
		EngineHint: engine,
		QueueMode:  queueMode,
		Cwd:        p.cfg.Cwd,
		TimeoutMs:  p.cfg.TimeoutMs,
		Meta:       meta,
	}
	slog.Debug("ingest: job dispatched",
		"channel", p.cfg.ChannelID, "session", sessionKey,
		"engine", engine, "queue_mode", string(queueMode))
	p.sink.SubmitJob(job)
}

// overrideSet is the per-session queue-mode override map, written only by
// control commands on this pipeline's conversations.
type overrideSet struct {
	mu    sync.Mutex
	modes map[string]bus.QueueMode
}

func newOverrideSet() *overrideSet {
	return &overrideSet{modes: make(map[string]bus.QueueMode)}
}

func (s *overrideSet) set(sessionKey string, mode bus.QueueMode) {
	s.mu.Lock()
	s.modes[sessionKey] = mode
	s.mu.Unlock()
}

func (s *overrideSet) get(sessionKey string) (bus.QueueMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, ok := s.modes[sessionKey]
	return mode, ok
}

// --- placeholder handling for non-text content ---

// Action classifies what to do with an inbound event that may have no
// usable text.
type Action int

const (
	ActionSubmit Action = iota
	ActionIgnore
	ActionPlaceholder
)

const placeholderText = "I can only process text XMTP messages right now. " +
	"Send your request as plain text and I'll get on it."

const maxPlaceholderBytes = 220

// PlaceholderReply returns the canned non-text reply, capped at 220 bytes
// on a UTF-8 boundary.
func PlaceholderReply() string { return truncateBytes(placeholderText, maxPlaceholderBytes) }

// DecideAction picks the inbound action: textless events with an
// unsupported content type get a placeholder reply, other textless events
// are ignored, everything else submits.
func DecideAction(msg bus.InboundMessage) Action {
	if strings.TrimSpace(msg.Message.Text) != "" {
		return ActionSubmit
	}
	if ct := msg.Meta["content_type"]; ct != "" && ct != "text" {
		return ActionPlaceholder
	}
	return ActionIgnore
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
