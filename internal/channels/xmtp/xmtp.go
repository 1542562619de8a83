// Package xmtp connects the fabric to an XMTP network node through a
// pluggable client port. The wire SDK stays behind the Client interface so
// deployments can swap implementations (or a test fake) without touching
// the channel.
package xmtp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/channels"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/dedupe"
	"github.com/lemonhq/lemongate/internal/ingest"
	"github.com/lemonhq/lemongate/internal/store"
)

// ChannelID is the transport name used in session keys and routing.
const ChannelID = "xmtp"

const (
	defaultAccountID = "default"
	defaultDedupeMax = 2000
	reconnectBackoff = 5 * time.Second
)

// Envelope is one decoded network message.
type Envelope struct {
	ID             string
	ConversationID string
	SenderAddress  string
	ContentType    string // "text" or a content-type identifier
	Text           string
	Sequence       int64
	TimestampMs    int64
}

// Client is the wire port. Listen yields envelopes starting after
// fromSequence; fromSequence < 0 means "new messages only".
type Client interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context, fromSequence int64) (<-chan Envelope, error)
	SendText(ctx context.Context, conversationID, text string) error
	Close() error
}

// Deps wires the channel into the fabric.
type Deps struct {
	Cfg     config.XMTPConfig
	AgentID string
	Clock   clock.Clock
	Store   store.Store
	Client  Client
	Sink    ingest.Sink
	Cancel  ingest.Canceler
	Notify  ingest.Notifier
}

// Channel is the XMTP transport.
type Channel struct {
	*channels.Base
	deps      Deps
	accountID string
	pipeline  *ingest.Pipeline
	seen      *dedupe.Ring
	cursor    int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the channel around an injected client.
func New(deps Deps) (*Channel, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("xmtp: no client wired")
	}
	max := deps.Cfg.DedupeMax
	if max <= 0 {
		max = defaultDedupeMax
	}
	c := &Channel{
		Base:      channels.NewBase(ChannelID, nil),
		deps:      deps,
		accountID: defaultAccountID,
		seen:      dedupe.NewRing(max),
	}
	c.pipeline = ingest.New(ingest.Config{
		AgentID:    deps.AgentID,
		ChannelID:  ChannelID,
		AccountID:  c.accountID,
		DebounceMs: deps.Cfg.DebounceMs,
	}, deps.Clock, deps.Sink, deps.Cancel, deps.Notify)
	return c, nil
}

// Start connects the client and launches the listen loop from the stored
// cursor, or from "now" when drop-pending is configured.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.deps.Client.Connect(ctx); err != nil {
		return fmt.Errorf("xmtp: connect: %w", err)
	}

	c.cursor = -1
	if !c.deps.Cfg.DropPending {
		c.restoreCursor()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.SetRunning(true)
	slog.Info("xmtp: listening", "cursor", c.cursor)
	go c.listenLoop(ctx)
	return nil
}

// Stop tears down the listen loop and the client.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.pipeline.Close()
	return c.deps.Client.Close()
}

// Send delivers one outbound payload to a conversation.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("xmtp: not running")
	}
	return c.deps.Client.SendText(ctx, msg.ChatID, msg.Content)
}

func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		envs, err := c.deps.Client.Listen(ctx, c.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("xmtp: listen failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}
	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-envs:
				if !ok {
					break drain
				}
				c.handleEnvelope(ctx, env)
			}
		}
		slog.Warn("xmtp: stream ended, reconnecting")
	}
}

func (c *Channel) handleEnvelope(ctx context.Context, env Envelope) {
	if c.seen.CheckAndMark(env.ID) == dedupe.Seen {
		slog.Debug("xmtp: duplicate envelope dropped", "id", env.ID)
		return
	}
	if env.Sequence > c.cursor {
		c.cursor = env.Sequence
		c.persistCursor()
	}

	meta := map[string]string{"sender_address": env.SenderAddress}
	if env.ContentType != "" && env.ContentType != "text" {
		meta["content_type"] = env.ContentType
	}

	c.pipeline.HandleInbound(ctx, bus.InboundMessage{
		ChannelID: ChannelID,
		AccountID: c.accountID,
		Peer:      bus.Peer{Kind: bus.PeerDM, ID: env.ConversationID},
		Sender:    env.SenderAddress,
		Message: bus.Message{
			ID:        env.ID,
			Text:      env.Text,
			Timestamp: env.TimestampMs,
		},
		Meta: meta,
	})
}

func (c *Channel) cursorKey() string { return ChannelID + ":" + c.accountID }

func (c *Channel) restoreCursor() {
	if c.deps.Store == nil {
		return
	}
	val, ok, err := c.deps.Store.Get(store.TableChannelOffsets, c.cursorKey())
	if err != nil || !ok {
		return
	}
	switch v := val["cursor"].(type) {
	case int64:
		c.cursor = v
	case float64:
		c.cursor = int64(v)
	case string:
		c.cursor, _ = strconv.ParseInt(v, 10, 64)
	}
}

func (c *Channel) persistCursor() {
	if c.deps.Store == nil {
		return
	}
	err := c.deps.Store.Put(store.TableChannelOffsets, c.cursorKey(), map[string]any{
		"cursor":     c.cursor,
		"updated_ms": c.deps.Clock.NowMs(),
	})
	if err != nil {
		slog.Warn("xmtp: cursor persist failed", "error", err)
	}
}
