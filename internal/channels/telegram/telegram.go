// Package telegram connects the fabric to the Telegram Bot API with long
// polling. Updates are normalized and fed through an ingest pipeline; the
// getUpdates offset is persisted after each batch so a restart resumes
// where the previous process stopped.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/channels"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/config"
	"github.com/lemonhq/lemongate/internal/ingest"
	"github.com/lemonhq/lemongate/internal/pollerlock"
	"github.com/lemonhq/lemongate/internal/store"
)

// ChannelID is the transport name used in session keys and routing.
const ChannelID = "telegram"

const (
	pollTimeoutSec   = 30
	pollErrorBackoff = 3 * time.Second
	lockHeartbeat    = time.Minute
	shutdownWait     = 10 * time.Second
	defaultAccountID = "default"
)

// Deps wires the channel into the fabric.
type Deps struct {
	Cfg      config.TelegramConfig
	AgentID  string
	Clock    clock.Clock
	Store    store.Store
	Locks    *pollerlock.Manager
	Sink     ingest.Sink
	Cancel   ingest.Canceler
	Notify   ingest.Notifier
	Resolver approvals.Resolver
	Bus      *bus.Bus
}

// Channel is the Telegram transport.
type Channel struct {
	*channels.Base
	bot       *telego.Bot
	deps      Deps
	accountID string
	pipeline  *ingest.Pipeline
	bridge    *approvals.Bridge

	lock       *pollerlock.Lock
	offset     int64
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the channel. The bot token is validated lazily on Start.
func New(deps Deps) (*Channel, error) {
	if deps.Cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token not configured")
	}
	bot, err := telego.NewBot(deps.Cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{
		Base:      channels.NewBase(ChannelID, deps.Cfg.Allowlist),
		bot:       bot,
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

// Start acquires the poller lock, restores the update offset and launches
// the long-poll loop.
func (c *Channel) Start(ctx context.Context) error {
	if c.deps.Locks != nil {
		lock, err := c.deps.Locks.Acquire(c.accountID, c.deps.Cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram: poller lock: %w", err)
		}
		c.lock = lock
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	if c.lock != nil {
		c.lock.StartHeartbeat(pollCtx, lockHeartbeat)
	}

	c.restoreOffset()
	if c.deps.Cfg.DropPending {
		if err := c.dropPending(pollCtx); err != nil {
			slog.Warn("telegram: drop pending failed", "error", err)
		}
	}

	if c.bridge != nil {
		c.bridge.Start(pollCtx)
	}

	c.SetRunning(true)
	slog.Info("telegram: polling started", "offset", c.offset)
	go c.pollLoop(pollCtx)
	return nil
}

// Stop cancels polling, waits for the loop to exit so Telegram releases the
// getUpdates lock, and releases the poller lock.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(shutdownWait):
			slog.Warn("telegram: poll loop did not exit in time")
		}
	}
	if c.bridge != nil {
		c.bridge.Stop()
	}
	c.pipeline.Close()
	if c.lock != nil {
		if err := c.lock.Release(); err != nil {
			slog.Warn("telegram: lock release failed", "error", err)
		}
	}
	slog.Info("telegram: stopped")
	return nil
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer close(c.pollDone)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         int(c.offset),
			Timeout:        pollTimeoutSec,
			AllowedUpdates: []string{"message", "callback_query"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("telegram: getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}
		for i := range updates {
			c.handleUpdate(ctx, updates[i])
		}
		if len(updates) > 0 {
			c.offset = int64(updates[len(updates)-1].UpdateID) + 1
			c.persistOffset()
		}
	}
}

func (c *Channel) offsetKey() string { return ChannelID + ":" + c.accountID }

func (c *Channel) restoreOffset() {
	if c.deps.Store == nil {
		return
	}
	val, ok, err := c.deps.Store.Get(store.TableChannelOffsets, c.offsetKey())
	if err != nil || !ok {
		return
	}
	switch v := val["offset"].(type) {
	case int64:
		c.offset = v
	case float64:
		c.offset = int64(v)
	case string:
		c.offset, _ = strconv.ParseInt(v, 10, 64)
	}
}

func (c *Channel) persistOffset() {
	if c.deps.Store == nil {
		return
	}
	err := c.deps.Store.Put(store.TableChannelOffsets, c.offsetKey(), map[string]any{
		"offset":     c.offset,
		"updated_ms": c.deps.Clock.NowMs(),
	})
	if err != nil {
		slog.Warn("telegram: offset persist failed", "error", err)
	}
}

// dropPending advances the offset past everything currently queued at the
// Bot API. Offset -1 asks Telegram for only the newest pending update.
func (c *Channel) dropPending(ctx context.Context) error {
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Offset: -1})
	if err != nil {
		return err
	}
	if len(updates) > 0 {
		c.offset = int64(updates[len(updates)-1].UpdateID) + 1
		c.persistOffset()
		slog.Info("telegram: pending updates dropped", "offset", c.offset)
	}
	return nil
}
