// Package approvals bridges exec-approval requests from the router onto the
// channel that owns the originating conversation, and routes the human's
// decision back.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Decision is a resolution verdict.
type Decision string

const (
	ApproveOnce    Decision = "approve_once"
	ApproveSession Decision = "approve_session"
	ApproveAgent   Decision = "approve_agent"
	ApproveGlobal  Decision = "approve_global"
	Deny           Decision = "deny"
)

// ValidDecision reports whether d is one of the five recognized verdicts.
func ValidDecision(d Decision) bool {
	switch d {
	case ApproveOnce, ApproveSession, ApproveAgent, ApproveGlobal, Deny:
		return true
	}
	return false
}

// Pending is one approval awaiting a verdict.
type Pending struct {
	ID          string         `json:"id"`
	SessionKey  string         `json:"session_key"`
	AgentID     string         `json:"agent_id"`
	Command     string         `json:"command"`
	RequestedMs int64          `json:"requested_ms"`
	ExpiresAtMs int64          `json:"expires_at_ms,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// PromptRef ties an approval to the interactive prompt shown on a channel.
type PromptRef struct {
	Peer      bus.Peer
	MessageID string
}

// PromptUI is the channel-side prompt surface: Telegram renders an inline
// keyboard, others a plain ack message.
type PromptUI interface {
	PromptApproval(pending Pending) (messageID string, err error)
	ResolvePrompt(ref PromptRef, decision Decision) error
}

// Resolver carries the verdict back into the router.
type Resolver interface {
	ResolveApproval(ctx context.Context, approvalID string, decision Decision) error
}

// Bridge is one channel account's approvals actor. It watches the
// exec_approvals topic, surfaces pendings that belong to its conversations,
// and keeps the approval→prompt correlation until resolution.
type Bridge struct {
	channelID string
	accountID string
	bus       *bus.Bus
	clk       clock.Clock
	ui        PromptUI
	resolver  Resolver

	mu     sync.Mutex
	prompt map[string]PromptRef

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates an approvals bridge bound to one channel account.
func NewBridge(channelID, accountID string, b *bus.Bus, clk clock.Clock, ui PromptUI, resolver Resolver) *Bridge {
	return &Bridge{
		channelID: channelID,
		accountID: accountID,
		bus:       b,
		clk:       clk,
		ui:        ui,
		resolver:  resolver,
		prompt:    make(map[string]PromptRef),
	}
}

// Start subscribes to the approvals topic and launches the watch loop.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	sub := b.bus.Subscribe(bus.TopicExecApprovals)
	go func() {
		defer close(b.done)
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				b.handle(ev)
			}
		}
	}()
}

// Stop halts the watch loop.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

// Resolve validates and forwards a verdict to the router. The router answers
// with an approval_resolved event, which clears the prompt.
func (b *Bridge) Resolve(ctx context.Context, approvalID string, decision Decision) error {
	if !ValidDecision(decision) {
		return protocol.NewError(protocol.ErrInvalidParams, "unknown decision %q", decision)
	}
	return b.resolver.ResolveApproval(ctx, approvalID, decision)
}

// PendingCount reports how many prompts are currently live.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompt)
}

func (b *Bridge) handle(ev bus.Event) {
	switch ev.Type {
	case protocol.BusApprovalRequested:
		b.onRequested(ev)
	case protocol.BusApprovalResolved:
		b.onResolved(ev)
	}
}

func (b *Bridge) onRequested(ev bus.Event) {
	pending, err := decodePending(ev.Payload["pending"])
	if err != nil {
		slog.Warn("approvals: bad pending payload", "error", err)
		return
	}

	key := sessions.Parse(pending.SessionKey)
	if key.Variant != sessions.VariantChannelPeer ||
		key.ChannelID != b.channelID || key.AccountID != b.accountID {
		return // not our conversation
	}
	peer := bus.Peer{Kind: bus.PeerKind(key.PeerKind), ID: key.PeerID, ThreadID: key.ThreadID}

	msgID, err := b.ui.PromptApproval(pending)
	if err != nil {
		slog.Warn("approvals: prompt failed",
			"approval_id", pending.ID, "peer", peer.ID, "error", err)
		return
	}

	b.mu.Lock()
	b.prompt[pending.ID] = PromptRef{Peer: peer, MessageID: msgID}
	b.mu.Unlock()
	slog.Info("approvals: prompt surfaced", "approval_id", pending.ID, "peer", peer.ID)
}

func (b *Bridge) onResolved(ev bus.Event) {
	approvalID, _ := ev.Payload["approval_id"].(string)
	decision, _ := ev.Payload["decision"].(string)

	b.mu.Lock()
	ref, ok := b.prompt[approvalID]
	if ok {
		delete(b.prompt, approvalID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if err := b.ui.ResolvePrompt(ref, Decision(decision)); err != nil {
		slog.Warn("approvals: prompt cleanup failed",
			"approval_id", approvalID, "error", err)
	}
}

func decodePending(v any) (Pending, error) {
	var p Pending
	if v == nil {
		return p, fmt.Errorf("missing pending")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.ID == "" || p.SessionKey == "" {
		return p, fmt.Errorf("pending needs id and session_key")
	}
	return p, nil
}
