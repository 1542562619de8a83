package approvals

import (
	"context"
	"sort"
	"sync"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Registry is the authoritative set of pending exec approvals. The router
// asks it for a verdict before running a gated command; channels and the
// control plane observe and resolve through the bus.
type Registry struct {
	bus *bus.Bus
	clk clock.Clock

	mu      sync.Mutex
	pending map[string]*waiter
}

type waiter struct {
	p  Pending
	ch chan Decision
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, clk clock.Clock) *Registry {
	return &Registry{bus: b, clk: clk, pending: make(map[string]*waiter)}
}

// Request registers a pending approval, announces it on the exec_approvals
// topic, and blocks until a verdict arrives or the context expires. A context
// expiry resolves as Deny.
func (r *Registry) Request(ctx context.Context, sessionKey, agentID, command string, meta map[string]any) (Decision, error) {
	p := Pending{
		ID:          clock.NewID(clock.KindApproval),
		SessionKey:  sessionKey,
		AgentID:     agentID,
		Command:     command,
		RequestedMs: r.clk.NowMs(),
		Meta:        meta,
	}
	if deadline, ok := ctx.Deadline(); ok {
		p.ExpiresAtMs = deadline.UnixMilli()
	}

	w := &waiter{p: p, ch: make(chan Decision, 1)}
	r.mu.Lock()
	r.pending[p.ID] = w
	r.mu.Unlock()

	r.bus.Broadcast(bus.TopicExecApprovals, bus.Event{
		Type:    protocol.BusApprovalRequested,
		TsMs:    p.RequestedMs,
		Payload: map[string]any{"pending": pendingToMap(p)},
	})

	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, p.ID)
		r.mu.Unlock()
		r.announceResolved(p.ID, Deny)
		return Deny, ctx.Err()
	}
}

// ResolveApproval delivers a verdict for a pending approval and announces the
// resolution. Implements Resolver.
func (r *Registry) ResolveApproval(ctx context.Context, approvalID string, decision Decision) error {
	if !ValidDecision(decision) {
		return protocol.NewError(protocol.ErrInvalidParams, "unknown decision %q", decision)
	}

	r.mu.Lock()
	w, ok := r.pending[approvalID]
	if ok {
		delete(r.pending, approvalID)
	}
	r.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "approval %s not pending", approvalID)
	}

	w.ch <- decision
	r.announceResolved(approvalID, decision)
	return nil
}

// List returns a snapshot of pending approvals, oldest first.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, w := range r.pending {
		out = append(out, w.p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedMs < out[j].RequestedMs })
	return out
}

func (r *Registry) announceResolved(approvalID string, decision Decision) {
	r.bus.Broadcast(bus.TopicExecApprovals, bus.Event{
		Type: protocol.BusApprovalResolved,
		TsMs: r.clk.NowMs(),
		Payload: map[string]any{
			"approval_id": approvalID,
			"decision":    string(decision),
		},
	})
}

func pendingToMap(p Pending) map[string]any {
	m := map[string]any{
		"id":           p.ID,
		"session_key":  p.SessionKey,
		"agent_id":     p.AgentID,
		"command":      p.Command,
		"requested_ms": p.RequestedMs,
	}
	if p.ExpiresAtMs != 0 {
		m["expires_at_ms"] = p.ExpiresAtMs
	}
	if p.Meta != nil {
		m["meta"] = p.Meta
	}
	return m
}
