package gateway

import (
	"sort"
	"sync"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// PresenceEntry describes one live connection.
type PresenceEntry struct {
	ConnID        string `json:"conn_id"`
	Role          string `json:"role"`
	ClientID      string `json:"client_id,omitempty"`
	PID           int    `json:"pid,omitempty"`
	ConnectedAtMs int64  `json:"connected_at_ms"`
}

// Presence tracks who is connected to the control plane and announces
// membership changes on the presence topic.
type Presence struct {
	bus *bus.Bus
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]PresenceEntry
}

// NewPresence creates an empty presence registry.
func NewPresence(b *bus.Bus, clk clock.Clock) *Presence {
	return &Presence{bus: b, clk: clk, entries: make(map[string]PresenceEntry)}
}

// Add records a connection and broadcasts presence_changed.
func (p *Presence) Add(e PresenceEntry) {
	e.ConnectedAtMs = p.clk.NowMs()
	p.mu.Lock()
	p.entries[e.ConnID] = e
	p.mu.Unlock()
	p.announce("connected", e.ConnID)
}

// Remove drops a connection and broadcasts presence_changed. Unknown ids are
// ignored.
func (p *Presence) Remove(connID string) {
	p.mu.Lock()
	_, ok := p.entries[connID]
	delete(p.entries, connID)
	p.mu.Unlock()
	if ok {
		p.announce("disconnected", connID)
	}
}

// Snapshot returns current entries ordered by connect time.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.RLock()
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAtMs < out[j].ConnectedAtMs })
	return out
}

// Count reports the number of live connections.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Presence) announce(change, connID string) {
	p.bus.Broadcast(bus.TopicPresence, bus.Event{
		Type: protocol.BusPresenceChanged,
		TsMs: p.clk.NowMs(),
		Payload: map[string]any{
			"change":  change,
			"conn_id": connID,
			"count":   p.Count(),
		},
	})
}
