// Package channels defines the transport contract and the outbound dispatch
// manager. Each transport (telegram, discord, xmtp) normalizes its platform
// events into bus.InboundMessage, feeds them through an ingest pipeline, and
// delivers bus.OutboundMessage payloads handed to it by the manager.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/lemonhq/lemongate/internal/bus"
)

// Channel is one messaging transport.
type Channel interface {
	// Name returns the channel id used in session keys and outbound routing.
	Name() string
	// Start connects the transport and begins receiving. Non-blocking.
	Start(ctx context.Context) error
	// Stop disconnects and waits for receive loops to exit.
	Stop(ctx context.Context) error
	// Send delivers one outbound payload. Idempotency is handled by the
	// manager; Send may assume the message is not a duplicate.
	Send(ctx context.Context, msg bus.OutboundMessage) error
	// Running reports whether the transport is connected.
	Running() bool
}

// Base carries the state every transport shares: name, running flag and the
// sender allowlist.
type Base struct {
	name      string
	allowlist Allowlist
	running   atomic.Bool
}

// NewBase creates the shared channel state.
func NewBase(name string, allowFrom []string) *Base {
	return &Base{name: name, allowlist: NewAllowlist(allowFrom)}
}

// Name returns the channel id.
func (b *Base) Name() string { return b.name }

// Running reports the transport's connected state.
func (b *Base) Running() bool { return b.running.Load() }

// SetRunning flips the connected state.
func (b *Base) SetRunning(v bool) { b.running.Store(v) }

// HasAllowlist reports whether any allowlist entries are configured.
func (b *Base) HasAllowlist() bool { return len(b.allowlist) > 0 }

// IsAllowed checks senderID against the allowlist. An empty allowlist
// allows everyone.
func (b *Base) IsAllowed(senderID string) bool { return b.allowlist.Allows(senderID) }

// DM policy values mirror config.DMPolicy*.
const (
	dmPolicyOpen      = "open"
	dmPolicyAllowlist = "allowlist"
	dmPolicyDisabled  = "disabled"
)

// AllowDM evaluates the DM policy for a sender. Unknown policies behave as
// allowlist, the restrictive default.
func (b *Base) AllowDM(policy, senderID string) bool {
	switch policy {
	case dmPolicyDisabled:
		return false
	case dmPolicyOpen, "":
		return true
	default: // allowlist or unknown
		return b.allowlist.Allows(senderID)
	}
}

// Allowlist matches sender identities. Entries and probes may be compound
// "id|username" pairs; a probe matches when any of its parts equals any part
// of any entry, case-insensitively.
type Allowlist []string

// NewAllowlist normalizes the configured entries.
func NewAllowlist(entries []string) Allowlist {
	out := make(Allowlist, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Allows reports whether senderID matches any entry. Empty list allows all.
func (a Allowlist) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}
	probes := splitCompound(senderID)
	for _, entry := range a {
		for _, part := range splitCompound(entry) {
			for _, probe := range probes {
				if strings.EqualFold(probe, part) {
					return true
				}
			}
		}
	}
	return false
}

func splitCompound(s string) []string {
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "@"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Truncate bounds s to max bytes for log previews.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
