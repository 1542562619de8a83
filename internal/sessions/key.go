// Package sessions — structured session identifiers.
//
// Two recognized shapes:
//
//	main:         agent:{agentId}:main[:sub:{subId}]
//	channel_peer: {agentId}/{channelId}/{accountId}/{peerKind}/{peerId}[/{threadId}][/sub/{subId}]
//
// Examples:
//
//	agent:lemon:main
//	agent:lemon:main:sub:cron_d2k4j6
//	lemon/telegram/bot123/dm/386246614
//	lemon/telegram/bot123/group/-100123/99/sub/cron_d2k4j6
//
// Parsing is total: anything else yields the unknown variant, which
// round-trips back to its original string.
package sessions

import (
	"strings"

	"github.com/lemonhq/lemongate/internal/clock"
)

// Variant discriminates the recognized key shapes.
type Variant string

const (
	VariantMain        Variant = "main"
	VariantChannelPeer Variant = "channel_peer"
	VariantUnknown     Variant = "unknown"
)

// Key is a parsed session identifier. For VariantUnknown only Raw is set.
type Key struct {
	Variant Variant

	AgentID string
	SubID   string

	// channel_peer fields
	ChannelID string
	AccountID string
	PeerKind  string
	PeerID    string
	ThreadID  string

	// original string for unknown keys
	Raw string
}

// Main builds a main-session key for an agent, optionally forked by subID.
func Main(agentID, subID string) Key {
	return Key{Variant: VariantMain, AgentID: agentID, SubID: subID}
}

// ChannelPeer builds a channel-peer key. threadID and subID are optional.
func ChannelPeer(agentID, channelID, accountID, peerKind, peerID, threadID, subID string) Key {
	return Key{
		Variant:   VariantChannelPeer,
		AgentID:   agentID,
		ChannelID: channelID,
		AccountID: accountID,
		PeerKind:  peerKind,
		PeerID:    peerID,
		ThreadID:  threadID,
		SubID:     subID,
	}
}

// String serializes the key to its canonical wire form.
func (k Key) String() string {
	switch k.Variant {
	case VariantMain:
		var b strings.Builder
		b.WriteString("agent:")
		b.WriteString(k.AgentID)
		b.WriteString(":main")
		if k.SubID != "" {
			b.WriteString(":sub:")
			b.WriteString(k.SubID)
		}
		return b.String()
	case VariantChannelPeer:
		parts := []string{k.AgentID, k.ChannelID, k.AccountID, k.PeerKind, k.PeerID}
		if k.ThreadID != "" {
			parts = append(parts, k.ThreadID)
		}
		if k.SubID != "" {
			parts = append(parts, "sub", k.SubID)
		}
		return strings.Join(parts, "/")
	default:
		return k.Raw
	}
}

// Base strips any sub-session fork, returning the originating session key.
func (k Key) Base() Key {
	base := k
	base.SubID = ""
	return base
}

// Fork returns a copy of k bound to a new subID. Every other field is
// preserved, so a forked key stays attached to the same conversation.
func (k Key) Fork(subID string) Key {
	forked := k
	forked.SubID = subID
	return forked
}

// IsSub reports whether the key names a forked sub-session.
func (k Key) IsSub() bool { return k.SubID != "" }

// NewCronSubID mints a unique fork id for cron-forked sub-sessions.
// The cron_ prefix lets the completion forwarder recognize the fork origin.
func NewCronSubID() string { return clock.NewID(clock.KindCron) }

// Parse decodes a session key string. Never fails: unrecognized shapes come
// back as VariantUnknown with Raw preserved, so Parse(k.String()) == k holds
// for every variant.
func Parse(s string) Key {
	if strings.HasPrefix(s, "agent:") {
		if k, ok := parseMain(s); ok {
			return k
		}
		return Key{Variant: VariantUnknown, Raw: s}
	}
	if strings.Contains(s, "/") {
		if k, ok := parseChannelPeer(s); ok {
			return k
		}
	}
	return Key{Variant: VariantUnknown, Raw: s}
}

func parseMain(s string) (Key, bool) {
	parts := strings.Split(s, ":")
	// agent:{id}:main
	if len(parts) == 3 && parts[0] == "agent" && parts[2] == "main" && parts[1] != "" {
		return Main(parts[1], ""), true
	}
	// agent:{id}:main:sub:{subId}
	if len(parts) == 5 && parts[0] == "agent" && parts[2] == "main" && parts[3] == "sub" &&
		parts[1] != "" && parts[4] != "" {
		return Main(parts[1], parts[4]), true
	}
	return Key{}, false
}

func parseChannelPeer(s string) (Key, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 5 || len(parts) > 8 {
		return Key{}, false
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, false
		}
	}
	k := ChannelPeer(parts[0], parts[1], parts[2], parts[3], parts[4], "", "")
	rest := parts[5:]
	switch len(rest) {
	case 0:
	case 1:
		if rest[0] == "sub" {
			return Key{}, false
		}
		k.ThreadID = rest[0]
	case 2:
		if rest[0] != "sub" {
			return Key{}, false
		}
		k.SubID = rest[1]
	case 3:
		if rest[0] == "sub" || rest[1] != "sub" {
			return Key{}, false
		}
		k.ThreadID = rest[0]
		k.SubID = rest[2]
	}
	return k, true
}
