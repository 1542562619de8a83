// Package ingest turns normalized inbound channel events into router jobs:
// control-command handling, dedupe, per-conversation debounce, engine
// directive and resume-token parsing, and job synthesis.
package ingest

import (
	"regexp"
	"strings"
)

// Engines addressable by a leading slash directive.
var engineDirectives = map[string]bool{
	"lemon":    true,
	"codex":    true,
	"claude":   true,
	"opencode": true,
	"pi":       true,
	"echo":     true,
}

// KnownEngine reports whether name is a registered engine id.
func KnownEngine(name string) bool { return engineDirectives[strings.ToLower(name)] }

// ParseDirective strips a leading /<engine> token from text. It returns the
// engine hint and the remaining prompt; text without a recognized directive
// comes back unchanged with an empty hint.
func ParseDirective(text string) (engine, rest string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", text
	}
	head, tail, _ := strings.Cut(trimmed[1:], " ")
	if !KnownEngine(head) {
		return "", text
	}
	return strings.ToLower(head), strings.TrimSpace(tail)
}

// resumePattern matches an embedded resume marker, e.g. "resume:codex:tok_9f3a61".
var resumePattern = regexp.MustCompile(`\bresume:([a-z]+):([A-Za-z0-9_-]{4,})\b`)

// ExtractResume finds a resume token in text or, failing that, in the text
// of the message being replied to. The engine named by the token must be
// registered; the token's engine takes precedence over any slash directive.
func ExtractResume(text, replyText string) (engine, token string, ok bool) {
	for _, candidate := range []string{text, replyText} {
		m := resumePattern.FindStringSubmatch(candidate)
		if m == nil {
			continue
		}
		if !KnownEngine(m[1]) {
			continue
		}
		return strings.ToLower(m[1]), m[2], true
	}
	return "", "", false
}

// Control commands recognized before any submission happens.
const (
	CmdCancel    = "/cancel"
	CmdSteer     = "/steer"
	CmdFollowup  = "/followup"
	CmdInterrupt = "/interrupt"
)

// ParseControl splits a control command from its argument tail. Returns
// ok=false for anything that is not one of the four recognized commands.
func ParseControl(text string) (cmd, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	head, tail, _ := strings.Cut(trimmed, " ")
	switch head {
	case CmdCancel, CmdSteer, CmdFollowup, CmdInterrupt:
		return head, strings.TrimSpace(tail), true
	}
	return "", "", false
}

// IsCommandShaped reports whether text starts with a slash command. Command
// messages bypass the debounce buffer and dispatch immediately.
func IsCommandShaped(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
