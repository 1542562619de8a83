package cron

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// forwardCompletion pushes a synthetic run_completed event onto the base
// session's topic so the originating conversation sees the outcome even
// though the run executed in a forked sub-session. Channel-peer sessions
// additionally get the text enqueued for outbound delivery.
func (m *Manager) forwardCompletion(job *Job, run *Run) {
	sessionKey, _ := run.Meta["session_key"].(string)
	key := sessions.Parse(sessionKey)
	if key.Variant == sessions.VariantUnknown {
		return
	}
	base := key.Base()
	text := m.buildForwardText(job, run)

	m.bus.Broadcast(bus.SessionTopic(base.String()), bus.Event{
		Type: protocol.BusRunCompleted,
		TsMs: m.clk.NowMs(),
		Payload: map[string]any{
			"completed":     map[string]any{"answer": text},
			"session_key":   base.String(),
			"cron_run_id":   run.ID,
			"router_run_id": run.RouterRunID,
		},
	})

	if base.Variant == sessions.VariantChannelPeer && m.deliver != nil {
		m.deliver.Enqueue(bus.OutboundMessage{
			ChannelID:      base.ChannelID,
			AccountID:      base.AccountID,
			ChatID:         base.PeerID,
			ThreadID:       base.ThreadID,
			Content:        text,
			IdempotencyKey: "cron_notify_" + run.ID,
		})
	}
}

// buildForwardText renders the forwarded summary. The payload is capped at
// the configured byte budget, always ending on a valid UTF-8 boundary.
func (m *Manager) buildForwardText(job *Job, run *Run) string {
	name := job.Name
	if name == "" {
		name = job.ID
	}

	var body string
	if run.Status == StatusCompleted {
		if idx := strings.Index(run.Output, m.cfg.SummaryMarker); idx >= 0 {
			body = run.Output[idx:]
		} else {
			body = strings.TrimSpace(run.Output)
		}
	} else {
		body = fmt.Sprintf("Cron run completed with status=%s. %s", run.Status, run.Error)
	}

	text := fmt.Sprintf(
		"Cron summary: %s\ntriggered_by: %s\nstatus: %s\ncron_run_id: %s\nrouter_run_id: %s\n\n%s",
		name, run.TriggeredBy, run.Status, run.ID, run.RouterRunID, body,
	)
	return truncateUTF8(text, m.cfg.MaxForwardBytes)
}

// truncateUTF8 bounds s to max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
