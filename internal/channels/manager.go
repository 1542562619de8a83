package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/dedupe"
	"github.com/lemonhq/lemongate/internal/runner"
)

// Submitter executes jobs synchronously and supports cancellation.
// *runner.Submitter satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job bus.Job) runner.Outcome
	Cancel(ctx context.Context, runID string) error
}

const (
	outboundQueueSize  = 256
	outboundSendWindow = 30 * time.Second
	idempotencyRingMax = 1024
)

// Manager owns the registered transports and the single outbound dispatch
// loop. It is the sink for ingest pipelines (SubmitJob, CancelForMessage)
// and the deliverer for cron completion forwarding (Enqueue).
type Manager struct {
	runner Submitter

	mu       sync.RWMutex
	channels map[string]Channel
	inflight map[string]string // sessionKey \x00 messageID → run id

	queue chan bus.OutboundMessage
	seen  *dedupe.Ring

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates an empty manager. runner may be nil in outbound-only
// deployments; SubmitJob then drops jobs with a warning.
func NewManager(sub Submitter) *Manager {
	return &Manager{
		runner:   sub,
		channels: make(map[string]Channel),
		inflight: make(map[string]string),
		queue:    make(chan bus.OutboundMessage, outboundQueueSize),
		seen:     dedupe.NewRing(idempotencyRingMax),
	}
}

// Register adds a transport. Later registrations with the same name replace
// earlier ones.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Get returns the named transport.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists registered transports, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// StartAll starts every registered transport and the outbound dispatch loop.
// A transport that fails to start is logged and skipped; the fabric runs
// with whatever connected.
func (m *Manager) StartAll(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.mu.RLock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.RUnlock()

	for _, ch := range chs {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels: start failed", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("channels: started", "channel", ch.Name())
	}

	go m.dispatchOutbound(ctx)
}

// StopAll halts the dispatch loop and stops every transport.
func (m *Manager) StopAll(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channels: stop failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Enqueue queues an outbound payload for delivery. A repeated non-empty
// IdempotencyKey is delivered at most once; a full queue drops the message
// rather than blocking the caller.
func (m *Manager) Enqueue(msg bus.OutboundMessage) {
	if msg.IdempotencyKey != "" && m.seen.CheckAndMark(msg.IdempotencyKey) == dedupe.Seen {
		slog.Debug("channels: duplicate outbound dropped",
			"channel", msg.ChannelID, "idempotency_key", msg.IdempotencyKey)
		return
	}
	select {
	case m.queue <- msg:
	default:
		slog.Warn("channels: outbound queue full, dropping",
			"channel", msg.ChannelID, "chat_id", msg.ChatID)
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			m.deliver(ctx, msg)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	ch, ok := m.Get(msg.ChannelID)
	if !ok {
		slog.Warn("channels: no transport for outbound", "channel", msg.ChannelID)
		return
	}
	if !ch.Running() {
		slog.Warn("channels: transport not running, dropping outbound",
			"channel", msg.ChannelID, "chat_id", msg.ChatID)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, outboundSendWindow)
	defer cancel()
	if err := ch.Send(sendCtx, msg); err != nil {
		slog.Warn("channels: send failed",
			"channel", msg.ChannelID, "chat_id", msg.ChatID, "error", err)
	}
}

// SubmitJob runs a synthesized job and routes the answer back to the
// originating conversation. Implements the ingest sink contract; returns
// immediately, the run proceeds in its own goroutine.
func (m *Manager) SubmitJob(job bus.Job) {
	if m.runner == nil {
		slog.Warn("channels: no runner wired, dropping job", "session", job.SessionKey)
		return
	}
	go m.runJob(job)
}

func (m *Manager) runJob(job bus.Job) {
	key := inflightKey(job.SessionKey, metaString(job.Meta, "message_id"))
	m.mu.Lock()
	m.inflight[key] = job.RunID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	}()

	out := m.runner.Submit(context.Background(), job)

	text := out.Output
	if out.Status != runner.StatusOK {
		text = "Request failed: " + out.Err
	}
	if text == "" {
		return
	}
	m.enqueueReply(job, out.RouterRunID, text)
}

func (m *Manager) enqueueReply(job bus.Job, runID, text string) {
	channelID := metaString(job.Meta, "channel")
	if channelID == "" {
		return // not channel-originated, nowhere to deliver
	}
	reply, _ := job.Meta["reply"].(map[string]any)
	if runID == "" {
		runID = job.RunID
	}
	m.Enqueue(bus.OutboundMessage{
		ChannelID:      channelID,
		AccountID:      metaString(job.Meta, "account_id"),
		ChatID:         mapString(reply, "peer_id"),
		ThreadID:       mapString(reply, "thread_id"),
		Content:        text,
		IdempotencyKey: "reply_" + runID,
		Metadata:       map[string]string{"reply_to_id": mapString(reply, "message_id")},
	})
}

// CancelForMessage aborts the run started by the given inbound message, if
// it is still in flight. Implements the ingest cancel contract.
func (m *Manager) CancelForMessage(ctx context.Context, sessionKey, messageID string) error {
	m.mu.RLock()
	runID, ok := m.inflight[inflightKey(sessionKey, messageID)]
	m.mu.RUnlock()
	if !ok {
		return ErrNoActiveRun
	}
	return m.runner.Cancel(ctx, runID)
}

// ErrNoActiveRun is returned by CancelForMessage when the message has no
// in-flight run.
var ErrNoActiveRun = errNoActiveRun{}

type errNoActiveRun struct{}

func (errNoActiveRun) Error() string { return "no active run for that message" }

// Notifier returns a peer-addressed notify adapter bound to one channel
// account, used by ingest pipelines for command acks and placeholders.
func (m *Manager) Notifier(channelID, accountID string) *PeerNotifier {
	return &PeerNotifier{mgr: m, channelID: channelID, accountID: accountID}
}

// PeerNotifier sends short service replies back to a conversation peer.
type PeerNotifier struct {
	mgr       *Manager
	channelID string
	accountID string
}

// Notify enqueues text for the peer's conversation. No idempotency key:
// service replies are one-shot and never retried.
func (n *PeerNotifier) Notify(peer bus.Peer, text string) {
	n.mgr.Enqueue(bus.OutboundMessage{
		ChannelID: n.channelID,
		AccountID: n.accountID,
		ChatID:    peer.ID,
		ThreadID:  peer.ThreadID,
		Content:   text,
	})
}

func inflightKey(sessionKey, messageID string) string {
	return sessionKey + "\x00" + messageID
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func mapString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
