package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
)

type captureSink struct {
	mu   sync.Mutex
	jobs []bus.Job
	ch   chan bus.Job
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan bus.Job, 16)}
}

func (s *captureSink) SubmitJob(job bus.Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	s.ch <- job
}

func (s *captureSink) waitJob(t *testing.T) bus.Job {
	t.Helper()
	select {
	case job := <-s.ch:
		return job
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job")
		return bus.Job{}
	}
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *captureNotifier) Notify(_ bus.Peer, text string) {
	n.mu.Lock()
	n.notes = append(n.notes, text)
	n.mu.Unlock()
}

func (n *captureNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}

type captureCanceler struct {
	mu    sync.Mutex
	calls [][2]string
}

func (c *captureCanceler) CancelForMessage(_ context.Context, sessionKey, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, [2]string{sessionKey, messageID})
	return nil
}

func testConfig() Config {
	return Config{
		AgentID:    "lemon",
		ChannelID:  "telegram",
		AccountID:  "bot123",
		DebounceMs: 80,
	}
}

func inbound(peerID, msgID, text string) bus.InboundMessage {
	return bus.InboundMessage{
		ChannelID: "telegram",
		AccountID: "bot123",
		Peer:      bus.Peer{Kind: bus.PeerDM, ID: peerID},
		Sender:    "alice",
		Message:   bus.Message{ID: msgID, Text: text, Timestamp: 1000},
	}
}

func TestDebounceJoinsMessages(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	p.HandleInbound(context.Background(), inbound("p1", "m1", "first"))
	time.Sleep(20 * time.Millisecond)
	p.HandleInbound(context.Background(), inbound("p1", "m2", "second"))

	job := sink.waitJob(t)
	assert.Equal(t, "first\n\nsecond", job.Prompt)
	assert.Equal(t, "m2", job.Meta["message_id"])
	assert.Equal(t, "lemon/telegram/bot123/dm/p1", job.SessionKey)
	assert.Equal(t, bus.QueueCollect, job.QueueMode)
	assert.Equal(t, 1, sink.count())
}

func TestDebounceSeparatesPeers(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	p.HandleInbound(context.Background(), inbound("p1", "m1", "to p1"))
	p.HandleInbound(context.Background(), inbound("p2", "m2", "to p2"))

	first := sink.waitJob(t)
	second := sink.waitJob(t)
	got := []string{first.Prompt, second.Prompt}
	assert.ElementsMatch(t, []string{"to p1", "to p2"}, got)
}

func TestCommandBypassesDebounce(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	p.HandleInbound(context.Background(), inbound("p1", "m1", "/codex fix the build"))
	job := sink.waitJob(t)
	assert.Equal(t, "codex", job.EngineHint)
	assert.Equal(t, "fix the build", job.Prompt)
}

func TestDuplicateDropped(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	msg := inbound("p1", "m1", "/codex once")
	p.HandleInbound(context.Background(), msg)
	p.HandleInbound(context.Background(), msg)

	sink.waitJob(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestResumeTokenWinsOverDirective(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	p.HandleInbound(context.Background(),
		inbound("p1", "m1", "/codex continue resume:opencode:tok12345"))

	job := sink.waitJob(t)
	assert.Equal(t, "opencode", job.EngineHint)
	assert.Equal(t, "tok12345", job.Meta["resume_token"])
}

func TestQueueModeOverride(t *testing.T) {
	sink := newCaptureSink()
	notes := &captureNotifier{}
	p := New(testConfig(), clock.NewSystem(), sink, nil, notes)
	defer p.Close()

	p.HandleInbound(context.Background(), inbound("p1", "m1", "/steer"))
	p.HandleInbound(context.Background(), inbound("p1", "m2", "/codex adjust course"))

	job := sink.waitJob(t)
	assert.Equal(t, bus.QueueSteer, job.QueueMode)
	require.NotEmpty(t, notes.all())
	assert.Contains(t, notes.all()[0], "steer")
}

func TestCancelUsesReplyTarget(t *testing.T) {
	sink := newCaptureSink()
	canceler := &captureCanceler{}
	p := New(testConfig(), clock.NewSystem(), sink, canceler, nil)
	defer p.Close()

	msg := inbound("p1", "m9", "/cancel")
	msg.Message.ReplyToID = "m5"
	p.HandleInbound(context.Background(), msg)

	require.Len(t, canceler.calls, 1)
	assert.Equal(t, "lemon/telegram/bot123/dm/p1", canceler.calls[0][0])
	assert.Equal(t, "m5", canceler.calls[0][1])
	assert.Equal(t, 0, sink.count())
}

func TestPlaceholderForNonText(t *testing.T) {
	sink := newCaptureSink()
	notes := &captureNotifier{}
	p := New(testConfig(), clock.NewSystem(), sink, nil, notes)
	defer p.Close()

	msg := inbound("p1", "m1", "")
	msg.Meta = map[string]string{"content_type": "attachment"}
	p.HandleInbound(context.Background(), msg)

	require.Len(t, notes.all(), 1)
	assert.True(t, strings.HasPrefix(notes.all()[0], "I can only process text"))
	assert.Equal(t, 0, sink.count())
}

func TestEmptyTextIgnored(t *testing.T) {
	sink := newCaptureSink()
	p := New(testConfig(), clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	p.HandleInbound(context.Background(), inbound("p1", "m1", ""))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestCloseFlushesBuffered(t *testing.T) {
	sink := newCaptureSink()
	cfg := testConfig()
	cfg.DebounceMs = 60_000 // would never flush on its own in this test
	p := New(cfg, clock.NewSystem(), sink, nil, nil)

	p.HandleInbound(context.Background(), inbound("p1", "m1", "draft"))
	p.Close()

	job := sink.waitJob(t)
	assert.Equal(t, "draft", job.Prompt)
}

func TestDebounceTiming(t *testing.T) {
	sink := newCaptureSink()
	cfg := testConfig()
	cfg.DebounceMs = 100
	p := New(cfg, clock.NewSystem(), sink, nil, nil)
	defer p.Close()

	start := time.Now()
	p.HandleInbound(context.Background(), inbound("p1", "m1", "first"))
	time.Sleep(50 * time.Millisecond)
	p.HandleInbound(context.Background(), inbound("p1", "m2", "second"))

	sink.waitJob(t)
	// One flush, no earlier than the last message + the quiet window.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 1, sink.count())
}
