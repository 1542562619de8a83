package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

type captureSink struct {
	mu     sync.Mutex
	frames []protocol.EventFrame
}

func (c *captureSink) BroadcastEvent(frame protocol.EventFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *captureSink) snapshot() []protocol.EventFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.EventFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *captureSink) waitFor(t *testing.T, event string) protocol.EventFrame {
	t.Helper()
	var got protocol.EventFrame
	require.Eventually(t, func() bool {
		for _, f := range c.snapshot() {
			if f.Event == event {
				got = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %q frame", event)
	return got
}

func TestMapEvent(t *testing.T) {
	cases := []struct {
		busType   string
		wantEvent string
		wantType  string // payload["type"], "" = unchecked
	}{
		{protocol.BusRunStarted, protocol.EventAgent, protocol.AgentEventStarted},
		{protocol.BusRunCompleted, protocol.EventAgent, protocol.AgentEventCompleted},
		{protocol.BusRunFailed, protocol.EventAgent, protocol.AgentEventFailed},
		{protocol.BusDelta, protocol.EventChat, ""},
		{protocol.BusApprovalRequested, protocol.EventExecApprovalReq, ""},
		{protocol.BusApprovalResolved, protocol.EventExecApprovalRes, ""},
		{protocol.BusCronRunStarted, protocol.EventCron, protocol.BusCronRunStarted},
		{protocol.BusCronRunCompleted, protocol.EventCron, protocol.BusCronRunCompleted},
		{protocol.BusCronJobCreated, protocol.EventCronJob, protocol.BusCronJobCreated},
		{protocol.BusCronJobUpdated, protocol.EventCronJob, protocol.BusCronJobUpdated},
		{protocol.BusCronJobDeleted, protocol.EventCronJob, protocol.BusCronJobDeleted},
		{protocol.BusCronTick, protocol.EventTick, ""},
		{protocol.BusTick, protocol.EventTick, ""},
		{protocol.BusPresenceChanged, protocol.EventPresence, ""},
		{protocol.BusHeartbeatAlert, protocol.EventHeartbeat, protocol.BusHeartbeatAlert},
		{protocol.BusHeartbeatSuppressed, protocol.EventHeartbeat, protocol.BusHeartbeatSuppressed},
		{protocol.BusShutdown, protocol.EventShutdown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.busType, func(t *testing.T) {
			frame, ok := mapEvent(bus.Event{Type: tc.busType, TsMs: 123, Payload: map[string]any{"x": 1}})
			require.True(t, ok)
			assert.Equal(t, tc.wantEvent, frame.Event)
			payload := frame.Payload.(map[string]any)
			assert.Equal(t, int64(123), payload["ts"])
			assert.Equal(t, 1, payload["x"])
			if tc.wantType != "" {
				assert.Equal(t, tc.wantType, payload["type"])
			}
		})
	}

	_, ok := mapEvent(bus.Event{Type: "internal_cache_warm"})
	assert.False(t, ok, "unknown bus types must not leak to clients")
}

func TestBridgeStampsSeqAndStateVersion(t *testing.T) {
	b := bus.New()
	sink := &captureSink{}
	eb := NewEventBridge(b, sink)
	eb.Start(t.Context())
	defer eb.Stop()

	b.Broadcast(bus.TopicPresence, bus.Event{Type: protocol.BusPresenceChanged, TsMs: 1})
	f1 := sink.waitFor(t, protocol.EventPresence)
	sv1 := f1.StateVersion.(StateVersion)
	assert.Equal(t, uint64(1), sv1.Presence)
	assert.Zero(t, sv1.Cron)

	b.Broadcast(bus.TopicCron, bus.Event{Type: protocol.BusCronTick, TsMs: 2})
	f2 := sink.waitFor(t, protocol.EventTick)
	sv2 := f2.StateVersion.(StateVersion)
	assert.Equal(t, uint64(1), sv2.Presence)
	assert.Equal(t, uint64(1), sv2.Cron)

	assert.NotEqual(t, f1.Seq, f2.Seq)
	assert.NotZero(t, f1.Seq)
}

func TestBridgeHeartbeatTopic(t *testing.T) {
	b := bus.New()
	sink := &captureSink{}
	eb := NewEventBridge(b, sink)
	eb.Start(t.Context())
	defer eb.Stop()

	b.Broadcast(bus.TopicHeartbeat, bus.Event{
		Type:    protocol.BusHeartbeatAlert,
		TsMs:    9,
		Payload: map[string]any{"agent_id": "lemon", "severity": "warning"},
	})
	f := sink.waitFor(t, protocol.EventHeartbeat)
	payload := f.Payload.(map[string]any)
	assert.Equal(t, "lemon", payload["agent_id"])
	assert.Equal(t, protocol.BusHeartbeatAlert, payload["type"])

	sv := f.StateVersion.(StateVersion)
	assert.Equal(t, uint64(1), sv.Health)
}

func TestWatchRunForwardsUntilTerminal(t *testing.T) {
	b := bus.New()
	sink := &captureSink{}
	eb := NewEventBridge(b, sink)
	eb.Start(t.Context())
	defer eb.Stop()

	eb.WatchRun("run_1")
	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.RunTopic("run_1")) == 1
	}, time.Second, 5*time.Millisecond)

	// Duplicate watch is a no-op.
	eb.WatchRun("run_1")
	assert.Equal(t, 1, b.SubscriberCount(bus.RunTopic("run_1")))

	b.Broadcast(bus.RunTopic("run_1"), bus.Event{Type: protocol.BusRunStarted, TsMs: 1})
	started := sink.waitFor(t, protocol.EventAgent)
	assert.Equal(t, protocol.AgentEventStarted, started.Payload.(map[string]any)["type"])

	b.Broadcast(bus.RunTopic("run_1"), bus.Event{
		Type:    protocol.BusRunCompleted,
		TsMs:    2,
		Payload: map[string]any{"ok": true, "answer": "done"},
	})

	// The terminal event detaches the watch.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.RunTopic("run_1")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// A later watch on the same run id may attach again.
	eb.WatchRun("run_1")
	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.RunTopic("run_1")) == 1
	}, time.Second, 5*time.Millisecond)
}
