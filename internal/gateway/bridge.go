package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Broadcaster fans an event frame out to every connected client.
type Broadcaster interface {
	BroadcastEvent(frame protocol.EventFrame)
}

// StateVersion carries the monotonic counters clients use to detect missed
// updates per concern.
type StateVersion struct {
	Presence uint64 `json:"presence"`
	Health   uint64 `json:"health"`
	Cron     uint64 `json:"cron"`
}

const bridgeFanoutSlots = 8

// EventBridge subscribes to the internal bus topics and republishes events to
// WebSocket clients under their wire names, stamping sequence numbers and
// state versions. Fan-out runs on a bounded pool; when the pool is saturated
// the event is delivered synchronously so ordering survives backpressure.
type EventBridge struct {
	bus       *bus.Bus
	sink      Broadcaster
	seq       atomic.Uint64
	svMu      sync.Mutex
	sv        StateVersion
	pool      *semaphore.Weighted
	ctx       context.Context
	cancel    context.CancelFunc
	done      sync.WaitGroup
	runTopics sync.Map // runID -> struct{}, guards duplicate watches
}

// NewEventBridge wires the bus to a broadcaster.
func NewEventBridge(b *bus.Bus, sink Broadcaster) *EventBridge {
	return &EventBridge{
		bus:  b,
		sink: sink,
		pool: semaphore.NewWeighted(bridgeFanoutSlots),
	}
}

// Start subscribes to the well-known topics and launches the pump loops.
func (eb *EventBridge) Start(ctx context.Context) {
	ctx, eb.cancel = context.WithCancel(ctx)
	eb.ctx = ctx
	for _, topic := range []string{
		bus.TopicExecApprovals,
		bus.TopicCron,
		bus.TopicSystem,
		bus.TopicNodes,
		bus.TopicPresence,
		bus.TopicHeartbeat,
	} {
		eb.pump(ctx, topic, false)
	}
}

// Stop halts all pump loops.
func (eb *EventBridge) Stop() {
	if eb.cancel != nil {
		eb.cancel()
		eb.done.Wait()
	}
}

// WatchRun attaches a per-run topic so run lifecycle events reach clients.
// The watch removes itself on the run's terminal event.
func (eb *EventBridge) WatchRun(runID string) {
	if _, loaded := eb.runTopics.LoadOrStore(runID, struct{}{}); loaded {
		return
	}
	ctx := eb.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	eb.pump(ctx, bus.RunTopic(runID), true)
}

// StateSnapshot returns the current counters.
func (eb *EventBridge) StateSnapshot() StateVersion {
	eb.svMu.Lock()
	defer eb.svMu.Unlock()
	return eb.sv
}

func (eb *EventBridge) pump(ctx context.Context, topic string, untilTerminal bool) {
	sub := eb.bus.Subscribe(topic)
	eb.done.Add(1)
	go func() {
		defer eb.done.Done()
		defer sub.Cancel()
		defer func() {
			if untilTerminal {
				eb.runTopics.Delete(strings.TrimPrefix(topic, "run:"))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				eb.forward(ev)
				if untilTerminal && terminalRunEvent(ev.Type) {
					return
				}
			}
		}
	}()
}

func (eb *EventBridge) forward(ev bus.Event) {
	frame, ok := mapEvent(ev)
	if !ok {
		return
	}
	frame.Seq = eb.seq.Add(1)
	frame.StateVersion = eb.bump(ev.Type)

	if eb.pool.TryAcquire(1) {
		go func() {
			defer eb.pool.Release(1)
			eb.sink.BroadcastEvent(frame)
		}()
		return
	}
	// Pool saturated: deliver inline rather than drop.
	slog.Debug("gateway: event fan-out pool saturated, delivering inline", "event", frame.Event)
	eb.sink.BroadcastEvent(frame)
}

// bump advances the counters touched by this bus event and returns the
// resulting snapshot for stamping.
func (eb *EventBridge) bump(busType string) StateVersion {
	eb.svMu.Lock()
	defer eb.svMu.Unlock()
	switch busType {
	case protocol.BusPresenceChanged:
		eb.sv.Presence++
	case protocol.BusHeartbeatAlert, protocol.BusHeartbeatSuppressed, protocol.BusShutdown:
		eb.sv.Health++
	case protocol.BusCronTick, protocol.BusTick,
		protocol.BusCronRunStarted, protocol.BusCronRunCompleted,
		protocol.BusCronJobCreated, protocol.BusCronJobUpdated, protocol.BusCronJobDeleted:
		eb.sv.Cron++
	}
	return eb.sv
}

// mapEvent translates a bus event into its wire frame. Unknown bus types are
// dropped rather than leaked to clients.
func mapEvent(ev bus.Event) (protocol.EventFrame, bool) {
	payload := map[string]any{}
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["ts"] = ev.TsMs

	switch ev.Type {
	case protocol.BusRunStarted:
		payload["type"] = protocol.AgentEventStarted
		return frame(protocol.EventAgent, payload), true
	case protocol.BusRunCompleted:
		payload["type"] = protocol.AgentEventCompleted
		return frame(protocol.EventAgent, payload), true
	case protocol.BusRunFailed:
		payload["type"] = protocol.AgentEventFailed
		return frame(protocol.EventAgent, payload), true
	case protocol.BusDelta:
		return frame(protocol.EventChat, payload), true
	case protocol.BusApprovalRequested:
		return frame(protocol.EventExecApprovalReq, payload), true
	case protocol.BusApprovalResolved:
		return frame(protocol.EventExecApprovalRes, payload), true
	case protocol.BusCronRunStarted, protocol.BusCronRunCompleted:
		payload["type"] = ev.Type
		return frame(protocol.EventCron, payload), true
	case protocol.BusCronJobCreated, protocol.BusCronJobUpdated, protocol.BusCronJobDeleted:
		payload["type"] = ev.Type
		return frame(protocol.EventCronJob, payload), true
	case protocol.BusCronTick, protocol.BusTick:
		return frame(protocol.EventTick, payload), true
	case protocol.BusPresenceChanged:
		return frame(protocol.EventPresence, payload), true
	case protocol.BusHeartbeatAlert, protocol.BusHeartbeatSuppressed:
		payload["type"] = ev.Type
		return frame(protocol.EventHeartbeat, payload), true
	case protocol.BusShutdown:
		return frame(protocol.EventShutdown, payload), true
	}
	return protocol.EventFrame{}, false
}

func frame(name string, payload map[string]any) protocol.EventFrame {
	return protocol.EventFrame{Type: protocol.FrameEvent, Event: name, Payload: payload}
}

func terminalRunEvent(busType string) bool {
	return busType == protocol.BusRunCompleted || busType == protocol.BusRunFailed
}
