package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// IsHeartbeatJob classifies a job as a heartbeat probe: either its meta
// carries heartbeat=true or its name contains "heartbeat". The name check
// is kept for operator-authored jobs that predate the meta flag.
func IsHeartbeatJob(j *Job) bool {
	if j == nil {
		return false
	}
	if v, ok := j.Meta["heartbeat"].(bool); ok && v {
		return true
	}
	return strings.Contains(strings.ToLower(j.Name), "heartbeat")
}

// Suppressed applies the strict suppression rule: a response is suppressed
// iff it trims to exactly "HEARTBEAT_OK".
func Suppressed(response string) bool {
	return strings.TrimSpace(response) == HeartbeatOKResponse
}

// Heartbeat manages per-agent probes. Intervals of a minute or more ride
// the cron engine; shorter intervals run on a private timer loop that
// submits straight to the router.
type Heartbeat struct {
	clk     clock.Clock
	bus     *bus.Bus
	kv      store.Store
	manager *Manager
	submit  Submitter

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewHeartbeat creates the heartbeat manager and registers it with the cron
// manager.
func NewHeartbeat(clk clock.Clock, b *bus.Bus, kv store.Store, manager *Manager, submit Submitter) *Heartbeat {
	hb := &Heartbeat{
		clk:     clk,
		bus:     b,
		kv:      kv,
		manager: manager,
		submit:  submit,
		timers:  make(map[string]*time.Timer),
	}
	manager.SetHeartbeat(hb)
	return hb
}

// Start rehydrates enabled heartbeats from persisted config, recreating
// their jobs and timers.
func (h *Heartbeat) Start(ctx context.Context) error {
	entries, err := h.kv.List(store.TableHeartbeatConfig)
	if err != nil {
		return fmt.Errorf("load heartbeat config: %w", err)
	}
	for _, e := range entries {
		cfg, err := fromMap[HeartbeatConfig](e.Value)
		if err != nil {
			slog.Warn("heartbeat: skipping bad config row", "agent_id", e.Key, "error", err)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if _, err := h.UpdateConfig(cfg.AgentID, cfg); err != nil {
			slog.Warn("heartbeat: rehydrate failed", "agent_id", cfg.AgentID, "error", err)
		}
	}
	return nil
}

// Stop cancels all timer-mode loops.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for agent, t := range h.timers {
		t.Stop()
		delete(h.timers, agent)
	}
}

// UpdateConfig creates or updates an agent's probe. The schedule mode is
// picked by interval: >= 60s becomes a cron job, below that a timer loop.
func (h *Heartbeat) UpdateConfig(agentID string, cfg HeartbeatConfig) (*HeartbeatConfig, error) {
	if agentID == "" {
		return nil, protocol.NewError(protocol.ErrInvalidParams, "agent_id is required")
	}
	cfg.AgentID = agentID
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = DefaultHeartbeatInterval
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultHeartbeatPrompt
	}

	if err := h.kv.Put(store.TableHeartbeatConfig, agentID, toMap(&cfg)); err != nil {
		return nil, err
	}

	// Reconfiguring always cancels a prior timer; the cron path below
	// replaces any prior job.
	h.cancelTimer(agentID)

	if !cfg.Enabled {
		if job := h.findJob(agentID); job != nil {
			if err := h.manager.store.DeleteJob(job.ID); err != nil {
				return nil, err
			}
		}
		slog.Info("heartbeat: disabled", "agent_id", agentID)
		return &cfg, nil
	}

	if cfg.IntervalMs >= DefaultHeartbeatInterval {
		if err := h.ensureJob(agentID, cfg); err != nil {
			return nil, err
		}
	} else {
		h.armTimer(agentID, cfg)
	}
	slog.Info("heartbeat: configured", "agent_id", agentID, "interval_ms", cfg.IntervalMs)
	return &cfg, nil
}

// ClearConfig drops the agent's heartbeat config and timer. Called when the
// agent's heartbeat cron job is removed.
func (h *Heartbeat) ClearConfig(agentID string) {
	h.cancelTimer(agentID)
	if err := h.kv.Delete(store.TableHeartbeatConfig, agentID); err != nil {
		slog.Warn("heartbeat: clear config failed", "agent_id", agentID, "error", err)
	}
}

// Config returns the stored probe config for an agent.
func (h *Heartbeat) Config(agentID string) (*HeartbeatConfig, bool, error) {
	m, ok, err := h.kv.Get(store.TableHeartbeatConfig, agentID)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg, err := fromMap[HeartbeatConfig](m)
	if err != nil {
		return nil, false, err
	}
	return &cfg, true, nil
}

// Last returns the most recent probe result for an agent.
func (h *Heartbeat) Last(agentID string) (*HeartbeatLast, bool, error) {
	m, ok, err := h.kv.Get(store.TableHeartbeatLast, agentID)
	if err != nil || !ok {
		return nil, ok, err
	}
	last, err := fromMap[HeartbeatLast](m)
	if err != nil {
		return nil, false, err
	}
	return &last, true, nil
}

// Wake fires the agent's probe immediately with triggered_by=wake.
func (h *Heartbeat) Wake(agentID string) (*Run, error) {
	if job := h.findJob(agentID); job != nil {
		return h.manager.executeJob(job, TriggerWake)
	}
	cfg, ok, err := h.Config(agentID)
	if err != nil {
		return nil, err
	}
	if !ok || !cfg.Enabled {
		return nil, protocol.NewError(protocol.ErrNotFound, "no heartbeat configured for agent %s", agentID)
	}
	go h.probeOnce(agentID, *cfg)
	return nil, nil
}

// HandleRunCompletion evaluates a heartbeat run's output, persists the
// "last" record and emits the suppression or alert event. Called by the
// cron manager before the terminal run state is persisted.
func (h *Heartbeat) HandleRunCompletion(job *Job, run *Run) {
	response := run.Output
	if run.Status != StatusCompleted {
		response = fmt.Sprintf("Cron run completed with status=%s. %s", run.Status, run.Error)
	}
	run.Suppressed = h.evaluate(job.AgentID, response, run.ID, job.ID)
}

// evaluate applies the suppression rule, persists heartbeat_last and emits
// the corresponding event. Returns whether the response was suppressed.
func (h *Heartbeat) evaluate(agentID, response, runID, jobID string) bool {
	suppressed := Suppressed(response)
	status := "alert"
	if suppressed {
		status = "ok"
	}
	last := HeartbeatLast{
		TimestampMs: h.clk.NowMs(),
		Status:      status,
		Response:    response,
		Suppressed:  suppressed,
		RunID:       runID,
		JobID:       jobID,
	}
	if err := h.kv.Put(store.TableHeartbeatLast, agentID, toMap(&last)); err != nil {
		slog.Warn("heartbeat: persist last failed", "agent_id", agentID, "error", err)
	}

	if suppressed {
		h.bus.Broadcast(bus.TopicHeartbeat, bus.Event{
			Type: protocol.BusHeartbeatSuppressed,
			TsMs: last.TimestampMs,
			Payload: map[string]any{
				"agent_id": agentID, "run_id": runID, "job_id": jobID,
			},
		})
	} else {
		h.bus.Broadcast(bus.TopicHeartbeat, bus.Event{
			Type: protocol.BusHeartbeatAlert,
			TsMs: last.TimestampMs,
			Payload: map[string]any{
				"agent_id": agentID, "response": response, "severity": "warning",
				"run_id": runID, "job_id": jobID,
			},
		})
	}
	return suppressed
}

// --- cron mode ---

func heartbeatJobName(agentID string) string { return "heartbeat-" + agentID }

// ScheduleForInterval derives a cron expression from a probe interval:
// hour steps at an hour or more, minute steps otherwise (rounded to the
// nearest minute, minimum one).
func ScheduleForInterval(intervalMs int64) string {
	if intervalMs >= 3_600_000 {
		hours := (intervalMs + 1_800_000) / 3_600_000
		if hours < 1 {
			hours = 1
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	minutes := (intervalMs + 30_000) / 60_000
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}

func (h *Heartbeat) findJob(agentID string) *Job {
	jobs, err := h.manager.store.ListJobs()
	if err != nil {
		return nil
	}
	for _, j := range jobs {
		if j.AgentID == agentID && IsHeartbeatJob(j) {
			return j
		}
	}
	return nil
}

func (h *Heartbeat) ensureJob(agentID string, cfg HeartbeatConfig) error {
	schedule := ScheduleForInterval(cfg.IntervalMs)
	meta := map[string]any{
		"heartbeat":   true,
		"agent_id":    agentID,
		"interval_ms": cfg.IntervalMs,
	}

	if existing := h.findJob(agentID); existing != nil {
		enabled := true
		timeout := int64(HeartbeatTimeoutMs)
		_, err := h.manager.Update(existing.ID, UpdateParams{
			Schedule:  &schedule,
			Prompt:    &cfg.Prompt,
			Enabled:   &enabled,
			TimeoutMs: &timeout,
			Meta:      meta,
		})
		return err
	}

	_, err := h.manager.Add(AddParams{
		Name:       heartbeatJobName(agentID),
		Schedule:   schedule,
		AgentID:    agentID,
		SessionKey: sessions.Main(agentID, "").String(),
		Prompt:     cfg.Prompt,
		Timezone:   "UTC",
		TimeoutMs:  HeartbeatTimeoutMs,
		Meta:       meta,
	})
	return err
}

// --- timer mode ---

func (h *Heartbeat) armTimer(agentID string, cfg HeartbeatConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timers[agentID] = time.AfterFunc(time.Duration(cfg.IntervalMs)*time.Millisecond, func() {
		h.probeOnce(agentID, cfg)

		// Re-arm only while this config is still current and enabled.
		current, ok, err := h.Config(agentID)
		if err != nil || !ok || !current.Enabled || current.IntervalMs != cfg.IntervalMs {
			return
		}
		h.armTimer(agentID, *current)
	})
}

func (h *Heartbeat) cancelTimer(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[agentID]; ok {
		t.Stop()
		delete(h.timers, agentID)
	}
}

// probeOnce submits one timer-mode probe straight to the router and
// evaluates its response.
func (h *Heartbeat) probeOnce(agentID string, cfg HeartbeatConfig) {
	outcome := h.submit.Submit(context.Background(), bus.Job{
		SessionKey: "agent:" + agentID + ":heartbeat",
		Prompt:     cfg.Prompt,
		AgentID:    agentID,
		QueueMode:  bus.QueueFollowup,
		TimeoutMs:  HeartbeatTimeoutMs,
		Meta:       map[string]any{"heartbeat": true},
	})
	response := outcome.Output
	if outcome.Status != "ok" {
		response = "Request failed: " + outcome.Err
	}
	h.evaluate(agentID, response, outcome.RouterRunID, "")
}
