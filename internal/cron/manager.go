package cron

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/runner"
	"github.com/lemonhq/lemongate/internal/sessions"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Submitter is the slice of the runner the manager needs.
type Submitter interface {
	Submit(ctx context.Context, job bus.Job) runner.Outcome
}

// Deliverer enqueues outbound payloads for channel delivery. Optional: when
// absent, channel-peer forwarding only reaches the session topic.
type Deliverer interface {
	Enqueue(msg bus.OutboundMessage)
}

// Config tunes the manager. Zero values fall back to built-in defaults.
type Config struct {
	TickInterval    time.Duration
	SummaryMarker   string
	MaxForwardBytes int
	KeepRunsPerJob  int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Duration(DefaultTickIntervalMs) * time.Millisecond
	}
	if c.SummaryMarker == "" {
		c.SummaryMarker = DefaultSummaryMarker
	}
	if c.MaxForwardBytes <= 0 {
		c.MaxForwardBytes = DefaultMaxForwardBytes
	}
	if c.KeepRunsPerJob <= 0 {
		c.KeepRunsPerJob = 50
	}
	return c
}

// Manager owns the tick loop: due-set computation, jittered dispatch, run
// lifecycle and completion forwarding. All job/run mutation goes through it.
type Manager struct {
	clk     clock.Clock
	bus     *bus.Bus
	store   *Store
	submit  Submitter
	deliver Deliverer
	cfg     Config

	hb *Heartbeat // optional, set via SetHeartbeat

	jitterFn func(maxMs int64) int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a cron manager. deliver may be nil.
func NewManager(clk clock.Clock, b *bus.Bus, st *Store, submit Submitter, deliver Deliverer, cfg Config) *Manager {
	return &Manager{
		clk:     clk,
		bus:     b,
		store:   st,
		submit:  submit,
		deliver: deliver,
		cfg:     cfg.withDefaults(),
		jitterFn: func(maxMs int64) int64 {
			return 1 + rand.Int63n(maxMs)
		},
	}
}

// SetHeartbeat attaches the heartbeat manager so completed heartbeat runs
// are evaluated and heartbeat job deletion clears the agent's config.
func (m *Manager) SetHeartbeat(hb *Heartbeat) { m.hb = hb }

// Store exposes the underlying cron store for read-only queries.
func (m *Manager) Store() *Store { return m.store }

// Start launches the tick loop. The first tick fires after one interval.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	slog.Info("cron: manager started", "tick_interval", m.cfg.TickInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.tick(m.clk.NowMs())
			}
		}
	}()
}

// Stop halts the tick loop and waits for in-flight dispatches.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	slog.Info("cron: manager stopped")
}

// --- external contract ---

// AddParams carries the fields of a new job.
type AddParams struct {
	Name       string
	Schedule   string
	AgentID    string
	SessionKey string
	Prompt     string
	Enabled    *bool
	Timezone   string
	JitterSec  int
	TimeoutMs  int64
	Meta       map[string]any
}

// List returns all jobs, newest first.
func (m *Manager) List() ([]*Job, error) {
	return m.store.ListJobs()
}

// Add validates params, computes the first fire instant and persists the
// job. Fails with missing_keys or invalid_schedule.
func (m *Manager) Add(p AddParams) (*Job, error) {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"name", p.Name},
		{"schedule", p.Schedule},
		{"agent_id", p.AgentID},
		{"session_key", p.SessionKey},
		{"prompt", p.Prompt},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, protocol.NewError(protocol.ErrMissingKeys, "missing required fields").
			WithDetails(map[string]any{"missing": missing})
	}

	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	now := m.clk.NowMs()
	next, err := NextRunMs(p.Schedule, tz, now)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidSchedule, "%v", err)
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	timeoutMs := p.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}
	if p.JitterSec < 0 {
		p.JitterSec = 0
	}

	job := &Job{
		ID:          clock.NewID(clock.KindCron),
		Name:        p.Name,
		Schedule:    p.Schedule,
		Enabled:     enabled,
		AgentID:     p.AgentID,
		SessionKey:  p.SessionKey,
		Prompt:      p.Prompt,
		Timezone:    tz,
		JitterSec:   p.JitterSec,
		TimeoutMs:   timeoutMs,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		NextRunAtMs: &next,
		Meta:        p.Meta,
	}
	if err := m.store.SaveJob(job); err != nil {
		return nil, err
	}
	m.emit(protocol.BusCronJobCreated, map[string]any{"job": JobToMap(job)})
	slog.Info("cron: job added", "job_id", job.ID, "name", job.Name, "schedule", job.Schedule)
	return job, nil
}

// UpdateParams patches a job. Nil fields are untouched. AgentID and
// SessionKey are present only to reject attempts to change them.
type UpdateParams struct {
	Name       *string
	Schedule   *string
	Enabled    *bool
	Prompt     *string
	Timezone   *string
	JitterSec  *int
	TimeoutMs  *int64
	Meta       map[string]any
	AgentID    *string
	SessionKey *string
}

// Update applies a patch. A schedule or timezone change forces a next-run
// recomputation. Patching agent_id or session_key fails with
// immutable_fields and leaves the job untouched.
func (m *Manager) Update(jobID string, p UpdateParams) (*Job, error) {
	var immutable []string
	if p.AgentID != nil {
		immutable = append(immutable, "agent_id")
	}
	if p.SessionKey != nil {
		immutable = append(immutable, "session_key")
	}
	if len(immutable) > 0 {
		return nil, protocol.NewError(protocol.ErrImmutableFields, "immutable fields cannot be updated").
			WithDetails(map[string]any{"fields": immutable})
	}

	job, ok, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "job %s not found", jobID)
	}

	recompute := false
	if p.Name != nil {
		job.Name = *p.Name
	}
	if p.Schedule != nil && *p.Schedule != job.Schedule {
		job.Schedule = *p.Schedule
		recompute = true
	}
	if p.Timezone != nil && *p.Timezone != job.Timezone {
		job.Timezone = *p.Timezone
		recompute = true
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}
	if p.Prompt != nil {
		job.Prompt = *p.Prompt
	}
	if p.JitterSec != nil && *p.JitterSec >= 0 {
		job.JitterSec = *p.JitterSec
	}
	if p.TimeoutMs != nil && *p.TimeoutMs > 0 {
		job.TimeoutMs = *p.TimeoutMs
	}
	if p.Meta != nil {
		job.Meta = p.Meta
	}

	now := m.clk.NowMs()
	if recompute {
		next, err := NextRunMs(job.Schedule, job.Timezone, now)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrInvalidSchedule, "%v", err)
		}
		job.NextRunAtMs = &next
	}
	job.UpdatedAtMs = now

	if err := m.store.SaveJob(job); err != nil {
		return nil, err
	}
	m.emit(protocol.BusCronJobUpdated, map[string]any{"job": JobToMap(job)})
	return job, nil
}

// Remove deletes a job. Removing a heartbeat job also clears the heartbeat
// config for its agent.
func (m *Manager) Remove(jobID string) error {
	job, ok, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "job %s not found", jobID)
	}
	if err := m.store.DeleteJob(jobID); err != nil {
		return err
	}
	if m.hb != nil && IsHeartbeatJob(job) {
		m.hb.ClearConfig(job.AgentID)
	}
	m.emit(protocol.BusCronJobDeleted, map[string]any{"job_id": jobID})
	slog.Info("cron: job removed", "job_id", jobID, "name", job.Name)
	return nil
}

// RunNow triggers a job immediately with triggered_by=manual.
func (m *Manager) RunNow(jobID string) (*Run, error) {
	job, ok, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "job %s not found", jobID)
	}
	return m.executeJob(job, TriggerManual)
}

// Runs lists a job's runs, newest first.
func (m *Manager) Runs(jobID string, q RunQuery) ([]*Run, error) {
	return m.store.ListRuns(jobID, q)
}

// --- tick loop ---

// tick runs one scheduler pass: emit cron_tick, compute the due set,
// dispatch each due job (jittered or inline), and advance schedules.
// Each due job executes exactly once per tick; same-tick ordering is
// unspecified.
func (m *Manager) tick(nowMs int64) {
	m.emit(protocol.BusCronTick, map[string]any{"ts": nowMs})

	due, err := m.store.ListDue(nowMs)
	if err != nil {
		slog.Error("cron: due-set query failed", "error", err)
		return
	}

	for _, job := range due {
		if job.JitterSec > 0 {
			delay := time.Duration(m.jitterFn(int64(job.JitterSec)*1000)) * time.Millisecond
			jobID := job.ID
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				select {
				case <-m.stopCh:
					return
				case <-time.After(delay):
				}
				// Reload: the job may have been updated or removed while
				// waiting out the jitter window.
				j, ok, err := m.store.GetJob(jobID)
				if err != nil || !ok {
					return
				}
				if _, err := m.executeJob(j, TriggerSchedule); err != nil {
					slog.Error("cron: jittered execution failed", "job_id", jobID, "error", err)
				}
			}()
		} else {
			if _, err := m.executeJob(job, TriggerSchedule); err != nil {
				slog.Error("cron: execution failed", "job_id", job.ID, "error", err)
			}
		}

		// Advance the schedule regardless of jitter so the job cannot
		// double-fire on the next tick.
		if next, err := NextRunMs(job.Schedule, job.Timezone, nowMs); err == nil {
			job.NextRunAtMs = &next
		} else {
			job.NextRunAtMs = nil
			slog.Warn("cron: schedule no longer parses", "job_id", job.ID, "schedule", job.Schedule)
		}
		last := nowMs
		job.LastRunAtMs = &last
		if err := m.store.SaveJob(job); err != nil {
			slog.Error("cron: persist after tick failed", "job_id", job.ID, "error", err)
		}
	}
}

// executeJob creates and persists a pending run, marks it running, emits
// cron_run_started, and submits to the router in a background task. The
// returned run reflects the running state; terminal updates land in the
// store and on the bus.
func (m *Manager) executeJob(job *Job, trigger string) (*Run, error) {
	now := m.clk.NowMs()

	runSessionKey := job.SessionKey
	if key := sessions.Parse(runSessionKey); key.Variant != sessions.VariantUnknown && !key.IsSub() {
		runSessionKey = key.Fork(sessions.NewCronSubID()).String()
	}

	run := &Run{
		ID:          clock.NewID(clock.KindRun),
		JobID:       job.ID,
		Status:      StatusPending,
		StartedAtMs: now,
		TriggeredBy: trigger,
		Meta: map[string]any{
			"agent_id":    job.AgentID,
			"session_key": runSessionKey,
			"job_name":    job.Name,
		},
	}
	if err := m.store.SaveRun(run); err != nil {
		return nil, err
	}

	routerRunID := clock.NewID(clock.KindRun)
	run.RouterRunID = routerRunID
	run.Status = StatusRunning
	if err := m.store.SaveRun(run); err != nil {
		return nil, err
	}
	m.emit(protocol.BusCronRunStarted, map[string]any{
		"run": RunToMap(run), "job_id": job.ID, "job_name": job.Name,
	})

	job = cloneJob(job)
	runCopy := *run
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runToCompletion(job, &runCopy, routerRunID, runSessionKey)
	}()
	return run, nil
}

func (m *Manager) runToCompletion(job *Job, run *Run, routerRunID, runSessionKey string) {
	outcome := m.submit.Submit(context.Background(), bus.Job{
		RunID:      routerRunID,
		SessionKey: runSessionKey,
		Prompt:     job.Prompt,
		AgentID:    job.AgentID,
		QueueMode:  bus.QueueFollowup,
		TimeoutMs:  job.TimeoutMs,
		Meta: map[string]any{
			"cron_job_id":  job.ID,
			"cron_run_id":  run.ID,
			"triggered_by": run.TriggeredBy,
		},
	})
	run.RouterRunID = outcome.RouterRunID
	if run.RouterRunID == "" {
		run.RouterRunID = routerRunID
	}

	now := m.clk.NowMs()
	switch outcome.Status {
	case runner.StatusOK:
		run.finish(StatusCompleted, now)
		run.Output = outcome.Output
	case runner.StatusTimeout:
		run.finish(StatusTimeout, now)
		run.Error = outcome.Err
	default:
		run.finish(StatusFailed, now)
		run.Error = outcome.Err
	}

	if m.hb != nil && IsHeartbeatJob(job) {
		m.hb.HandleRunCompletion(job, run)
	}

	if err := m.store.SaveRun(run); err != nil {
		slog.Error("cron: persist terminal run failed", "run_id", run.ID, "error", err)
	}
	m.emit(protocol.BusCronRunCompleted, map[string]any{
		"run": RunToMap(run), "job_id": job.ID, "job_name": job.Name,
	})

	if !run.Suppressed {
		m.forwardCompletion(job, run)
	}
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	m.bus.Broadcast(bus.TopicCron, bus.Event{
		Type:    eventType,
		TsMs:    m.clk.NowMs(),
		Payload: payload,
	})
}

func cloneJob(j *Job) *Job {
	c := *j
	return &c
}
