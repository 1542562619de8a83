package cron

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

type hbFixture struct {
	*cronFixture
	kv store.Store
	hb *Heartbeat
}

func newHBFixture(t *testing.T) *hbFixture {
	t.Helper()
	f := newFixture(t)
	kv := store.NewMemory()
	hb := NewHeartbeat(f.clk, f.bus, kv, f.mgr, f.submit)
	t.Cleanup(hb.Stop)
	return &hbFixture{cronFixture: f, kv: kv, hb: hb}
}

func TestIsHeartbeatJob(t *testing.T) {
	assert.False(t, IsHeartbeatJob(nil))
	assert.False(t, IsHeartbeatJob(&Job{Name: "nightly"}))
	assert.True(t, IsHeartbeatJob(&Job{Name: "Heartbeat-lemon"}))
	assert.True(t, IsHeartbeatJob(&Job{Name: "x", Meta: map[string]any{"heartbeat": true}}))
	assert.False(t, IsHeartbeatJob(&Job{Name: "x", Meta: map[string]any{"heartbeat": "yes"}}))
}

func TestSuppressed(t *testing.T) {
	assert.True(t, Suppressed("HEARTBEAT_OK"))
	assert.True(t, Suppressed("  HEARTBEAT_OK \n"))
	assert.False(t, Suppressed("HEARTBEAT_OK but also: disk at 91%"))
	assert.False(t, Suppressed("heartbeat_ok"))
	assert.False(t, Suppressed(""))
}

func TestScheduleForInterval(t *testing.T) {
	tests := []struct {
		intervalMs int64
		want       string
	}{
		{60_000, "*/1 * * * *"},
		{90_000, "*/2 * * * *"},
		{300_000, "*/5 * * * *"},
		{3_600_000, "0 */1 * * *"},
		{7_200_000, "0 */2 * * *"},
	}
	for _, tt := range tests {
		got := ScheduleForInterval(tt.intervalMs)
		assert.Equal(t, tt.want, got, "interval %d", tt.intervalMs)
		assert.NoError(t, ValidateSchedule(got))
	}
}

func TestUpdateConfigCreatesCronJob(t *testing.T) {
	f := newHBFixture(t)
	cfg, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatPrompt, cfg.Prompt)

	job := f.hb.findJob("lemon")
	require.NotNil(t, job)
	assert.Equal(t, "heartbeat-lemon", job.Name)
	assert.Equal(t, "*/5 * * * *", job.Schedule)
	assert.Equal(t, "agent:lemon:main", job.SessionKey)
	assert.Equal(t, int64(HeartbeatTimeoutMs), job.TimeoutMs)
	assert.Equal(t, true, job.Meta["heartbeat"])

	// Reconfiguring updates the same job instead of stacking a second one.
	_, err = f.hb.UpdateConfig("lemon", HeartbeatConfig{
		Enabled: true, IntervalMs: 600_000, Prompt: "are you alive?",
	})
	require.NoError(t, err)
	jobs, err := f.store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "*/10 * * * *", jobs[0].Schedule)
	assert.Equal(t, "are you alive?", jobs[0].Prompt)
}

func TestUpdateConfigDisableRemovesJob(t *testing.T) {
	f := newHBFixture(t)
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)
	require.NotNil(t, f.hb.findJob("lemon"))

	_, err = f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: false, IntervalMs: 300_000})
	require.NoError(t, err)
	assert.Nil(t, f.hb.findJob("lemon"))

	cfg, ok, err := f.hb.Config("lemon")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cfg.Enabled)
}

func TestUpdateConfigTimerMode(t *testing.T) {
	f := newHBFixture(t)
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 5_000})
	require.NoError(t, err)

	f.hb.mu.Lock()
	_, armed := f.hb.timers["lemon"]
	f.hb.mu.Unlock()
	assert.True(t, armed)
	assert.Nil(t, f.hb.findJob("lemon"), "sub-minute intervals never create cron jobs")

	f.hb.ClearConfig("lemon")
	f.hb.mu.Lock()
	_, armed = f.hb.timers["lemon"]
	f.hb.mu.Unlock()
	assert.False(t, armed)
}

func TestHandleRunCompletionSuppression(t *testing.T) {
	f := newHBFixture(t)
	hbSub := f.bus.Subscribe(bus.TopicHeartbeat)

	job := &Job{ID: "cron_hb", Name: "heartbeat-lemon", AgentID: "lemon"}
	run := &Run{ID: "run_1", JobID: "cron_hb", Status: StatusCompleted, Output: " HEARTBEAT_OK\n"}
	f.hb.HandleRunCompletion(job, run)

	assert.True(t, run.Suppressed)
	last, ok, err := f.hb.Last("lemon")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", last.Status)
	assert.True(t, last.Suppressed)
	assert.Equal(t, "run_1", last.RunID)

	ev := waitEvent(t, hbSub, protocol.BusHeartbeatSuppressed)
	assert.Equal(t, "lemon", ev.Payload["agent_id"])
}

func TestHandleRunCompletionAlert(t *testing.T) {
	f := newHBFixture(t)
	hbSub := f.bus.Subscribe(bus.TopicHeartbeat)

	job := &Job{ID: "cron_hb", Name: "heartbeat-lemon", AgentID: "lemon"}
	run := &Run{ID: "run_1", JobID: "cron_hb", Status: StatusCompleted,
		Output: "HEARTBEAT_OK but the disk is at 93%"}
	f.hb.HandleRunCompletion(job, run)

	assert.False(t, run.Suppressed)
	last, _, err := f.hb.Last("lemon")
	require.NoError(t, err)
	assert.Equal(t, "alert", last.Status)

	ev := waitEvent(t, hbSub, protocol.BusHeartbeatAlert)
	assert.Equal(t, "warning", ev.Payload["severity"])
	assert.Contains(t, ev.Payload["response"], "disk is at 93%")
}

func TestHandleRunCompletionFailedRunAlerts(t *testing.T) {
	f := newHBFixture(t)
	job := &Job{ID: "cron_hb", Name: "heartbeat-lemon", AgentID: "lemon"}
	run := &Run{ID: "run_1", Status: StatusFailed, Error: "router unavailable"}
	f.hb.HandleRunCompletion(job, run)

	assert.False(t, run.Suppressed)
	last, _, err := f.hb.Last("lemon")
	require.NoError(t, err)
	assert.Equal(t, "alert", last.Status)
	assert.Contains(t, last.Response, "status=failed")
}

func TestSuppressedRunSkipsForwarding(t *testing.T) {
	f := newHBFixture(t)
	f.submit.outcome.Output = "HEARTBEAT_OK"
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)

	cronSub := f.bus.Subscribe(bus.TopicCron)
	sessSub := f.bus.Subscribe(bus.SessionTopic("agent:lemon:main"))

	job := f.hb.findJob("lemon")
	require.NotNil(t, job)
	run, err := f.mgr.RunNow(job.ID)
	require.NoError(t, err)

	waitEvent(t, cronSub, protocol.BusCronRunCompleted)
	stored, _, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.True(t, stored.Suppressed)

	select {
	case ev := <-sessSub.C():
		t.Fatalf("suppressed run must not forward, got %v", ev)
	default:
	}
}

func TestRemoveHeartbeatJobClearsConfig(t *testing.T) {
	f := newHBFixture(t)
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)

	job := f.hb.findJob("lemon")
	require.NotNil(t, job)
	require.NoError(t, f.mgr.Remove(job.ID))

	_, ok, err := f.hb.Config("lemon")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWakeTriggersHeartbeatRun(t *testing.T) {
	f := newHBFixture(t)
	f.submit.outcome.Output = "HEARTBEAT_OK"
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)
	cronSub := f.bus.Subscribe(bus.TopicCron)

	run, err := f.hb.Wake("lemon")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, TriggerWake, run.TriggeredBy)
	waitEvent(t, cronSub, protocol.BusCronRunCompleted)
}

func TestWakeUnconfiguredAgent(t *testing.T) {
	f := newHBFixture(t)
	_, err := f.hb.Wake("ghost")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNotFound, protocol.AsError(err).Code)
}

func TestProbeOnceEvaluatesTimerProbe(t *testing.T) {
	f := newHBFixture(t)
	f.submit.outcome.Output = "something is wrong"
	hbSub := f.bus.Subscribe(bus.TopicHeartbeat)

	f.hb.probeOnce("lemon", HeartbeatConfig{AgentID: "lemon", Prompt: "HEARTBEAT", IntervalMs: 5_000})

	jobs := f.submit.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "agent:lemon:heartbeat", jobs[0].SessionKey)
	assert.Equal(t, int64(HeartbeatTimeoutMs), jobs[0].TimeoutMs)

	waitEvent(t, hbSub, protocol.BusHeartbeatAlert)
	last, ok, err := f.hb.Last("lemon")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alert", last.Status)
}

func TestStartRehydratesConfigs(t *testing.T) {
	f := newHBFixture(t)
	_, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true, IntervalMs: 300_000})
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteJob(f.hb.findJob("lemon").ID))

	// A fresh heartbeat manager over the same KV recreates the job.
	hb2 := NewHeartbeat(f.clk, f.bus, f.kv, f.mgr, f.submit)
	t.Cleanup(hb2.Stop)
	require.NoError(t, hb2.Start(t.Context()))

	job := hb2.findJob("lemon")
	require.NotNil(t, job)
	assert.Equal(t, "heartbeat-lemon", job.Name)
}

func TestHeartbeatConfigDefaults(t *testing.T) {
	f := newHBFixture(t)
	cfg, err := f.hb.UpdateConfig("lemon", HeartbeatConfig{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultHeartbeatInterval), cfg.IntervalMs)
	assert.Equal(t, DefaultHeartbeatPrompt, cfg.Prompt)

	_, err = f.hb.UpdateConfig("", HeartbeatConfig{Enabled: true})
	require.Error(t, err)
}
