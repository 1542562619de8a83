package cron

import "encoding/json"

// Run status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Trigger origins.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerWake     = "wake"
)

// Defaults.
const (
	DefaultTimeoutMs          = 300_000
	HeartbeatTimeoutMs        = 30_000
	DefaultHeartbeatInterval  = 60_000
	DefaultHeartbeatPrompt    = "HEARTBEAT"
	HeartbeatOKResponse       = "HEARTBEAT_OK"
	DefaultSummaryMarker      = "RUN SUMMARY"
	DefaultMaxForwardBytes    = 12_000
	DefaultTickIntervalMs     = 60_000
)

// Job is the identity of a scheduled run. AgentID and SessionKey are
// immutable after creation.
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Schedule    string         `json:"schedule"`
	Enabled     bool           `json:"enabled"`
	AgentID     string         `json:"agent_id"`
	SessionKey  string         `json:"session_key"`
	Prompt      string         `json:"prompt"`
	Timezone    string         `json:"timezone"`
	JitterSec   int            `json:"jitter_sec"`
	TimeoutMs   int64          `json:"timeout_ms"`
	CreatedAtMs int64          `json:"created_at_ms"`
	UpdatedAtMs int64          `json:"updated_at_ms"`
	LastRunAtMs *int64         `json:"last_run_at_ms,omitempty"`
	NextRunAtMs *int64         `json:"next_run_at_ms,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Run is one execution of a job.
type Run struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	RouterRunID   string         `json:"router_run_id,omitempty"`
	Status        string         `json:"status"`
	StartedAtMs   int64          `json:"started_at_ms"`
	CompletedAtMs *int64         `json:"completed_at_ms,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	TriggeredBy   string         `json:"triggered_by"`
	Error         string         `json:"error,omitempty"`
	Output        string         `json:"output,omitempty"`
	Suppressed    bool           `json:"suppressed"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Active reports whether the run has not yet reached a terminal state.
func (r *Run) Active() bool {
	return r.Status == StatusPending || r.Status == StatusRunning
}

// Terminal reports whether the run finished in any way.
func (r *Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed || r.Status == StatusTimeout
}

// finish moves the run to a terminal state, stamping completion time and
// duration.
func (r *Run) finish(status string, nowMs int64) {
	r.Status = status
	r.CompletedAtMs = &nowMs
	d := nowMs - r.StartedAtMs
	r.DurationMs = &d
}

// HeartbeatConfig is the per-agent probe configuration.
type HeartbeatConfig struct {
	AgentID    string `json:"agent_id"`
	Enabled    bool   `json:"enabled"`
	IntervalMs int64  `json:"interval_ms"`
	Prompt     string `json:"prompt"`
}

// HeartbeatLast is the most recent probe result per agent.
type HeartbeatLast struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Status      string `json:"status"` // "ok" or "alert"
	Response    string `json:"response"`
	Suppressed  bool   `json:"suppressed"`
	RunID       string `json:"run_id"`
	JobID       string `json:"job_id"`
}

// Map round-trips go through JSON so stored values match the wire shape
// regardless of which backend holds them.

func toMap(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func fromMap[T any](m map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

// JobToMap converts a job for storage.
func JobToMap(j *Job) map[string]any { return toMap(j) }

// JobFromMap restores a job from storage.
func JobFromMap(m map[string]any) (*Job, error) {
	j, err := fromMap[Job](m)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// RunToMap converts a run for storage.
func RunToMap(r *Run) map[string]any { return toMap(r) }

// RunFromMap restores a run from storage.
func RunFromMap(m map[string]any) (*Run, error) {
	r, err := fromMap[Run](m)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
