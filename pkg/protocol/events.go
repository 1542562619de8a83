package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent           = "agent"
	EventChat            = "chat"
	EventCron            = "cron"
	EventCronJob         = "cron.job"
	EventTick            = "tick"
	EventPresence        = "presence"
	EventShutdown        = "shutdown"
	EventHealth          = "health"
	EventHeartbeat       = "heartbeat"
	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.resolved"
)

// Bus event types mapped onto client events by the event bridge.
const (
	BusRunStarted          = "run_started"
	BusRunCompleted        = "run_completed"
	BusRunFailed           = "run_failed"
	BusDelta               = "delta"
	BusApprovalRequested   = "approval_requested"
	BusApprovalResolved    = "approval_resolved"
	BusCronTick            = "cron_tick"
	BusTick                = "tick"
	BusCronRunStarted      = "cron_run_started"
	BusCronRunCompleted    = "cron_run_completed"
	BusCronJobCreated      = "cron_job_created"
	BusCronJobUpdated      = "cron_job_updated"
	BusCronJobDeleted      = "cron_job_deleted"
	BusHeartbeatAlert      = "heartbeat_alert"
	BusHeartbeatSuppressed = "heartbeat_suppressed"
	BusPresenceChanged     = "presence_changed"
	BusShutdown            = "shutdown"
)

// Agent event subtypes (payload.type on the "agent" client event).
const (
	AgentEventStarted   = "started"
	AgentEventCompleted = "completed"
	AgentEventFailed    = "failed"
)
