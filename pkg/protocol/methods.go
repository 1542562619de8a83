package protocol

// RPC method name constants.

// System
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Sessions
const (
	MethodSessionsList   = "sessions.list"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"
)

// Chat + agent submission
const (
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
	MethodAgent       = "agent"
	MethodAgentWait   = "agent.wait"
)

// Cron
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"
	MethodCronStatus = "cron.status"
)

// Heartbeat
const (
	MethodSetHeartbeats = "set-heartbeats"
	MethodLastHeartbeat = "last-heartbeat"
	MethodWake          = "wake"
)

// Exec approvals
const (
	MethodApprovalRequest = "exec.approval.request"
	MethodApprovalResolve = "exec.approval.resolve"
)

// Capability-gated groups, registered only when enabled in config.
const (
	MethodTTSStatus      = "tts.status"
	MethodTTSConvert     = "tts.convert"
	MethodVoicewakeGet   = "voicewake.get"
	MethodVoicewakeSet   = "voicewake.set"
	MethodPairingRequest = "device.pair.request"
	MethodPairingApprove = "device.pair.approve"
	MethodPairingList    = "device.pair.list"
	MethodPairingRevoke  = "device.pair.revoke"
	MethodWizardStart    = "wizard.start"
	MethodWizardNext     = "wizard.next"
	MethodUpdatesCheck   = "updates.check"
	MethodUpdatesApply   = "updates.apply"
)

// Connection scopes. A method is callable when the intersection of the
// connection's scopes and the method's scopes is non-empty.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeAdmin     = "admin"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
	ScopeInvoke    = "invoke"
	ScopeEvent     = "event"
	ScopeControl   = "control"
)

// AllScopes lists every known scope, used for the operator role.
var AllScopes = []string{
	ScopeRead, ScopeWrite, ScopeAdmin, ScopeApprovals,
	ScopePairing, ScopeInvoke, ScopeEvent, ScopeControl,
}
