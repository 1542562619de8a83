package bus

// Event is the unit carried on bus topics.
type Event struct {
	Type    string         `json:"type"`
	TsMs    int64          `json:"ts_ms"`
	Payload map[string]any `json:"payload,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// PeerKind classifies the conversation a message arrived in.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
	PeerUnknown PeerKind = "unknown"
)

// Peer identifies the conversation endpoint of an inbound message.
type Peer struct {
	Kind     PeerKind `json:"kind"`
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id,omitempty"`
}

// Message is the normalized message body inside an InboundMessage.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// InboundMessage is a normalized channel event. Text is empty iff the event
// carries no textual prompt (media-only, reactions, membership churn).
type InboundMessage struct {
	ChannelID string            `json:"channel_id"`
	AccountID string            `json:"account_id"`
	Peer      Peer              `json:"peer"`
	Sender    string            `json:"sender"`
	Message   Message           `json:"message"`
	Raw       any               `json:"raw,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// OutboundMessage is a payload for channel delivery. Channels must honor
// IdempotencyKey on text sends: a repeated key is delivered at most once.
type OutboundMessage struct {
	ChannelID      string            `json:"channel_id"`
	AccountID      string            `json:"account_id,omitempty"`
	ChatID         string            `json:"chat_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Content        string            `json:"content"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// QueueMode tells the router how a job relates to an in-flight run on the
// same session.
type QueueMode string

const (
	QueueCollect   QueueMode = "collect"
	QueueSteer     QueueMode = "steer"
	QueueFollowup  QueueMode = "followup"
	QueueInterrupt QueueMode = "interrupt"
)

// Job is the unit submitted to the router.
type Job struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Prompt     string         `json:"prompt"`
	AgentID    string         `json:"agent_id"`
	EngineHint string         `json:"engine_hint,omitempty"`
	QueueMode  QueueMode      `json:"queue_mode"`
	Cwd        string         `json:"cwd,omitempty"`
	ToolPolicy string         `json:"tool_policy,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms"`
	Meta       map[string]any `json:"meta,omitempty"`
}
