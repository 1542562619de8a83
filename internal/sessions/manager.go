package sessions

import (
	"encoding/json"
	"sort"

	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Session is the persisted control-plane view of one conversation.
type Session struct {
	Key         string         `json:"key"`
	AgentID     string         `json:"agent_id"`
	Label       string         `json:"label,omitempty"`
	QueueMode   string         `json:"queue_mode,omitempty"`
	Epoch       int            `json:"epoch"`
	CreatedAtMs int64          `json:"created_at_ms"`
	UpdatedAtMs int64          `json:"updated_at_ms"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Manager owns session records. Runs and channels touch sessions only
// through it.
type Manager struct {
	kv  store.Store
	clk clock.Clock
}

// NewManager wraps a KV backend.
func NewManager(kv store.Store, clk clock.Clock) *Manager {
	return &Manager{kv: kv, clk: clk}
}

// Touch upserts a session record for key, creating it on first contact.
func (m *Manager) Touch(key string) (*Session, error) {
	now := m.clk.NowMs()
	if existing, ok, err := m.get(key); err != nil {
		return nil, err
	} else if ok {
		existing.UpdatedAtMs = now
		return existing, m.save(existing)
	}
	s := &Session{
		Key:         key,
		AgentID:     Parse(key).AgentID,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	return s, m.save(s)
}

// List returns all sessions, most recently updated first.
func (m *Manager) List() ([]*Session, error) {
	entries, err := m.kv.List(store.TableSessions)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		s, err := sessionFromMap(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	return out, nil
}

// Patch updates mutable session fields. The key itself is immutable.
func (m *Manager) Patch(key string, label, queueMode *string, meta map[string]any) (*Session, error) {
	s, ok, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "session %s not found", key)
	}
	if label != nil {
		s.Label = *label
	}
	if queueMode != nil {
		s.QueueMode = *queueMode
	}
	if meta != nil {
		s.Meta = meta
	}
	s.UpdatedAtMs = m.clk.NowMs()
	return s, m.save(s)
}

// Reset bumps the session epoch, detaching future runs from prior context.
func (m *Manager) Reset(key string) (*Session, error) {
	s, ok, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "session %s not found", key)
	}
	s.Epoch++
	s.UpdatedAtMs = m.clk.NowMs()
	return s, m.save(s)
}

// Delete removes the session record. Unknown keys are not an error.
func (m *Manager) Delete(key string) error {
	return m.kv.Delete(store.TableSessions, key)
}

func (m *Manager) get(key string) (*Session, bool, error) {
	v, ok, err := m.kv.Get(store.TableSessions, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	s, err := sessionFromMap(v)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (m *Manager) save(s *Session) error {
	return m.kv.Put(store.TableSessions, s.Key, sessionToMap(s))
}

func sessionToMap(s *Session) map[string]any {
	data, _ := json.Marshal(s)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func sessionFromMap(v map[string]any) (*Session, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
