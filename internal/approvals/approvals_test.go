package approvals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

type fakeUI struct {
	mu       sync.Mutex
	prompted []Pending
	resolved []PromptRef
	failNext bool
}

func (u *fakeUI) PromptApproval(p Pending) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext {
		u.failNext = false
		return "", errors.New("send failed")
	}
	u.prompted = append(u.prompted, p)
	return "msg_42", nil
}

func (u *fakeUI) ResolvePrompt(ref PromptRef, _ Decision) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolved = append(u.resolved, ref)
	return nil
}

func (u *fakeUI) promptedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.prompted)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeResolver) ResolveApproval(_ context.Context, approvalID string, decision Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, approvalID+":"+string(decision))
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *bus.Bus, *fakeUI, *fakeResolver) {
	t.Helper()
	b := bus.New()
	ui := &fakeUI{}
	resolver := &fakeResolver{}
	bridge := NewBridge("telegram", "bot123", b, &clock.Fake{WallMs: 1000}, ui, resolver)
	bridge.Start(t.Context())
	t.Cleanup(bridge.Stop)
	return bridge, b, ui, resolver
}

func requestEvent(sessionKey string) bus.Event {
	return bus.Event{
		Type: protocol.BusApprovalRequested,
		Payload: map[string]any{
			"pending": map[string]any{
				"id":          "approval_1",
				"session_key": sessionKey,
				"agent_id":    "lemon",
				"command":     "rm -rf build/",
			},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestPromptSurfacedForOwnConversation(t *testing.T) {
	bridge, b, ui, _ := newTestBridge(t)

	b.Broadcast(bus.TopicExecApprovals, requestEvent("lemon/telegram/bot123/dm/386246614"))
	waitFor(t, func() bool { return ui.promptedCount() == 1 })

	assert.Equal(t, "approval_1", ui.prompted[0].ID)
	assert.Equal(t, 1, bridge.PendingCount())
}

func TestForeignConversationIgnored(t *testing.T) {
	bridge, b, ui, _ := newTestBridge(t)

	// Different account, different channel, and a main-variant key.
	b.Broadcast(bus.TopicExecApprovals, requestEvent("lemon/telegram/other/dm/1"))
	b.Broadcast(bus.TopicExecApprovals, requestEvent("lemon/discord/bot123/dm/1"))
	b.Broadcast(bus.TopicExecApprovals, requestEvent("agent:lemon:main"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, ui.promptedCount())
	assert.Equal(t, 0, bridge.PendingCount())
}

func TestResolutionClearsPrompt(t *testing.T) {
	bridge, b, ui, _ := newTestBridge(t)

	b.Broadcast(bus.TopicExecApprovals, requestEvent("lemon/telegram/bot123/dm/386246614"))
	waitFor(t, func() bool { return bridge.PendingCount() == 1 })

	b.Broadcast(bus.TopicExecApprovals, bus.Event{
		Type: protocol.BusApprovalResolved,
		Payload: map[string]any{
			"approval_id": "approval_1",
			"decision":    string(ApproveOnce),
		},
	})
	waitFor(t, func() bool { return bridge.PendingCount() == 0 })

	ui.mu.Lock()
	defer ui.mu.Unlock()
	require.Len(t, ui.resolved, 1)
	assert.Equal(t, "msg_42", ui.resolved[0].MessageID)
	assert.Equal(t, "386246614", ui.resolved[0].Peer.ID)
}

func TestResolutionForUnknownApprovalIsNoop(t *testing.T) {
	_, b, ui, _ := newTestBridge(t)

	b.Broadcast(bus.TopicExecApprovals, bus.Event{
		Type:    protocol.BusApprovalResolved,
		Payload: map[string]any{"approval_id": "approval_ghost", "decision": "deny"},
	})
	time.Sleep(50 * time.Millisecond)

	ui.mu.Lock()
	defer ui.mu.Unlock()
	assert.Empty(t, ui.resolved)
}

func TestPromptFailureLeavesNoCorrelation(t *testing.T) {
	bridge, b, ui, _ := newTestBridge(t)
	ui.failNext = true

	b.Broadcast(bus.TopicExecApprovals, requestEvent("lemon/telegram/bot123/dm/1"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, bridge.PendingCount())
}

func TestResolveValidatesDecision(t *testing.T) {
	bridge, _, _, resolver := newTestBridge(t)

	err := bridge.Resolve(context.Background(), "approval_1", Decision("maybe"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInvalidParams, protocol.AsError(err).Code)

	require.NoError(t, bridge.Resolve(context.Background(), "approval_1", ApproveSession))
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	assert.Equal(t, []string{"approval_1:approve_session"}, resolver.calls)
}

func TestValidDecision(t *testing.T) {
	for _, d := range []Decision{ApproveOnce, ApproveSession, ApproveAgent, ApproveGlobal, Deny} {
		assert.True(t, ValidDecision(d), string(d))
	}
	assert.False(t, ValidDecision("approve"))
	assert.False(t, ValidDecision(""))
}
