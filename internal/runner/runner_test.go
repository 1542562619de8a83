package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// fakeRouter broadcasts a canned terminal event for each submitted run.
type fakeRouter struct {
	bus        *bus.Bus
	swapID     string        // when set, Submit returns this id instead of the job's
	submitErr  error         // when set, Submit fails
	event      *bus.Event    // terminal event to broadcast; nil means stay silent
	eventDelay time.Duration // delay before broadcasting

	mu        sync.Mutex
	submitted []bus.Job
	canceled  []string
}

func (r *fakeRouter) Submit(_ context.Context, job bus.Job) (string, error) {
	r.mu.Lock()
	r.submitted = append(r.submitted, job)
	r.mu.Unlock()
	if r.submitErr != nil {
		return "", r.submitErr
	}
	runID := job.RunID
	if r.swapID != "" {
		runID = r.swapID
	}
	if r.event != nil {
		ev := *r.event
		go func() {
			time.Sleep(r.eventDelay)
			r.bus.Broadcast(bus.RunTopic(runID), ev)
		}()
	}
	return runID, nil
}

func (r *fakeRouter) Cancel(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, runID)
	return nil
}

func completedEvent(answer string) *bus.Event {
	return &bus.Event{
		Type:    protocol.BusRunCompleted,
		Payload: map[string]any{"ok": true, "answer": answer},
	}
}

func newSubmitter(router *fakeRouter, memory store.Store) (*Submitter, *bus.Bus) {
	b := bus.New()
	router.bus = b
	clk := &clock.Fake{WallMs: 1_700_000_000_000}
	return New(router, b, clk, memory), b
}

func TestSubmitHappyPath(t *testing.T) {
	memory := store.NewMemory()
	router := &fakeRouter{event: completedEvent("all done")}
	s, _ := newSubmitter(router, memory)

	out := s.Submit(context.Background(), bus.Job{
		SessionKey: "agent:lemon:main",
		Prompt:     "do the thing",
		AgentID:    "lemon",
		TimeoutMs:  2000,
	})

	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "all done", out.Output)
	require.NotEmpty(t, out.RouterRunID)

	// The run id was minted before submission and passed through.
	require.Len(t, router.submitted, 1)
	assert.Equal(t, out.RouterRunID, router.submitted[0].RunID)

	// Terminal summary landed in memory.
	rec, ok, err := memory.Get(store.TableRunSummaries, out.RouterRunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "all done", rec["summary"])
}

func TestSubmitRouterSwapsRunID(t *testing.T) {
	router := &fakeRouter{
		swapID:     "run_routerside",
		event:      completedEvent("swapped fine"),
		eventDelay: 50 * time.Millisecond,
	}
	s, _ := newSubmitter(router, nil)

	out := s.Submit(context.Background(), bus.Job{
		RunID:     "run_mine",
		AgentID:   "lemon",
		TimeoutMs: 2000,
	})

	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "run_routerside", out.RouterRunID)
	assert.Equal(t, "swapped fine", out.Output)
}

func TestSubmitRouterError(t *testing.T) {
	memory := store.NewMemory()
	router := &fakeRouter{submitErr: errors.New("router unavailable")}
	s, _ := newSubmitter(router, memory)

	out := s.Submit(context.Background(), bus.Job{RunID: "run_x", AgentID: "lemon"})
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, "router unavailable", out.Err)

	rec, ok, err := memory.Get(store.TableRunSummaries, "run_x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Request failed: router unavailable", rec["summary"])
}

func TestSubmitTimeout(t *testing.T) {
	router := &fakeRouter{} // never emits a terminal event
	s, _ := newSubmitter(router, nil)

	start := time.Now()
	out := s.Submit(context.Background(), bus.Job{AgentID: "lemon", TimeoutMs: 50})
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmitCompletedWithoutOK(t *testing.T) {
	router := &fakeRouter{event: &bus.Event{
		Type:    protocol.BusRunCompleted,
		Payload: map[string]any{"ok": false, "error": "tool denied"},
	}}
	s, _ := newSubmitter(router, nil)

	out := s.Submit(context.Background(), bus.Job{AgentID: "lemon", TimeoutMs: 2000})
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, "tool denied", out.Err)
}

func TestSubmitRunFailed(t *testing.T) {
	router := &fakeRouter{event: &bus.Event{
		Type:    protocol.BusRunFailed,
		Payload: map[string]any{"reason": "engine crashed"},
	}}
	s, _ := newSubmitter(router, nil)

	out := s.Submit(context.Background(), bus.Job{AgentID: "lemon", TimeoutMs: 2000})
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, "engine crashed", out.Err)
}

func TestSubmitTruncatesAnswer(t *testing.T) {
	long := strings.Repeat("ä", 3000)
	router := &fakeRouter{event: completedEvent(long)}
	s, _ := newSubmitter(router, nil)

	out := s.Submit(context.Background(), bus.Job{AgentID: "lemon", TimeoutMs: 2000})
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, maxAnswerChars, len([]rune(out.Output)))
}

func TestCancelDelegatesToRouter(t *testing.T) {
	router := &fakeRouter{}
	s, _ := newSubmitter(router, nil)
	require.NoError(t, s.Cancel(context.Background(), "run_1"))
	assert.Equal(t, []string{"run_1"}, router.canceled)
}

func TestTruncateChars(t *testing.T) {
	assert.Equal(t, "abc", truncateChars("abc", 5))
	assert.Equal(t, "ab", truncateChars("abcd", 2))
	assert.Equal(t, "日本", truncateChars("日本語", 2))
}
