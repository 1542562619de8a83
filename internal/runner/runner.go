// Package runner submits jobs to the agent router and waits for their
// terminal event on the bus. The router itself is an external collaborator;
// everything here is the pre-subscribe / submit / wait / record contract.
package runner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Router is the external run executor. Submit returns the router's run id,
// which may differ from the one minted by the caller.
type Router interface {
	Submit(ctx context.Context, job bus.Job) (runID string, err error)
	Cancel(ctx context.Context, runID string) error
}

// Outcome status values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// maxAnswerChars bounds the waiter's returned answer.
const maxAnswerChars = 1000

// Outcome is the terminal result of a submitted job.
type Outcome struct {
	Status      string
	RouterRunID string
	Output      string
	Err         string
}

// Submitter wires the router, the bus and an optional memory store.
type Submitter struct {
	router Router
	bus    *bus.Bus
	clk    clock.Clock
	memory store.Store // optional; terminal summaries are appended when set
}

// New creates a Submitter. memory may be nil.
func New(router Router, b *bus.Bus, clk clock.Clock, memory store.Store) *Submitter {
	return &Submitter{router: router, bus: b, clk: clk, memory: memory}
}

// Submit runs the full submit/wait sequence and blocks until a terminal
// event, a router error, or the job timeout.
func (s *Submitter) Submit(ctx context.Context, job bus.Job) Outcome {
	tracer := otel.Tracer("lemongate/runner")
	ctx, span := tracer.Start(ctx, "runner.submit")
	span.SetAttributes(
		attribute.String("agent.id", job.AgentID),
		attribute.String("session.key", job.SessionKey),
	)
	defer span.End()

	runID := job.RunID
	if runID == "" {
		runID = clock.NewID(clock.KindRun)
		job.RunID = runID
	}

	// Subscribe before submission so a fast completion cannot be lost.
	sub := s.bus.Subscribe(bus.RunTopic(runID))
	defer func() { sub.Cancel() }()

	routerRunID, err := s.router.Submit(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		out := Outcome{Status: StatusError, Err: err.Error()}
		s.record(runID, job.SessionKey, out)
		return out
	}
	if routerRunID != "" && routerRunID != runID {
		sub.Cancel()
		sub = s.bus.Subscribe(bus.RunTopic(routerRunID))
		runID = routerRunID
	}

	timeoutMs := job.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 300_000
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	out := s.wait(waitCtx, sub)
	out.RouterRunID = runID
	if out.Status != StatusOK {
		span.SetStatus(codes.Error, out.Err)
	}
	s.record(runID, job.SessionKey, out)
	return out
}

func (s *Submitter) wait(ctx context.Context, sub *bus.Subscription) Outcome {
	ev, ok := bus.WaitFor(ctx, sub, func(ev bus.Event) bool {
		return ev.Type == protocol.BusRunCompleted || ev.Type == protocol.BusRunFailed
	})
	if !ok {
		return Outcome{Status: StatusTimeout, Err: "run timed out"}
	}

	switch ev.Type {
	case protocol.BusRunCompleted:
		if okFlag, _ := ev.Payload["ok"].(bool); okFlag {
			answer, _ := ev.Payload["answer"].(string)
			return Outcome{Status: StatusOK, Output: truncateChars(answer, maxAnswerChars)}
		}
		errMsg, _ := ev.Payload["error"].(string)
		if errMsg == "" {
			errMsg = "run completed without answer"
		}
		return Outcome{Status: StatusError, Err: errMsg}
	default: // run_failed
		reason, _ := ev.Payload["reason"].(string)
		if reason == "" {
			reason = "run failed"
		}
		return Outcome{Status: StatusError, Err: reason}
	}
}

func (s *Submitter) record(runID, sessionKey string, out Outcome) {
	if s.memory == nil {
		return
	}
	summary := out.Output
	if out.Status != StatusOK {
		summary = "Request failed: " + out.Err
	}
	if err := store.FinalizeRun(s.memory, runID, sessionKey, summary, s.clk.NowMs()); err != nil {
		slog.Warn("runner: memory append failed", "run_id", runID, "error", err)
	}
}

// Cancel asks the router to abort a run. Best effort: waiters either see a
// terminal run_failed event or time out.
func (s *Submitter) Cancel(ctx context.Context, runID string) error {
	return s.router.Cancel(ctx, runID)
}

// truncateChars bounds s to n runes.
func truncateChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
