package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// ExecRouter is a Router that runs jobs by spawning the engine's CLI with
// the prompt as the final argument, then broadcasts the terminal event on
// the job's run topic. Engines map engine ids to command templates, e.g.
// "claude -p" or "echo".
type ExecRouter struct {
	bus           *bus.Bus
	clk           clock.Clock
	engines       map[string]string
	defaultEngine string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecRouter creates the router. defaultEngine is used for jobs without
// an engine hint.
func NewExecRouter(b *bus.Bus, clk clock.Clock, engines map[string]string, defaultEngine string) *ExecRouter {
	return &ExecRouter{
		bus:           b,
		clk:           clk,
		engines:       engines,
		defaultEngine: defaultEngine,
		running:       make(map[string]context.CancelFunc),
	}
}

// Submit resolves the engine command and launches the run asynchronously.
// Implements Router.
func (r *ExecRouter) Submit(ctx context.Context, job bus.Job) (string, error) {
	engine := job.EngineHint
	if engine == "" {
		engine = r.defaultEngine
	}
	tmpl, ok := r.engines[engine]
	if !ok || strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("no command configured for engine %q", engine)
	}
	if job.RunID == "" {
		job.RunID = clock.NewID(clock.KindRun)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.running[job.RunID] = cancel
	r.mu.Unlock()

	go r.execute(runCtx, job, engine, tmpl)
	return job.RunID, nil
}

// Cancel aborts an in-flight run. Implements Router.
func (r *ExecRouter) Cancel(_ context.Context, runID string) error {
	r.mu.Lock()
	cancel, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "run %s not in flight", runID)
	}
	cancel()
	return nil
}

func (r *ExecRouter) execute(ctx context.Context, job bus.Job, engine, tmpl string) {
	defer func() {
		r.mu.Lock()
		delete(r.running, job.RunID)
		r.mu.Unlock()
	}()

	topic := bus.RunTopic(job.RunID)
	r.bus.Broadcast(topic, bus.Event{
		Type:    protocol.BusRunStarted,
		TsMs:    r.clk.NowMs(),
		Payload: map[string]any{"run_id": job.RunID, "engine": engine, "session_key": job.SessionKey},
	})

	parts := strings.Fields(tmpl)
	cmd := exec.CommandContext(ctx, parts[0], append(parts[1:], job.Prompt)...)
	if job.Cwd != "" {
		cmd.Dir = job.Cwd
	}
	out, err := cmd.Output()

	switch {
	case ctx.Err() != nil:
		r.bus.Broadcast(topic, bus.Event{
			Type:    protocol.BusRunFailed,
			TsMs:    r.clk.NowMs(),
			Payload: map[string]any{"run_id": job.RunID, "reason": "aborted"},
		})
	case err != nil:
		slog.Warn("runner: engine command failed",
			"run_id", job.RunID, "engine", engine, "error", err)
		r.bus.Broadcast(topic, bus.Event{
			Type:    protocol.BusRunCompleted,
			TsMs:    r.clk.NowMs(),
			Payload: map[string]any{"run_id": job.RunID, "ok": false, "error": err.Error()},
		})
	default:
		r.bus.Broadcast(topic, bus.Event{
			Type: protocol.BusRunCompleted,
			TsMs: r.clk.NowMs(),
			Payload: map[string]any{
				"run_id": job.RunID,
				"ok":     true,
				"answer": strings.TrimRight(string(out), "\n"),
			},
		})
	}
}
