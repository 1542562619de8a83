package gateway

import (
	"context"
	"sort"

	"github.com/lemonhq/lemongate/internal/approvals"
	"github.com/lemonhq/lemongate/internal/bus"
	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/cron"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// registerMethods installs the full RPC surface. Capability-gated groups are
// registered only when their config switch is on.
func (s *Server) registerMethods() {
	s.registerSystemMethods()
	s.registerSessionMethods()
	s.registerChatMethods()
	s.registerCronMethods()
	s.registerHeartbeatMethods()
	s.registerApprovalMethods()
	s.registerCapabilityMethods()
}

func (s *Server) registerSystemMethods() {
	s.router.Register(&Method{
		Name: protocol.MethodHealth,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return s.healthSnapshot(), nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodStatus,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			status := map[string]any{
				"agent_id": s.cfg.Agent.ID,
				"version":  s.deps.Version,
				"protocol": protocol.ProtocolVersion,
				"presence": s.presence.Snapshot(),
			}
			if s.deps.Cron != nil {
				jobs, err := s.deps.Cron.List()
				if err != nil {
					return nil, err
				}
				enabled := 0
				for _, j := range jobs {
					if j.Enabled {
						enabled++
					}
				}
				status["cron"] = map[string]any{"jobs": len(jobs), "enabled": enabled}
			}
			if s.deps.Sessions != nil {
				all, err := s.deps.Sessions.List()
				if err != nil {
					return nil, err
				}
				status["sessions"] = len(all)
			}
			return status, nil
		},
	})
}

func (s *Server) registerSessionMethods() {
	s.router.Register(&Method{
		Name:   protocol.MethodSessionsList,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Sessions == nil {
				return nil, errUnavailable("sessions")
			}
			all, err := s.deps.Sessions.List()
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessions": all}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodSessionsPatch,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"key":        {Type: ParamString, Required: true},
			"label":      {Type: ParamString},
			"queue_mode": {Type: ParamString},
			"meta":       {Type: ParamMapping},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Sessions == nil {
				return nil, errUnavailable("sessions")
			}
			key, err := requireString(call.Params, "key")
			if err != nil {
				return nil, err
			}
			sess, err := s.deps.Sessions.Patch(key,
				paramStringPtr(call.Params, "label"),
				paramStringPtr(call.Params, "queue_mode"),
				paramMap(call.Params, "meta"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"session": sess}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodSessionsReset,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"key": {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Sessions == nil {
				return nil, errUnavailable("sessions")
			}
			key, err := requireString(call.Params, "key")
			if err != nil {
				return nil, err
			}
			sess, err := s.deps.Sessions.Reset(key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"session": sess}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodSessionsDelete,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"key": {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Sessions == nil {
				return nil, errUnavailable("sessions")
			}
			key, err := requireString(call.Params, "key")
			if err != nil {
				return nil, err
			}
			if err := s.deps.Sessions.Delete(key); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": key}, nil
		},
	})
}

func (s *Server) registerChatMethods() {
	s.router.Register(&Method{
		Name:   protocol.MethodChatSend,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeInvoke},
		Params: map[string]Param{
			"session_key": {Type: ParamString, Required: true},
			"text":        {Type: ParamString, Required: true},
			"queue_mode":  {Type: ParamString},
			"timeout_ms":  {Type: ParamInteger},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return s.submitJob(call)
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodAgent,
		Scopes: []string{protocol.ScopeInvoke, protocol.ScopeAdmin},
		Params: map[string]Param{
			"session_key": {Type: ParamString, Required: true},
			"text":        {Type: ParamString, Required: true},
			"agent_id":    {Type: ParamString},
			"queue_mode":  {Type: ParamString},
			"timeout_ms":  {Type: ParamInteger},
			"meta":        {Type: ParamMapping},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return s.submitJob(call)
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodAgentWait,
		Scopes: []string{protocol.ScopeInvoke, protocol.ScopeAdmin},
		Params: map[string]Param{
			"run_id":     {Type: ParamString, Required: true},
			"timeout_ms": {Type: ParamInteger},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return s.waitRun(ctx, call)
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodChatAbort,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeInvoke},
		Params: map[string]Param{
			"run_id": {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Runner == nil {
				return nil, errUnavailable("runner")
			}
			runID, err := requireString(call.Params, "run_id")
			if err != nil {
				return nil, err
			}
			if err := s.deps.Runner.Cancel(ctx, runID); err != nil {
				return nil, err
			}
			return map[string]any{"aborted": runID}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodChatHistory,
		Scopes: []string{protocol.ScopeRead},
		Params: map[string]Param{
			"session_key": {Type: ParamString, Required: true},
			"limit":       {Type: ParamInteger},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			key, err := requireString(call.Params, "session_key")
			if err != nil {
				return nil, err
			}
			return s.chatHistory(key, int(paramInt64(call.Params, "limit")))
		},
	})
}

// submitJob mints a run, hands it to the runner asynchronously and attaches
// the bridge so run events reach clients.
func (s *Server) submitJob(call *Call) (any, error) {
	if s.deps.Runner == nil {
		return nil, errUnavailable("runner")
	}
	sessionKey, err := requireString(call.Params, "session_key")
	if err != nil {
		return nil, err
	}
	text, err := requireString(call.Params, "text")
	if err != nil {
		return nil, err
	}

	agentID := paramString(call.Params, "agent_id")
	if agentID == "" {
		agentID = s.cfg.Agent.ID
	}
	queueMode := bus.QueueMode(paramString(call.Params, "queue_mode"))
	if queueMode == "" {
		queueMode = bus.QueueCollect
	}

	job := bus.Job{
		RunID:      clock.NewID(clock.KindRun),
		SessionKey: sessionKey,
		AgentID:    agentID,
		Prompt:     text,
		QueueMode:  queueMode,
		TimeoutMs:  paramInt64(call.Params, "timeout_ms"),
		Meta:       paramMap(call.Params, "meta"),
	}

	if s.deps.Sessions != nil {
		if _, err := s.deps.Sessions.Touch(sessionKey); err != nil {
			return nil, err
		}
	}

	s.bridge.WatchRun(job.RunID)
	go s.deps.Runner.Submit(context.Background(), job)
	return map[string]any{"run_id": job.RunID, "session_key": sessionKey}, nil
}

// waitRun blocks until the run's terminal event or the dispatch deadline.
func (s *Server) waitRun(ctx context.Context, call *Call) (any, error) {
	runID, err := requireString(call.Params, "run_id")
	if err != nil {
		return nil, err
	}
	sub := s.bus.Subscribe(bus.RunTopic(runID))
	defer sub.Cancel()

	ev, ok := bus.WaitFor(ctx, sub, func(ev bus.Event) bool {
		return ev.Type == protocol.BusRunCompleted || ev.Type == protocol.BusRunFailed
	})
	if !ok {
		// Run may have finished before the wait started.
		if s.deps.Store != nil {
			if v, found, _ := s.deps.Store.Get(store.TableRunSummaries, runID); found {
				return map[string]any{"run_id": runID, "status": "completed", "summary": v["summary"]}, nil
			}
		}
		return nil, protocol.NewError(protocol.ErrTimeout, "run %s did not finish in time", runID)
	}

	result := map[string]any{"run_id": runID}
	switch ev.Type {
	case protocol.BusRunCompleted:
		result["status"] = "completed"
		result["answer"] = ev.Payload["answer"]
		result["ok"] = ev.Payload["ok"]
	default:
		result["status"] = "failed"
		result["reason"] = ev.Payload["reason"]
	}
	return result, nil
}

// chatHistory lists finalized run summaries for one session, oldest first.
func (s *Server) chatHistory(sessionKey string, limit int) (any, error) {
	if s.deps.Store == nil {
		return nil, errUnavailable("store")
	}
	entries, err := s.deps.Store.List(store.TableRunSummaries)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0)
	stamps := map[string]int64{}
	for _, e := range entries {
		if key, _ := e.Value["session_key"].(string); key != sessionKey {
			continue
		}
		var ms int64
		switch ts := e.Value["finalized_at_ms"].(type) {
		case float64:
			ms = int64(ts)
		case int64:
			ms = ts
		}
		summary, _ := e.Value["summary"].(string)
		items = append(items, map[string]any{
			"run_id":          e.Key,
			"summary":         summary,
			"finalized_at_ms": ms,
		})
		stamps[e.Key] = ms
	}
	sort.Slice(items, func(i, j int) bool {
		return stamps[items[i]["run_id"].(string)] < stamps[items[j]["run_id"].(string)]
	})
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return map[string]any{"session_key": sessionKey, "history": items}, nil
}

func (s *Server) registerCronMethods() {
	cronParams := map[string]Param{
		"name":        {Type: ParamString},
		"schedule":    {Type: ParamString},
		"agent_id":    {Type: ParamString},
		"session_key": {Type: ParamString},
		"prompt":      {Type: ParamString},
		"enabled":     {Type: ParamBoolean},
		"timezone":    {Type: ParamString},
		"jitter_sec":  {Type: ParamInteger},
		"timeout_ms":  {Type: ParamInteger},
		"meta":        {Type: ParamMapping},
	}

	s.router.Register(&Method{
		Name:   protocol.MethodCronList,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobs, err := s.deps.Cron.List()
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobs": jobs}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodCronAdd,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: cronParams,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			job, err := s.deps.Cron.Add(cron.AddParams{
				Name:       paramString(call.Params, "name"),
				Schedule:   paramString(call.Params, "schedule"),
				AgentID:    paramString(call.Params, "agent_id"),
				SessionKey: paramString(call.Params, "session_key"),
				Prompt:     paramString(call.Params, "prompt"),
				Enabled:    paramBoolPtr(call.Params, "enabled"),
				Timezone:   paramString(call.Params, "timezone"),
				JitterSec:  int(paramInt64(call.Params, "jitter_sec")),
				TimeoutMs:  paramInt64(call.Params, "timeout_ms"),
				Meta:       paramMap(call.Params, "meta"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"job": job}, nil
		},
	})

	updateParams := map[string]Param{"job_id": {Type: ParamString, Required: true}}
	for k, v := range cronParams {
		updateParams[k] = v
	}
	s.router.Register(&Method{
		Name:   protocol.MethodCronUpdate,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: updateParams,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobID, err := requireString(call.Params, "job_id")
			if err != nil {
				return nil, err
			}
			var jitter *int
			if p := paramInt64Ptr(call.Params, "jitter_sec"); p != nil {
				v := int(*p)
				jitter = &v
			}
			job, err := s.deps.Cron.Update(jobID, cron.UpdateParams{
				Name:       paramStringPtr(call.Params, "name"),
				Schedule:   paramStringPtr(call.Params, "schedule"),
				Enabled:    paramBoolPtr(call.Params, "enabled"),
				Prompt:     paramStringPtr(call.Params, "prompt"),
				Timezone:   paramStringPtr(call.Params, "timezone"),
				JitterSec:  jitter,
				TimeoutMs:  paramInt64Ptr(call.Params, "timeout_ms"),
				Meta:       paramMap(call.Params, "meta"),
				AgentID:    paramStringPtr(call.Params, "agent_id"),
				SessionKey: paramStringPtr(call.Params, "session_key"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"job": job}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodCronRemove,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{"job_id": {Type: ParamString, Required: true}},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobID, err := requireString(call.Params, "job_id")
			if err != nil {
				return nil, err
			}
			if err := s.deps.Cron.Remove(jobID); err != nil {
				return nil, err
			}
			return map[string]any{"removed": jobID}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodCronRun,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{"job_id": {Type: ParamString, Required: true}},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobID, err := requireString(call.Params, "job_id")
			if err != nil {
				return nil, err
			}
			run, err := s.deps.Cron.RunNow(jobID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run": run}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodCronRuns,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Params: map[string]Param{
			"job_id":   {Type: ParamString, Required: true},
			"limit":    {Type: ParamInteger},
			"status":   {Type: ParamString},
			"since_ms": {Type: ParamInteger},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobID, err := requireString(call.Params, "job_id")
			if err != nil {
				return nil, err
			}
			runs, err := s.deps.Cron.Runs(jobID, cron.RunQuery{
				Limit:   int(paramInt64(call.Params, "limit")),
				Status:  paramString(call.Params, "status"),
				SinceMs: paramInt64(call.Params, "since_ms"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"runs": runs}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodCronStatus,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Cron == nil {
				return nil, errUnavailable("cron")
			}
			jobs, err := s.deps.Cron.List()
			if err != nil {
				return nil, err
			}
			enabled := 0
			var nextRun *int64
			for _, j := range jobs {
				if !j.Enabled {
					continue
				}
				enabled++
				if j.NextRunAtMs != nil && (nextRun == nil || *j.NextRunAtMs < *nextRun) {
					nextRun = j.NextRunAtMs
				}
			}
			status := map[string]any{"jobs": len(jobs), "enabled": enabled}
			if nextRun != nil {
				status["next_run_at_ms"] = *nextRun
			}
			return status, nil
		},
	})
}

func (s *Server) registerHeartbeatMethods() {
	s.router.Register(&Method{
		Name:   protocol.MethodSetHeartbeats,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"agent_id":    {Type: ParamString},
			"enabled":     {Type: ParamBoolean},
			"interval_ms": {Type: ParamInteger},
			"prompt":      {Type: ParamString},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Heartbeat == nil {
				return nil, errUnavailable("heartbeat")
			}
			agentID := paramString(call.Params, "agent_id")
			if agentID == "" {
				agentID = s.cfg.Agent.ID
			}
			enabled := true
			if p := paramBoolPtr(call.Params, "enabled"); p != nil {
				enabled = *p
			}
			cfg, err := s.deps.Heartbeat.UpdateConfig(agentID, cron.HeartbeatConfig{
				AgentID:    agentID,
				Enabled:    enabled,
				IntervalMs: paramInt64(call.Params, "interval_ms"),
				Prompt:     paramString(call.Params, "prompt"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"config": cfg}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodLastHeartbeat,
		Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
		Params: map[string]Param{
			"agent_id": {Type: ParamString},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Heartbeat == nil {
				return nil, errUnavailable("heartbeat")
			}
			agentID := paramString(call.Params, "agent_id")
			if agentID == "" {
				agentID = s.cfg.Agent.ID
			}
			last, ok, err := s.deps.Heartbeat.Last(agentID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, protocol.NewError(protocol.ErrNotFound, "no heartbeat recorded for %s", agentID)
			}
			return map[string]any{"last": last}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodWake,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"agent_id": {Type: ParamString},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Heartbeat == nil {
				return nil, errUnavailable("heartbeat")
			}
			agentID := paramString(call.Params, "agent_id")
			if agentID == "" {
				agentID = s.cfg.Agent.ID
			}
			run, err := s.deps.Heartbeat.Wake(agentID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run": run}, nil
		},
	})
}

func (s *Server) registerApprovalMethods() {
	s.router.Register(&Method{
		Name:   protocol.MethodApprovalRequest,
		Scopes: []string{protocol.ScopeApprovals, protocol.ScopeAdmin},
		Params: map[string]Param{
			"session_key": {Type: ParamString, Required: true},
			"agent_id":    {Type: ParamString},
			"command":     {Type: ParamString, Required: true},
			"meta":        {Type: ParamMapping},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Approvals == nil {
				return nil, errUnavailable("approvals")
			}
			sessionKey, err := requireString(call.Params, "session_key")
			if err != nil {
				return nil, err
			}
			command, err := requireString(call.Params, "command")
			if err != nil {
				return nil, err
			}
			agentID := paramString(call.Params, "agent_id")
			if agentID == "" {
				agentID = s.cfg.Agent.ID
			}
			decision, err := s.deps.Approvals.Request(ctx, sessionKey, agentID, command, paramMap(call.Params, "meta"))
			if err != nil {
				return map[string]any{"decision": string(decision), "expired": true}, nil
			}
			return map[string]any{"decision": string(decision)}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodApprovalResolve,
		Scopes: []string{protocol.ScopeApprovals, protocol.ScopeAdmin},
		Params: map[string]Param{
			"approval_id": {Type: ParamString, Required: true},
			"decision":    {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Approvals == nil {
				return nil, errUnavailable("approvals")
			}
			approvalID, err := requireString(call.Params, "approval_id")
			if err != nil {
				return nil, err
			}
			decision, err := requireString(call.Params, "decision")
			if err != nil {
				return nil, err
			}
			if err := s.deps.Approvals.ResolveApproval(ctx, approvalID, approvals.Decision(decision)); err != nil {
				return nil, err
			}
			return map[string]any{"resolved": approvalID}, nil
		},
	})
}

// registerCapabilityMethods installs optional method groups per config.
func (s *Server) registerCapabilityMethods() {
	caps := s.cfg.Gateway.Capabilities

	if caps.Voicewake {
		s.registerVoicewake()
	}
	if caps.Pairing {
		s.registerPairing()
	}
	if caps.Updates {
		s.router.Register(&Method{
			Name:   protocol.MethodUpdatesCheck,
			Scopes: []string{protocol.ScopeRead, protocol.ScopeAdmin},
			Handler: func(ctx context.Context, call *Call) (any, error) {
				return map[string]any{"current": s.deps.Version, "update_available": false}, nil
			},
		})
		s.router.Register(&Method{
			Name:   protocol.MethodUpdatesApply,
			Scopes: []string{protocol.ScopeAdmin},
			Handler: func(ctx context.Context, call *Call) (any, error) {
				return nil, protocol.NewError(protocol.ErrNotImplemented, "in-place updates are not supported on this build")
			},
		})
	}
	if caps.TTS {
		s.router.Register(&Method{
			Name:   protocol.MethodTTSStatus,
			Scopes: []string{protocol.ScopeRead},
			Handler: func(ctx context.Context, call *Call) (any, error) {
				return map[string]any{"enabled": false}, nil
			},
		})
	}
	if caps.Wizard {
		s.router.Register(&Method{
			Name:   protocol.MethodWizardStart,
			Scopes: []string{protocol.ScopeAdmin},
			Handler: func(ctx context.Context, call *Call) (any, error) {
				return nil, protocol.NewError(protocol.ErrNotImplemented, "wizard runs via the onboard command")
			},
		})
	}
}

const settingsTable = "settings"

func (s *Server) registerVoicewake() {
	s.router.Register(&Method{
		Name:   protocol.MethodVoicewakeGet,
		Scopes: []string{protocol.ScopeRead},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Store == nil {
				return nil, errUnavailable("store")
			}
			v, ok, err := s.deps.Store.Get(settingsTable, "voicewake")
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]any{"enabled": false}, nil
			}
			return v, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodVoicewakeSet,
		Scopes: []string{protocol.ScopeWrite, protocol.ScopeAdmin},
		Params: map[string]Param{
			"enabled": {Type: ParamBoolean, Required: true},
			"phrase":  {Type: ParamString},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Store == nil {
				return nil, errUnavailable("store")
			}
			enabled := false
			if p := paramBoolPtr(call.Params, "enabled"); p != nil {
				enabled = *p
			}
			v := map[string]any{"enabled": enabled}
			if phrase := paramString(call.Params, "phrase"); phrase != "" {
				v["phrase"] = phrase
			}
			if err := s.deps.Store.Put(settingsTable, "voicewake", v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

func (s *Server) registerPairing() {
	s.router.Register(&Method{
		Name:   protocol.MethodPairingRequest,
		Scopes: []string{protocol.ScopePairing, protocol.ScopeAdmin},
		Params: map[string]Param{
			"client_id": {Type: ParamString, Required: true},
			"scopes":    {Type: ParamList},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			clientID, err := requireString(call.Params, "client_id")
			if err != nil {
				return nil, err
			}
			scopes := []string{protocol.ScopeRead}
			if raw, ok := call.Params["scopes"].([]any); ok && len(raw) > 0 {
				scopes = scopes[:0]
				for _, v := range raw {
					if sc, ok := v.(string); ok {
						scopes = append(scopes, sc)
					}
				}
			}
			code := clock.NewID(clock.KindSession)
			s.pairPending.Store(code, pairRequest{ClientID: clientID, Scopes: scopes})
			return map[string]any{"code": code, "scopes": scopes}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodPairingApprove,
		Scopes: []string{protocol.ScopeAdmin},
		Params: map[string]Param{
			"code": {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			code, err := requireString(call.Params, "code")
			if err != nil {
				return nil, err
			}
			v, ok := s.pairPending.LoadAndDelete(code)
			if !ok {
				return nil, protocol.NewError(protocol.ErrNotFound, "no pairing request for code")
			}
			req := v.(pairRequest)
			token := clock.NewID(clock.KindSession)
			if err := s.tokens.Mint(token, "paired:"+req.ClientID, req.Scopes); err != nil {
				return nil, err
			}
			return map[string]any{"token": token, "client_id": req.ClientID, "scopes": req.Scopes}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodPairingList,
		Scopes: []string{protocol.ScopePairing, protocol.ScopeAdmin},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Store == nil {
				return nil, errUnavailable("store")
			}
			entries, err := s.deps.Store.List(store.TableSessionTokens)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]any{
					"token_hash": e.Key,
					"role":       e.Value["role"],
					"created_ms": e.Value["created_ms"],
				})
			}
			return map[string]any{"tokens": out}, nil
		},
	})
	s.router.Register(&Method{
		Name:   protocol.MethodPairingRevoke,
		Scopes: []string{protocol.ScopePairing, protocol.ScopeAdmin},
		Params: map[string]Param{
			"token_hash": {Type: ParamString, Required: true},
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			if s.deps.Store == nil {
				return nil, errUnavailable("store")
			}
			hash, err := requireString(call.Params, "token_hash")
			if err != nil {
				return nil, err
			}
			if err := s.deps.Store.Delete(store.TableSessionTokens, hash); err != nil {
				return nil, err
			}
			return map[string]any{"revoked": hash}, nil
		},
	})
}

func errUnavailable(component string) error {
	return protocol.NewError(protocol.ErrUnavailable, "%s is not available on this gateway", component)
}
