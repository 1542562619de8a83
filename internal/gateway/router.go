package gateway

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

// ParamType enumerates accepted param value shapes.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamMapping ParamType = "mapping"
	ParamList    ParamType = "list"
	ParamAny     ParamType = "any"
)

// Param declares one method parameter.
type Param struct {
	Type     ParamType
	Required bool
}

// Handler services one method call. params has been validated against the
// method's param spec before invocation.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call carries the per-request context a handler sees.
type Call struct {
	ConnID string
	Role   string
	Scopes []string
	Method string
	Params map[string]any
}

// Method is one registered RPC method.
type Method struct {
	Name    string
	Scopes  []string // empty means any authenticated connection
	Params  map[string]Param
	Handler Handler
}

// MethodRouter validates and dispatches request frames to handlers.
// Dispatch order: method_not_found, then invalid_params, then forbidden.
type MethodRouter struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewMethodRouter creates an empty router.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{methods: make(map[string]*Method)}
}

// Register adds a method. Re-registering a name replaces the handler.
func (r *MethodRouter) Register(m *Method) {
	r.mu.Lock()
	r.methods[m.Name] = m
	r.mu.Unlock()
}

// MethodNames returns registered method names, sorted, for the hello frame.
func (r *MethodRouter) MethodNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch runs one call end to end, returning the handler payload or a
// protocol error.
func (r *MethodRouter) Dispatch(ctx context.Context, call *Call) (any, *protocol.Error) {
	r.mu.RLock()
	m, ok := r.methods[call.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrMethodNotFound, "unknown method %q", call.Method)
	}

	if perr := validateParams(m.Params, call.Params); perr != nil {
		return nil, perr
	}

	if len(m.Scopes) > 0 && !scopesIntersect(m.Scopes, call.Scopes) {
		return nil, protocol.NewError(protocol.ErrForbidden, "method %q requires one of scopes %v", call.Method, m.Scopes)
	}

	result, err := m.Handler(ctx, call)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return result, nil
}

func validateParams(spec map[string]Param, params map[string]any) *protocol.Error {
	var missing []string
	for name, p := range spec {
		v, present := params[name]
		if !present || v == nil {
			if p.Required {
				missing = append(missing, name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return protocol.NewError(protocol.ErrInvalidParams, "param %q: expected %s, got %T", name, p.Type, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return protocol.NewError(protocol.ErrInvalidParams, "missing required params").
			WithDetails(map[string]any{"missing": missing})
	}
	for name := range params {
		if _, known := spec[name]; !known {
			return protocol.NewError(protocol.ErrInvalidParams, "unknown param %q", name)
		}
	}
	return nil
}

func typeMatches(t ParamType, v any) bool {
	switch t {
	case ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBoolean:
		_, ok := v.(bool)
		return ok
	case ParamInteger:
		switch n := v.(type) {
		case float64:
			return n == math.Trunc(n)
		case int, int64:
			return true
		}
		return false
	case ParamMapping:
		_, ok := v.(map[string]any)
		return ok
	case ParamList:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func scopesIntersect(need, have []string) bool {
	for _, n := range need {
		for _, h := range have {
			if n == h {
				return true
			}
		}
	}
	return false
}

// paramString fetches an optional string param, defaulting to "".
func paramString(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

// paramInt64 fetches an optional integer param, defaulting to 0.
func paramInt64(params map[string]any, name string) int64 {
	switch n := params[name].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// paramStringPtr fetches an optional string param as a pointer, nil if absent.
func paramStringPtr(params map[string]any, name string) *string {
	if v, ok := params[name].(string); ok {
		return &v
	}
	return nil
}

// paramBoolPtr fetches an optional bool param as a pointer, nil if absent.
func paramBoolPtr(params map[string]any, name string) *bool {
	if v, ok := params[name].(bool); ok {
		return &v
	}
	return nil
}

// paramInt64Ptr fetches an optional integer param as a pointer, nil if absent.
func paramInt64Ptr(params map[string]any, name string) *int64 {
	switch n := params[name].(type) {
	case float64:
		v := int64(n)
		return &v
	case int64:
		return &n
	case int:
		v := int64(n)
		return &v
	}
	return nil
}

// paramMap fetches an optional mapping param, nil if absent.
func paramMap(params map[string]any, name string) map[string]any {
	m, _ := params[name].(map[string]any)
	return m
}

// requireString fetches a required, non-empty string param.
func requireString(params map[string]any, name string) (string, error) {
	s, _ := params[name].(string)
	if s == "" {
		return "", protocol.NewError(protocol.ErrInvalidParams, "param %q must be a non-empty string", name)
	}
	return s, nil
}
