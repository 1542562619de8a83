package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonhq/lemongate/pkg/protocol"
)

func echoMethod(name string, scopes []string, params map[string]Param) *Method {
	return &Method{
		Name:   name,
		Scopes: scopes,
		Params: params,
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return call.Params, nil
		},
	}
}

func dispatch(t *testing.T, r *MethodRouter, method string, scopes []string, params map[string]any) (any, *protocol.Error) {
	t.Helper()
	return r.Dispatch(t.Context(), &Call{
		ConnID: "conn_test",
		Role:   "client",
		Scopes: scopes,
		Method: method,
		Params: params,
	})
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := NewMethodRouter()
	_, perr := dispatch(t, r, "nope", protocol.AllScopes, map[string]any{})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrMethodNotFound, perr.Code)
}

func TestDispatchValidatesBeforeScopes(t *testing.T) {
	r := NewMethodRouter()
	r.Register(echoMethod("m", []string{protocol.ScopeAdmin}, map[string]Param{
		"key": {Type: ParamString, Required: true},
	}))

	// Missing param reported even though scopes would also fail.
	_, perr := dispatch(t, r, "m", []string{protocol.ScopeRead}, map[string]any{})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrInvalidParams, perr.Code)
	assert.Equal(t, []string{"key"}, perr.Details["missing"])

	// Valid params, wrong scopes.
	_, perr = dispatch(t, r, "m", []string{protocol.ScopeRead}, map[string]any{"key": "v"})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrForbidden, perr.Code)

	// Valid params, right scopes.
	result, perr := dispatch(t, r, "m", []string{protocol.ScopeAdmin}, map[string]any{"key": "v"})
	require.Nil(t, perr)
	assert.Equal(t, map[string]any{"key": "v"}, result)
}

func TestParamTypeChecking(t *testing.T) {
	r := NewMethodRouter()
	r.Register(echoMethod("m", nil, map[string]Param{
		"s":   {Type: ParamString},
		"i":   {Type: ParamInteger},
		"b":   {Type: ParamBoolean},
		"map": {Type: ParamMapping},
		"l":   {Type: ParamList},
		"a":   {Type: ParamAny},
	}))

	cases := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"all valid", map[string]any{
			"s": "x", "i": float64(3), "b": true,
			"map": map[string]any{}, "l": []any{}, "a": 42,
		}, true},
		{"string as int", map[string]any{"i": "3"}, false},
		{"fractional int", map[string]any{"i": 3.5}, false},
		{"whole float int", map[string]any{"i": float64(7)}, true},
		{"bool as string", map[string]any{"s": true}, false},
		{"list as mapping", map[string]any{"map": []any{}}, false},
		{"unknown param", map[string]any{"zzz": 1}, false},
		{"empty params", map[string]any{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, perr := dispatch(t, r, "m", nil, tc.params)
			if tc.ok {
				assert.Nil(t, perr)
			} else {
				require.NotNil(t, perr)
				assert.Equal(t, protocol.ErrInvalidParams, perr.Code)
			}
		})
	}
}

func TestNoScopesMeansAnyConnection(t *testing.T) {
	r := NewMethodRouter()
	r.Register(echoMethod("open", nil, nil))
	_, perr := dispatch(t, r, "open", nil, map[string]any{})
	assert.Nil(t, perr)
}

func TestHandlerErrorsPassThrough(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name: "boom",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return nil, protocol.NewError(protocol.ErrNotFound, "gone")
		},
	})
	_, perr := dispatch(t, r, "boom", nil, map[string]any{})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrNotFound, perr.Code)
	assert.Equal(t, "gone", perr.Message)
}

func TestMethodNamesSorted(t *testing.T) {
	r := NewMethodRouter()
	r.Register(echoMethod("zeta", nil, nil))
	r.Register(echoMethod("alpha", nil, nil))
	assert.Equal(t, []string{"alpha", "zeta"}, r.MethodNames())
}
