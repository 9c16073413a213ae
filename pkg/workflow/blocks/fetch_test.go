package blocks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

func fetchContext() *workflow.Context {
	ctx := workflow.NewContext()
	ctx.State["token"] = "abc"
	return ctx
}

func fetchBlock(logic map[string]any) *workflow.Block {
	return &workflow.Block{ID: "b1", Name: "fetch data", Type: "fetch", Logic: logic}
}

func TestFetchHandler(t *testing.T) {
	// httptest binds loopback, so the guard is disabled for everything but
	// the guard test itself.
	handler := NewFetchHandler(http.DefaultClient).WithGuardDisabled()

	t.Run("json response binds full shape", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{"items": []any{"a", "b"}})
		}))
		defer server.Close()

		result, err := handler.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":        server.URL,
			"fetch_headers":    map[string]any{"Authorization": "Bearer {{$state.token}}"},
			"fetch_bind_value": "response",
		}), fetchContext())
		require.NoError(t, err)

		bound, ok := result.StateDelta["response"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 200, bound["status"])
		assert.Equal(t, "OK", bound["statusText"])
		assert.Equal(t, map[string]any{"items": []any{"a", "b"}}, bound["body"])
	})

	t.Run("post serializes body as json", func(t *testing.T) {
		var gotBody []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		_, err := handler.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":    server.URL,
			"fetch_method": "POST",
			"fetch_body":   map[string]any{"name": "x"},
		}), fetchContext())
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"x"}`, string(gotBody))
	})

	t.Run("retries until status accepted", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		result, err := handler.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":            server.URL,
			"fetch_retry_delay_ms": 1,
			"fetch_bind_value":     "out",
		}), fetchContext())
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 200, result.StateDelta["out"].(map[string]any)["status"])
	})

	t.Run("exhausted retries surface provider error", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := handler.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":            server.URL,
			"fetch_max_retries":    2,
			"fetch_retry_delay_ms": 1,
		}), fetchContext())
		require.Error(t, err)

		var provErr *errors.ProviderError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, http.StatusBadGateway, provErr.StatusCode)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("custom accepted patterns", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		result, err := handler.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":                   server.URL,
			"fetch_accepted_status_codes": []any{"2xx", "404"},
			"fetch_bind_value":            "out",
		}), fetchContext())
		require.NoError(t, err)
		assert.Equal(t, 404, result.StateDelta["out"].(map[string]any)["status"])
	})

	t.Run("private address rejected with zero attempts", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer server.Close()

		guarded := NewFetchHandler(http.DefaultClient)
		_, err := guarded.Handle(context.Background(), fetchBlock(map[string]any{
			"fetch_url":         server.URL, // httptest binds 127.0.0.1
			"fetch_max_retries": 3,
		}), fetchContext())
		require.Error(t, err)

		var policyErr *errors.PolicyError
		require.ErrorAs(t, err, &policyErr)
		assert.Equal(t, "ssrf", policyErr.Rule)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("missing url is a validation error", func(t *testing.T) {
		_, err := handler.Handle(context.Background(), fetchBlock(map[string]any{}), fetchContext())
		var valErr *errors.ValidationError
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, "fetch_url", valErr.Field)
	})
}

func TestMatchStatus(t *testing.T) {
	tests := []struct {
		status  int
		pattern string
		want    bool
	}{
		{200, "2xx", true},
		{204, "2xx", true},
		{299, "2xx", true},
		{301, "2xx", false},
		{200, "20x", true},
		{210, "20x", false},
		{404, "404", true},
		{404, "405", false},
		{404, "4xx", true},
		{99, "2xx", false},
		{200, "2XX", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchStatus(tt.status, tt.pattern), "%d vs %s", tt.status, tt.pattern)
	}
}
