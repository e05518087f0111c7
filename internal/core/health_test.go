package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func performHealthCheck(t *testing.T, srv *Server) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHandleHealthNoProbes(t *testing.T) {
	srv := newTestServer(t)

	code, body := performHealthCheck(t, srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)
}

func TestHandleHealthAllProbesPass(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", PingFn: func(ctx context.Context) error { return nil }},
		PingProbe{ProbeName: "ledger", PingFn: func(ctx context.Context) error { return nil }},
	}

	code, body := performHealthCheck(t, srv)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Components["database"].Status)
	assert.Equal(t, "healthy", body.Components["ledger"].Status)
}

func TestHandleHealthFailingProbe(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", PingFn: func(ctx context.Context) error { return nil }},
		PingProbe{ProbeName: "ledger", PingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		}},
	}

	code, body := performHealthCheck(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "healthy", body.Components["database"].Status)
	assert.Equal(t, "unhealthy", body.Components["ledger"].Status)
	assert.Equal(t, "connection refused", body.Components["ledger"].Message)
}

func TestHandleHealthPanickingProbe(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", PingFn: func(ctx context.Context) error {
			panic("pool closed")
		}},
	}

	code, body := performHealthCheck(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Components["database"].Message, "probe panicked")
}

// TestHandleHealthSlowProbeTimesOut verifies a probe that never returns is
// reported unhealthy instead of hanging the endpoint.
func TestHandleHealthSlowProbeTimesOut(t *testing.T) {
	srv := newTestServer(t)
	srv.HealthProbes = []HealthProbe{
		PingProbe{ProbeName: "database", PingFn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(500 * time.Millisecond) // report only after the handler gave up
			return ctx.Err()
		}},
	}

	code, body := performHealthCheck(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "health check timed out", body.Components["database"].Message)
}
