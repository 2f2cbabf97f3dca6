package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-edflow/internal/observability/metrics"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func ok(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	router := NewOpsHandler("0.1.0", nil, nil).Router()

	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"edflow","version":"0.1.0"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	router := NewOpsHandler("0.1.0", nil, nil,
		Check{Name: "cache", Fn: ok},
		Check{Name: "redpanda", Fn: ok},
	).Router()

	rec := get(t, router, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ReadyResponse{Status: "ready", Checks: map[string]string{"cache": "ok", "redpanda": "ok"}}, resp)
}

func TestReady_FailingCheck(t *testing.T) {
	router := NewOpsHandler("0.1.0", nil, nil,
		Check{Name: "cache", Fn: ok},
		Check{Name: "redpanda", Fn: func(context.Context) error { return errors.New("no brokers reachable") }},
	).Router()

	rec := get(t, router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "no brokers reachable", resp.Checks["redpanda"])
	assert.Equal(t, "ok", resp.Checks["cache"])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveReading("high")

	router := NewOpsHandler("0.1.0", metrics.HandlerFor(reg), nil).Router()

	rec := get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `edflow_readings_appended_total{band="high"} 1`)
}

func TestMetrics_OmittedWithoutHandler(t *testing.T) {
	router := NewOpsHandler("0.1.0", nil, nil).Router()
	assert.Equal(t, http.StatusNotFound, get(t, router, "/metrics").Code)
}
