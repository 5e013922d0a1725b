package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/collector"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/engine"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/httpapi"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/publish"
	"github.com/couchcryptid/geowarn-engine/internal/runner"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

func floatp(v float64) *float64 { return &v }

type mockReadiness struct{ err error }

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

func newTestServer(t *testing.T, readyErr error) *httpapi.Server {
	t.Helper()
	clock := clockwork.NewFakeClock()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertRegion(context.Background(), domain.Region{Code: "110101", Name: "Dongcheng", Lat: floatp(39.9), Lon: floatp(116.4)}))

	cacheStore, err := cache.OpenInMemory(clock)
	require.NoError(t, err)
	t.Cleanup(func() { cacheStore.Close() })

	registry := source.NewRegistry([]source.Source{
		{
			Name:        "weather_cma",
			Channel:     domain.ChannelMeteorology,
			Reliability: 0.9,
			Mode:        source.KeyModeSimulate,
			FetchFn: func(_ context.Context, region source.RegionInput) domain.RawPayload {
				return domain.RawPayload{Source: "weather_cma", RegionCode: region.Code, Success: true, Body: map[string]any{"rain_24h": 10.0}}
			},
			NormalizeFn: func(raw domain.RawPayload) domain.NormalizedObservation {
				if !raw.Success {
					return domain.NormalizedObservation{}
				}
				return domain.NormalizedObservation{Rain24h: floatp(10)}
			},
		},
	})

	logger := observability.NewLogger("error", "text")
	metrics := observability.NewMetricsForTesting()

	col := collector.New(registry, cacheStore, st, metrics, logger, clock, 8, 4, time.Minute)
	pipe := fusion.New(fusion.DefaultConfig(), nil, logger)
	pub := publish.New(publish.NewBus(), nil, metrics, logger)
	guardrails := source.NewScraperGuardrails(nil, time.Millisecond, 1000, time.Hour, clock)

	ctrl := runner.New(st, cacheStore, registry, col, pipe, pub, guardrails, nil, metrics, logger, clock, runner.Config{
		HeartbeatTimeout:        90 * time.Second,
		WorkflowMaxRuntimeSecs:  240,
		CollectorMaxConcurrency: 8,
		HighRiskHeadSize:        20,
		DefaultRegionLimit:      30,
	})

	eng := engine.New(ctrl)
	return httpapi.NewServer(":0", eng, &mockReadiness{err: readyErr}, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(t, fmt.Errorf("store unavailable"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerSyncEndpointReturnsDecisions(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/trigger_sync", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Decisions []map[string]any `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Decisions, 1)
}

func TestAbortEndpointReturnsConflictWhenIdle(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/abort", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDebugRandomizeEndpointReturnsSyntheticDecisions(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/debug/randomize", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var decisions []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decisions))
	assert.Len(t, decisions, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
