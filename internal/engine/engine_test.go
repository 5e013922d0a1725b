package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/collector"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/publish"
	"github.com/couchcryptid/geowarn-engine/internal/runner"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

func floatp(v float64) *float64 { return &v }

func newTestEngine(t *testing.T) *Engine {
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

	return New(ctrl)
}

func TestTriggerSyncReturnsDecisionsAndIdleState(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.TriggerSync(context.Background(), "req-1", false, nil)
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	require.False(t, result.State.Running)
}

func TestTriggerAsyncAcceptsSequentialCallsOnceEachCompletes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := e.TriggerAsync(ctx, "req-1", false, nil)
	require.True(t, first.Accepted)
	require.Eventually(t, func() bool {
		state, err := e.Status(ctx)
		return err == nil && !state.Running
	}, time.Second, time.Millisecond)

	second := e.TriggerAsync(ctx, "req-2", true, nil)
	require.True(t, second.Accepted)
}

func TestAbortWithNoActiveRunReportsNotRunning(t *testing.T) {
	e := newTestEngine(t)

	result := e.Abort(context.Background())
	require.False(t, result.OK)
	require.False(t, result.Running)
	require.Equal(t, domain.ErrNotRunning.Error(), result.Message)
}

func TestResetIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Reset(context.Background()))
	require.NoError(t, e.Reset(context.Background()))
}

func TestDebugRandomizeDoesNotTouchStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	decisions, err := e.DebugRandomize(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	state, err := e.Status(ctx)
	require.NoError(t, err)
	require.False(t, state.Running)
}

func TestResetScraperRuntimeClearsCacheWhenRequested(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.ResetScraperRuntime(context.Background(), true))
}

func TestDebugLastCollectionReflectsMostRecentRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.TriggerSync(ctx, "req-1", false, nil)
	require.NoError(t, err)

	results := e.DebugLastCollection()
	require.NotEmpty(t, results)
}
