package runner

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
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

func floatp(v float64) *float64 { return &v }

type testHarness struct {
	ctrl  *Controller
	store *store.Store
	cache *cache.Store
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, regionCount int, fetch func(region source.RegionInput) domain.RawPayload) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for i := 0; i < regionCount; i++ {
		code := regionCode(i)
		require.NoError(t, st.UpsertRegion(context.Background(), domain.Region{Code: code, Name: code, Lat: floatp(30), Lon: floatp(104)}))
	}

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
				if fetch != nil {
					return fetch(region)
				}
				return domain.RawPayload{Source: "weather_cma", RegionCode: region.Code, Success: true, Body: map[string]any{"rain_24h": 20.0}}
			},
			NormalizeFn: func(raw domain.RawPayload) domain.NormalizedObservation {
				if !raw.Success {
					return domain.NormalizedObservation{}
				}
				return domain.NormalizedObservation{Rain24h: floatp(20)}
			},
		},
	})

	logger := observability.NewLogger("error", "text")
	metrics := observability.NewMetricsForTesting()

	col := collector.New(registry, cacheStore, st, metrics, logger, clock, 8, 4, time.Minute)
	pipe := fusion.New(fusion.DefaultConfig(), nil, logger)
	pub := publish.New(publish.NewBus(), nil, metrics, logger)
	guardrails := source.NewScraperGuardrails(nil, time.Millisecond, 1000, time.Hour, clock)

	ctrl := New(st, cacheStore, registry, col, pipe, pub, guardrails, nil, metrics, logger, clock, Config{
		HeartbeatTimeout:        90 * time.Second,
		WorkflowMaxRuntimeSecs:  240,
		CollectorMaxConcurrency: 8,
		HighRiskHeadSize:        20,
		DefaultRegionLimit:      30,
	})

	return &testHarness{ctrl: ctrl, store: st, cache: cacheStore, clock: clock}
}

func regionCode(i int) string {
	return "11" + padLeft(i)
}

func padLeft(i int) string {
	s := ""
	n := i
	for len(s) < 4 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func TestTriggerSyncHappyPathCommitsAndUpdatesRisk(t *testing.T) {
	h := newHarness(t, 5, nil)

	decisions, state, err := h.ctrl.TriggerSync(context.Background(), "req-1", TriggerOptions{Mode: domain.ModeFull})
	require.NoError(t, err)
	require.Len(t, decisions, 5)
	require.Equal(t, 5, state.ProcessedRegions)
	require.Equal(t, "", state.LastError)
	require.False(t, state.Running)

	region, err := h.store.GetRegion(context.Background(), regionCode(0))
	require.NoError(t, err)
	require.Equal(t, decisions[0].Level, region.RiskLevel)
}

func TestTriggerRejectsSecondRunWhileFirstHoldsLock(t *testing.T) {
	gate := make(chan struct{})
	released := make(chan struct{})

	h := newHarness(t, 1, func(region source.RegionInput) domain.RawPayload {
		<-gate
		return domain.RawPayload{Source: "weather_cma", RegionCode: region.Code, Success: true, Body: map[string]any{"rain_24h": 5.0}}
	})

	go func() {
		_, _, _ = h.ctrl.TriggerSync(context.Background(), "req-first", TriggerOptions{Mode: domain.ModeFull})
		close(released)
	}()

	require.Eventually(t, func() bool {
		state, err := h.ctrl.Status(context.Background())
		return err == nil && state.Running
	}, time.Second, time.Millisecond)

	_, err := h.ctrl.TriggerAsync(context.Background(), "req-second", TriggerOptions{Mode: domain.ModeFull})
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)

	close(gate)
	<-released
}

func TestAcquireLockEvictsStaleHeartbeat(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()

	first, err := h.ctrl.acquireLock(ctx, "req-1", domain.ModeFull)
	require.NoError(t, err)
	require.True(t, first.Running)

	h.clock.Advance(91 * time.Second)

	second, err := h.ctrl.acquireLock(ctx, "req-2", domain.ModeFull)
	require.NoError(t, err)
	require.Equal(t, "req-2", second.RequestID)
}

func TestAcquireLockRejectsFreshHeartbeat(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()

	_, err := h.ctrl.acquireLock(ctx, "req-1", domain.ModeFull)
	require.NoError(t, err)

	_, err = h.ctrl.acquireLock(ctx, "req-2", domain.ModeFull)
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestRunLoopStopsImmediatelyWhenAbortAlreadyRequested(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	state, err := h.ctrl.acquireLock(ctx, "req-1", domain.ModeFull)
	require.NoError(t, err)

	h.ctrl.mu.Lock()
	h.ctrl.active = &activeRun{requestID: state.RequestID, abort: true}
	h.ctrl.mu.Unlock()

	decisions, final := h.ctrl.runLoop(ctx, state, TriggerOptions{Mode: domain.ModeFull})
	require.Empty(t, decisions)
	require.Equal(t, domain.ErrManualAbort.Error(), final.LastError)
	require.Equal(t, 0, final.ProcessedRegions)
}

func TestRunLoopReportsPartialTimeoutWhenDeadlineAlreadyPassed(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	state, err := h.ctrl.acquireLock(ctx, "req-1", domain.ModeFull)
	require.NoError(t, err)

	h.ctrl.mu.Lock()
	h.ctrl.active = &activeRun{requestID: state.RequestID}
	h.ctrl.mu.Unlock()

	h.clock.Advance(241 * time.Second) // past the 240s default workflow deadline

	decisions, final := h.ctrl.runLoop(ctx, state, TriggerOptions{Mode: domain.ModeFull})
	require.Empty(t, decisions)
	require.Contains(t, final.LastError, "workflow_partial_timeout_after_")
	require.Equal(t, 0, final.ProcessedRegions)
}

func TestDebugRandomizeDoesNotPersist(t *testing.T) {
	h := newHarness(t, 3, nil)
	ctx := context.Background()

	decisions, err := h.ctrl.DebugRandomize(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	region, err := h.store.GetRegion(ctx, regionCode(0))
	require.NoError(t, err)
	require.Equal(t, domain.LevelGreen, region.RiskLevel) // UpsertRegion seeds green; debug_randomize never writes
}

func TestDebugRandomizeIsDeterministicPerRegionCode(t *testing.T) {
	a := baselineScoreFromRegionCode("110101")
	b := baselineScoreFromRegionCode("110101")
	c := baselineScoreFromRegionCode("110102")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestResetClearsLockRegardlessOfHeartbeat(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()

	_, err := h.ctrl.acquireLock(ctx, "req-1", domain.ModeFull)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Reset(ctx))

	state, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	require.False(t, state.Running)
}
