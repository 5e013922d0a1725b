package fusion

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
)

func floatp(v float64) *float64 { return &v }

func TestHappyPathLandslideAndDebrisFlow(t *testing.T) {
	p := New(DefaultConfig(), nil, observability.NewLogger("error", "text"))

	batch := []domain.CollectionResult{
		{
			RegionCode: "R001",
			RegionName: "Test Region",
			Observations: map[string]domain.NormalizedObservation{
				"weather_cma": {Channel: domain.ChannelMeteorology, Rain24h: floatp(80), Rain1h: floatp(20), SoilMoisture: floatp(0.42)},
				"geology_cgs": {Channel: domain.ChannelGeology, Slope: floatp(25), FaultDistance: floatp(3), LithologyRisk: floatp(0.6)},
			},
			Status: domain.SourceStatus{Success: map[domain.Channel][]string{
				domain.ChannelMeteorology: {"weather_cma"},
				domain.ChannelGeology:     {"geology_cgs"},
			}, Errors: map[string]domain.SourceError{}},
		},
	}

	decisions := p.Run(context.Background(), batch, map[string]float64{"weather_cma": 0.92, "geology_cgs": 0.88}, RunOptions{})
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.False(t, d.Retained)
	require.Contains(t, d.HazardCandidates, "landslide")
	require.Contains(t, d.HazardCandidates, "debris_flow")
	require.Equal(t, domain.LevelYellow, d.Level)
}

func TestAllSourcesFailedRetainsPreviousRecord(t *testing.T) {
	p := New(DefaultConfig(), nil, observability.NewLogger("error", "text"))

	batch := []domain.CollectionResult{
		{
			RegionCode: "R001",
			Observations: map[string]domain.NormalizedObservation{},
			Status: domain.SourceStatus{
				Success: map[domain.Channel][]string{},
				Errors:  map[string]domain.SourceError{"weather_cma": {Kind: domain.ErrKindConnectError}},
			},
			Previous: domain.PreviousWarningSnapshot{Level: domain.LevelYellow, Found: true, Confidence: 0.6},
		},
	}

	decisions := p.Run(context.Background(), batch, nil, RunOptions{})
	require.Len(t, decisions, 1)
	require.True(t, decisions[0].Retained)
	require.Equal(t, domain.LevelYellow, decisions[0].Level)
}

func TestHysteresisHoldsLevelWithinMargin(t *testing.T) {
	// Score sits 0.01 above the orange threshold (held), then 0.03 above it
	// (moves); hysteresis requires clearing it by 0.02 to move up from yellow.
	level := decideLevel(thresholdOrange+0.01, domain.LevelYellow, true)
	require.Equal(t, domain.LevelYellow, level)

	level = decideLevel(thresholdOrange+0.03, domain.LevelYellow, true)
	require.Equal(t, domain.LevelOrange, level)
}

func TestDecideLevelDownRequiresOneStepAndMargin(t *testing.T) {
	// Previous is red; score only supports yellow (two steps down) — held.
	level := decideLevel(thresholdYellow+0.01, domain.LevelRed, true)
	require.Equal(t, domain.LevelRed, level)

	// Previous is orange; score drops well below the orange threshold by
	// more than hysteresisDown — allowed to fall one step to yellow.
	level = decideLevel(thresholdOrange-0.1, domain.LevelOrange, true)
	require.Equal(t, domain.LevelYellow, level)
}

func TestMissingFeatureWeightIsRedistributedNotZeroed(t *testing.T) {
	full := mergedObservation{Rain24h: floatp(100), Slope: floatp(30)}
	scoreFull, _ := localScore(full, 0, DefaultWeights())

	partial := mergedObservation{Rain24h: floatp(100)}
	scorePartial, notes := localScore(partial, 0, DefaultWeights())

	require.Greater(t, scorePartial, 0.0)
	require.NotEqual(t, scoreFull, scorePartial)
	require.Contains(t, notes, "weights_redistributed_for_missing_features")
}

func TestMergeKeepsNumericWithinSourceRange(t *testing.T) {
	observations := map[string]domain.NormalizedObservation{
		"a": {Rain24h: floatp(10)},
		"b": {Rain24h: floatp(50)},
	}
	merged := mergeObservations(observations, map[string]float64{"a": 0.9, "b": 0.3})
	require.NotNil(t, merged.Rain24h)
	require.GreaterOrEqual(t, *merged.Rain24h, 10.0)
	require.LessOrEqual(t, *merged.Rain24h, 50.0)
}

func TestEstimatedFieldOnlyUsedWhenNonEstimatedAbsent(t *testing.T) {
	withReal := map[string]domain.NormalizedObservation{
		"wu":   {Rain24h: floatp(20)},
		"amap": {Rain24hEst: floatp(999)},
	}
	merged := mergeObservations(withReal, map[string]float64{"wu": 0.6, "amap": 0.7})
	require.NotNil(t, merged.Rain24h)
	require.Equal(t, 20.0, *merged.Rain24h)
	require.False(t, merged.UsedEstimated)

	onlyEstimated := map[string]domain.NormalizedObservation{
		"amap": {Rain24hEst: floatp(15)},
	}
	merged2 := mergeObservations(onlyEstimated, map[string]float64{"amap": 0.7})
	require.NotNil(t, merged2.Rain24h)
	require.Equal(t, 15.0, *merged2.Rain24h)
	require.True(t, merged2.UsedEstimated)
}

func TestIdempotenceWithoutLLM(t *testing.T) {
	p := New(DefaultConfig(), nil, observability.NewLogger("error", "text"))
	batch := []domain.CollectionResult{
		{
			RegionCode: "R001",
			Observations: map[string]domain.NormalizedObservation{
				"weather_cma": {Channel: domain.ChannelMeteorology, Rain24h: floatp(30)},
			},
			Status: domain.SourceStatus{Success: map[domain.Channel][]string{domain.ChannelMeteorology: {"weather_cma"}}, Errors: map[string]domain.SourceError{}},
		},
	}

	first := p.Run(context.Background(), batch, map[string]float64{"weather_cma": 0.92}, RunOptions{})
	second := p.Run(context.Background(), batch, map[string]float64{"weather_cma": 0.92}, RunOptions{})

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("expected identical decisions across identical runs, diff:\n%s", diff)
	}
}
