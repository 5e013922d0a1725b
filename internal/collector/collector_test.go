package collector

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *cache.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()

	cacheStore, err := cache.OpenInMemory(clock)
	require.NoError(t, err)
	t.Cleanup(func() { cacheStore.Close() })

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := source.NewRegistry([]source.Source{
		fakeSource("weather_fake", domain.ChannelMeteorology, false),
		fakeSource("weather_bad", domain.ChannelMeteorology, true),
		fakeSource("geology_fake", domain.ChannelGeology, false),
	})

	logger := observability.NewLogger("error", "text")
	metrics := observability.NewMetricsForTesting()

	return New(registry, cacheStore, st, metrics, logger, clock, 4, 2, time.Minute), cacheStore, clock
}

func fakeSource(name string, channel domain.Channel, fail bool) source.Source {
	calls := 0
	return source.Source{
		Name:        name,
		Channel:     channel,
		Reliability: 0.8,
		Mode:        source.KeyModeSimulate,
		FetchFn: func(_ context.Context, region source.RegionInput) domain.RawPayload {
			calls++
			if fail {
				return domain.RawPayload{Source: name, RegionCode: region.Code, Success: false, Error: &domain.SourceError{Kind: domain.ErrKindConnectError, Message: "boom"}}
			}
			return domain.RawPayload{Source: name, RegionCode: region.Code, Success: true, Body: map[string]any{"rain_24h": 5.0}}
		},
		NormalizeFn: func(raw domain.RawPayload) domain.NormalizedObservation {
			obs := domain.NormalizedObservation{}
			if raw.Success {
				v := 5.0
				obs.Rain24h = &v
			}
			return obs
		},
	}
}

func TestCollectPartitionsSuccessAndError(t *testing.T) {
	c, _, _ := newTestCollector(t)

	regions := []source.RegionInput{{Code: "110101", Name: "东城区"}}
	results, err := c.Collect(context.Background(), regions)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	require.ElementsMatch(t, []string{"weather_fake"}, res.Status.Success[domain.ChannelMeteorology])
	require.ElementsMatch(t, []string{"geology_fake"}, res.Status.Success[domain.ChannelGeology])
	require.Contains(t, res.Status.Errors, "weather_bad")
	require.Equal(t, domain.ErrKindConnectError, res.Status.Errors["weather_bad"].Kind)
	require.Contains(t, res.Observations, "weather_fake")
}

func TestCollectUsesCacheOnSecondCall(t *testing.T) {
	c, cacheStore, clock := newTestCollector(t)
	region := source.RegionInput{Code: "310101", Name: "黄浦区"}

	_, err := c.Collect(context.Background(), []source.RegionInput{region})
	require.NoError(t, err)

	cached, ok, err := cache.GetJSON[domain.RawPayload](context.Background(), cacheStore, cache.ScraperPayloadKey("weather_fake", region.Code))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cached.Success)

	clock.Advance(time.Second)
	results, err := c.Collect(context.Background(), []source.RegionInput{region})
	require.NoError(t, err)
	require.NotNil(t, results[0].Observations["weather_fake"].Rain24h)
	require.True(t, results[0].Status.CacheHits["weather_fake"])
}

func TestCollectHandlesEmptyBatch(t *testing.T) {
	c, _, _ := newTestCollector(t)
	results, err := c.Collect(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}
