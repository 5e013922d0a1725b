// Package collector implements the Collection Orchestrator (C2): bounded
// concurrent fan-out over the registered sources for a batch of regions,
// consulting the two-tier cache before any network call and attaching the
// previous-warning snapshot and historical-pressure count the Fusion
// Pipeline needs (spec §4.2).
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/observability"
	"github.com/couchcryptid/geowarn-engine/internal/source"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

// historicalPressureWindowYears is the rolling window spec §4.2 defaults
// the historical-event count to.
const historicalPressureWindowYears = 10

// Collector fans a batch of regions out over a Source Registry.
type Collector struct {
	registry *source.Registry
	cache    *cache.Store
	store    *store.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    clockwork.Clock

	maxConcurrency     int
	scraperMaxParallel int
	cacheTTL           time.Duration

	sf singleflight.Group
}

// New builds a Collector. maxConcurrency bounds total in-flight source
// fetches across the whole batch; scraperMaxParallel further bounds the
// subset of those fetches going through a `*_scraper` source, mirroring
// spec §4.2's separate global/per-domain caps.
func New(registry *source.Registry, cacheStore *cache.Store, st *store.Store, metrics *observability.Metrics, logger *slog.Logger, clock clockwork.Clock, maxConcurrency, scraperMaxParallel int, cacheTTL time.Duration) *Collector {
	return &Collector{
		registry:           registry,
		cache:              cacheStore,
		store:              st,
		metrics:            metrics,
		logger:             logger,
		clock:              clock,
		maxConcurrency:     maxConcurrency,
		scraperMaxParallel: scraperMaxParallel,
		cacheTTL:           cacheTTL,
	}
}

// Collect runs every registered source against every region in the batch
// and returns one CollectionResult per region, in input order. A non-nil
// error here means the batch itself could not complete (context
// cancellation); individual source failures never produce one — they are
// recorded in each result's SourceStatus.
func (c *Collector) Collect(ctx context.Context, regions []source.RegionInput) ([]domain.CollectionResult, error) {
	sources := c.registry.All()

	observations := make([]map[string]domain.NormalizedObservation, len(regions))
	statuses := make([]domain.SourceStatus, len(regions))
	locks := make([]sync.Mutex, len(regions))
	for i := range regions {
		observations[i] = make(map[string]domain.NormalizedObservation)
		statuses[i] = domain.NewSourceStatus()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	scraperSem := make(chan struct{}, max(1, c.scraperMaxParallel))

	for ri, region := range regions {
		for _, src := range sources {
			ri, region, src := ri, region, src
			g.Go(func() error {
				if isScraperSource(src.Name) {
					select {
					case scraperSem <- struct{}{}:
						defer func() { <-scraperSem }()
					case <-gctx.Done():
						return nil
					}
				}

				raw := c.fetchWithCache(gctx, src, region)
				obs := src.Normalize(raw)

				locks[ri].Lock()
				recordOutcome(&statuses[ri], observations[ri], src, raw, obs)
				locks[ri].Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect batch: %w", err)
	}

	results := make([]domain.CollectionResult, len(regions))
	for i, region := range regions {
		results[i] = c.attachContext(ctx, region, observations[i], statuses[i])
	}
	return results, nil
}

// fetchWithCache checks the durable cache, falling through to the source's
// own fetch on a miss, with singleflight collapsing concurrent identical
// (source, region) requests into one (spec §4.2 / §9 invariant iii).
func (c *Collector) fetchWithCache(ctx context.Context, src source.Source, region source.RegionInput) domain.RawPayload {
	key := src.Name + ":" + region.Code
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.fetchOne(ctx, src, region), nil
	})
	if err != nil {
		return domain.RawPayload{Source: src.Name, RegionCode: region.Code, FetchedAt: c.clock.Now(), Error: &domain.SourceError{Kind: domain.ErrKindConnectError, Message: err.Error()}}
	}
	return v.(domain.RawPayload)
}

func (c *Collector) fetchOne(ctx context.Context, src source.Source, region source.RegionInput) domain.RawPayload {
	cacheKey := cache.ScraperPayloadKey(src.Name, region.Code)

	if cached, ok, err := cache.GetJSON[domain.RawPayload](ctx, c.cache, cacheKey); err != nil {
		c.logger.Warn("cache lookup failed, falling through to fetch", "source", src.Name, "region_code", region.Code, "error", err)
	} else if ok {
		c.metrics.CacheLookups.WithLabelValues("durable", "hit").Inc()
		c.metrics.SourceFetchOutcome.WithLabelValues(src.Name, "cache_hit").Inc()
		cached.CacheHit = true
		return cached
	} else {
		c.metrics.CacheLookups.WithLabelValues("durable", "miss").Inc()
	}

	start := c.clock.Now()
	raw := src.Fetch(ctx, region)
	c.metrics.SourceFetchDuration.WithLabelValues(src.Name).Observe(c.clock.Now().Sub(start).Seconds())

	outcome := "success"
	if !raw.Success {
		outcome = "error"
	}
	c.metrics.SourceFetchOutcome.WithLabelValues(src.Name, outcome).Inc()

	if raw.Success {
		if err := cache.SetJSON(ctx, c.cache, cacheKey, raw, c.cacheTTL); err != nil {
			c.logger.Warn("cache write failed", "source", src.Name, "region_code", region.Code, "error", err)
		}
	}
	return raw
}

// recordOutcome partitions one source's result into the region's
// success/error SourceStatus and observation map, tagging a successful
// fetch that was served from the durable cache.
func recordOutcome(status *domain.SourceStatus, obs map[string]domain.NormalizedObservation, src source.Source, raw domain.RawPayload, normalized domain.NormalizedObservation) {
	if raw.Success {
		status.Success[src.Channel] = append(status.Success[src.Channel], src.Name)
		obs[src.Name] = normalized
		if raw.CacheHit {
			status.CacheHits[src.Name] = true
		}
		return
	}
	if raw.Error != nil {
		status.Errors[src.Name] = *raw.Error
	}
}

// attachContext loads the previous-warning snapshot and historical-pressure
// count for one region and assembles its CollectionResult. Lookup failures
// are logged and treated as "no data" rather than failing the batch — the
// pipeline tolerates an absent previous snapshot (spec §4.4 stage 6).
func (c *Collector) attachContext(ctx context.Context, region source.RegionInput, obs map[string]domain.NormalizedObservation, status domain.SourceStatus) domain.CollectionResult {
	prev, err := c.store.LatestWarning(ctx, region.Code)
	if err != nil {
		c.logger.Warn("previous warning snapshot lookup failed", "region_code", region.Code, "error", err)
	}

	pressure, err := c.store.CountHistoricalEvents(ctx, region.Code, historicalPressureWindowYears, c.clock.Now())
	if err != nil {
		c.logger.Warn("historical pressure lookup failed", "region_code", region.Code, "error", err)
	}

	lastQualifying, found, err := c.store.LastQualifyingWarning(ctx, region.Code)
	if err != nil {
		c.logger.Warn("last qualifying warning lookup failed", "region_code", region.Code, "error", err)
	}

	return domain.CollectionResult{
		RegionCode:          region.Code,
		RegionName:          region.Name,
		Lat:                 region.Lat,
		Lon:                 region.Lon,
		Observations:        obs,
		Status:              status,
		HistoricalPressure:  pressure,
		Previous:            prev,
		LastQualifying:      lastQualifying,
		LastQualifyingFound: found,
	}
}

func isScraperSource(name string) bool {
	return strings.HasSuffix(name, "_scraper")
}
