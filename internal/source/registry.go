package source

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/config"
)

// BuildRegistry constructs every source adapter from configuration and
// registers them in the fixed order spec §4.1 lists them: meteorology
// sources, then geology sources. It is the single place that wires the
// slug resolver, the WU key manager, and the CMA station map into the
// concrete adapters. guardrails is constructed once by the caller (spec
// §5 "shared resources": the rate-limit bucket and cooldown table are
// process-wide) and shared with the run controller's
// reset_scraper_runtime, so it must not be built again here.
// The returned *URLCollisionMap is the same instance every scraper-kind
// source closure captured; the caller (the run controller) must Reset it
// at the start of each run so collisions don't leak across runs (spec
// §4.1 guardrail 6 / §5 "the URL-collision map is per-run, serialized").
func BuildRegistry(cfg *config.Config, stations *StationMap, cacheStore *cache.Store, client *http.Client, clock clockwork.Clock, guardrails *ScraperGuardrails) (*Registry, *URLCollisionMap) {
	collisionMap := NewURLCollisionMap()
	resolver := NewSlugResolver(curatedSlugOverrides, cfg.ScraperCityIndexURL, cfg.CityLevelOnly, client)

	weatherScraperCfg := ScraperConfig{
		Disabled:       cfg.WeatherScraperURLTemplate == "",
		URLTemplate:    cfg.WeatherScraperURLTemplate,
		TimeoutSeconds: cfg.ScraperTimeoutSeconds,
		CollisionMap:   collisionMap,
	}
	geologyScraperCfg := ScraperConfig{
		Disabled:       cfg.GeologyScraperURLTemplate == "",
		URLTemplate:    cfg.GeologyScraperURLTemplate,
		TimeoutSeconds: cfg.ScraperTimeoutSeconds,
		CollisionMap:   collisionMap,
	}

	wuKeys := NewWUKeyManager(cfg.WUAPIKey, cfg.WUKeyDiscoveryURL, time.Duration(cfg.WUKeyRefreshMinutes)*time.Minute, cacheStore, client)

	sources := []Source{
		NewWeatherCMA(cfg.CMAAPIKey, stations, client, cfg.CMATimeoutSeconds, clock),
		NewWeatherAMap(cfg.AMapAPIKey, client, cfg.ScraperTimeoutSeconds, clock),
		NewWeatherWUAPI(cfg.WUEnabled, wuKeys, client, cfg.WUTimeoutSeconds, clock),
		NewWeatherOpenWeather(cfg.OpenWeatherAPIKey, client, cfg.ScraperTimeoutSeconds, clock),
		NewWeatherScraper(weatherScraperCfg, guardrails, resolver, client, clock),
		NewGeologyCGS(cfg.CGSAPIKey, client, cfg.ScraperTimeoutSeconds, clock),
		NewGeologyScraper(geologyScraperCfg, guardrails, resolver, client, clock),
	}

	return NewRegistry(sources), collisionMap
}

// curatedSlugOverrides seeds the scraper slug resolver's first-tier lookup
// (spec §4.1 guardrail 5(a)) for the handful of major cities whose
// official weather-portal slug doesn't follow the index page's naming.
// Expand this table as new mismatches are discovered in production.
var curatedSlugOverrides = map[string]string{
	"北京": "beijing",
	"上海": "shanghai",
	"广州": "guangzhou",
	"深圳": "shenzhen",
	"重庆": "chongqing",
	"天津": "tianjin",
	"成都": "chengdu",
	"杭州": "hangzhou",
}
