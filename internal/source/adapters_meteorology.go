package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// NewWeatherCMA builds the China Meteorological Administration station
// adapter (reliability 0.92). It is station-based: regions without a
// mapped station return no_station_mapped (spec §4.1). Its native field is
// 3-hour precipitation; normalize accumulates the most recent eight
// samples into rain_24h.
func NewWeatherCMA(credential string, stations *StationMap, client *http.Client, timeoutSeconds float64, clock clockwork.Clock) Source {
	mode := ResolveKeyMode(credential)

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		stationID, ok := stations.StationFor(region.Code)
		if !ok {
			return errorPayload("weather_cma", region.Code, now, domain.ErrKindNoStationMapped, "no CMA station mapped for region", "", 0)
		}

		if mode == KeyModeDisabled {
			return errorPayload("weather_cma", region.Code, now, domain.ErrKindDisabled, "weather_cma disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("weather_cma", region.Code, now, simulateCMABody(region.Code, now))
		}

		ctx, cancel := httpTimeoutCtx(ctx, timeoutSeconds)
		defer cancel()

		url := fmt.Sprintf("https://api.cma.example/v1/stations/%s/precip3h?key=%s", stationID, credential)
		var resp cmaPrecip3hResponse
		if c := httpGetJSON(ctx, client, url, &resp); c != nil {
			return errorPayload("weather_cma", region.Code, now, c.kind, c.message, c.url, c.status)
		}

		body := map[string]any{
			"precip_3h_samples": resp.Samples,
			"humidity":          resp.Humidity,
			"wind_speed":        resp.WindSpeed,
		}
		return successPayload("weather_cma", region.Code, now, body)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if samples, ok := raw.Body["precip_3h_samples"].([]any); ok {
			sum, n := 0.0, 0
			// Accumulate the most recent eight 3-hour samples (=24h) to
			// derive rain_24h; rain_1h is left absent since CMA's native
			// cadence can't resolve sub-3h precipitation (spec §4.1).
			start := 0
			if len(samples) > 8 {
				start = len(samples) - 8
			}
			for _, v := range samples[start:] {
				if f, ok := toFloat(v); ok {
					sum += f
					n++
				}
			}
			if n > 0 {
				obs.Rain24h = floatPtr(sum)
			}
		}
		if h, ok := toFloat(raw.Body["humidity"]); ok {
			obs.Humidity = floatPtr(h)
		}
		if w, ok := toFloat(raw.Body["wind_speed"]); ok {
			obs.WindSpeed = floatPtr(w)
		}
		return obs
	}

	return Source{Name: "weather_cma", Channel: domain.ChannelMeteorology, Reliability: 0.92, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

type cmaPrecip3hResponse struct {
	Samples   []float64 `json:"precip_3h_samples"`
	Humidity  float64   `json:"humidity"`
	WindSpeed float64   `json:"wind_speed"`
}

// NewWeatherAMap builds the AMap realtime-weather adapter (reliability
// 0.70). AMap's realtime endpoint has no millimetric precipitation field,
// so normalize only ever writes the *_est variants and tags
// data_quality_note="precipitation_estimated" (spec §4.1).
func NewWeatherAMap(credential string, client *http.Client, timeoutSeconds float64, clock clockwork.Clock) Source {
	mode := ResolveKeyMode(credential)

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if mode == KeyModeDisabled {
			return errorPayload("weather_amap", region.Code, now, domain.ErrKindDisabled, "weather_amap disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("weather_amap", region.Code, now, simulateAMapBody(region.Code, now))
		}

		ctx, cancel := httpTimeoutCtx(ctx, timeoutSeconds)
		defer cancel()

		url := fmt.Sprintf("https://restapi.amap.com/v3/weather/weatherInfo?city=%s&key=%s&extensions=base", region.Code, credential)
		var resp amapResponse
		if c := httpGetJSON(ctx, client, url, &resp); c != nil {
			return errorPayload("weather_amap", region.Code, now, c.kind, c.message, c.url, c.status)
		}
		if len(resp.Lives) == 0 {
			return errorPayload("weather_amap", region.Code, now, domain.ErrKindHTMLParseNoMetrics, "no live weather entries", url, 0)
		}

		live := resp.Lives[0]
		body := map[string]any{
			"weather_text": live.Weather,
			"humidity":     live.Humidity,
			"wind_speed":   live.WindPower,
		}
		return successPayload("weather_amap", region.Code, now, body)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if h, ok := toFloat(raw.Body["humidity"]); ok {
			obs.Humidity = floatPtr(h)
		}
		if w, ok := toFloat(raw.Body["wind_speed"]); ok {
			obs.WindSpeed = floatPtr(w)
		}
		text, _ := raw.Body["weather_text"].(string)
		est1h, est24h := estimatePrecipFromText(text)
		obs.Rain1hEst = floatPtr(est1h)
		obs.Rain24hEst = floatPtr(est24h)
		obs.DataQualityNote = "precipitation_estimated"
		return obs
	}

	return Source{Name: "weather_amap", Channel: domain.ChannelMeteorology, Reliability: 0.70, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

type amapResponse struct {
	Lives []struct {
		Weather   string `json:"weather"`
		Humidity  string `json:"humidity"`
		WindPower string `json:"windpower"`
	} `json:"lives"`
}

// precipKeywordMM maps a weather-text keyword to an estimated mm/h rate,
// used only when no millimetric source is available (spec §4.1: estimated
// fields enter scoring only when all non-estimated sources are missing).
var precipKeywordMM = []struct {
	keyword string
	mm1h    float64
}{
	{"暴雨", 20},
	{"大雨", 10},
	{"中雨", 5},
	{"小雨", 1.5},
	{"雷阵雨", 8},
	{"阵雨", 3},
}

func estimatePrecipFromText(text string) (rain1h, rain24h float64) {
	for _, kw := range precipKeywordMM {
		if strings.Contains(text, kw.keyword) {
			return kw.mm1h, kw.mm1h * 6 // rough sustained-rate extrapolation
		}
	}
	return 0, 0
}

// NewWeatherWUAPI builds the Weather Underground adapter (reliability
// 0.62). Requires an API key, resolved via WUKeyManager's discovery flow;
// a 401/403 invalidates the active key and retries discovery exactly once
// before returning key_discovery_failed (spec §4.1).
func NewWeatherWUAPI(enabled bool, keys *WUKeyManager, client *http.Client, timeoutSeconds float64, clock clockwork.Clock) Source {
	mode := KeyModeDisabled
	if enabled {
		mode = KeyModeLive
	}

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if !enabled {
			return errorPayload("weather_wu_api", region.Code, now, domain.ErrKindDisabled, "weather_wu_api disabled", "", 0)
		}

		key, kerr := keys.ActiveKey(ctx)
		if kerr != nil {
			return domain.RawPayload{Source: "weather_wu_api", RegionCode: region.Code, FetchedAt: now, Error: kerr}
		}

		body, rerr, _ := fetchWUOnce(ctx, client, timeoutSeconds, region, key)
		if rerr != nil && rerr.Kind == domain.ErrKindAuthFailed {
			keys.Invalidate(ctx)
			newKey, kerr2 := keys.discover(ctx)
			if kerr2 != nil {
				return errorPayload("weather_wu_api", region.Code, now, domain.ErrKindKeyDiscoveryFailed, "key invalidated and retry failed", "", 0)
			}
			body, rerr, _ = fetchWUOnce(ctx, client, timeoutSeconds, region, newKey)
			key = newKey
		}
		if rerr != nil {
			return domain.RawPayload{Source: "weather_wu_api", RegionCode: region.Code, FetchedAt: now, Error: rerr}
		}

		keys.RecordUsable(ctx, key)
		return successPayload("weather_wu_api", region.Code, now, body)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if r1h, ok := toFloat(raw.Body["precip_rate"]); ok {
			obs.Rain1h = floatPtr(r1h)
		}
		if r24h, ok := toFloat(raw.Body["precip_total"]); ok {
			obs.Rain24h = floatPtr(r24h)
		}
		if h, ok := toFloat(raw.Body["humidity"]); ok {
			obs.Humidity = floatPtr(h)
		}
		if w, ok := toFloat(raw.Body["wind_speed"]); ok {
			obs.WindSpeed = floatPtr(w)
		}
		return obs
	}

	return Source{Name: "weather_wu_api", Channel: domain.ChannelMeteorology, Reliability: 0.62, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

func fetchWUOnce(ctx context.Context, client *http.Client, timeoutSeconds float64, region RegionInput, key string) (map[string]any, *domain.SourceError, bool) {
	ctx, cancel := httpTimeoutCtx(ctx, timeoutSeconds)
	defer cancel()

	url := fmt.Sprintf("https://api.weather.com/v2/pws/observations/current?stationId=%s&apiKey=%s&format=json", region.Code, key)
	var resp wuResponse
	if c := httpGetJSON(ctx, client, url, &resp); c != nil {
		return nil, c.toError(), true
	}
	if len(resp.Observations) == 0 {
		return nil, &domain.SourceError{Kind: domain.ErrKindHTMLParseNoMetrics, Message: "no observations", URL: url}, true
	}
	ob := resp.Observations[0]
	body := map[string]any{
		"precip_rate":  ob.Metric.PrecipRate,
		"precip_total": ob.Metric.PrecipTotal,
		"humidity":     ob.Humidity,
		"wind_speed":   ob.Metric.WindSpeed,
	}
	return body, nil, true
}

type wuResponse struct {
	Observations []struct {
		Humidity float64 `json:"humidity"`
		Metric   struct {
			PrecipRate  float64 `json:"precipRate"`
			PrecipTotal float64 `json:"precipTotal"`
			WindSpeed   float64 `json:"windSpeed"`
		} `json:"metric"`
	} `json:"observations"`
}

// NewWeatherOpenWeather builds the OpenWeatherMap current-weather adapter
// (reliability 0.65), a pure backup source.
func NewWeatherOpenWeather(credential string, client *http.Client, timeoutSeconds float64, clock clockwork.Clock) Source {
	mode := ResolveKeyMode(credential)

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if mode == KeyModeDisabled {
			return errorPayload("weather_openweather", region.Code, now, domain.ErrKindDisabled, "weather_openweather disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("weather_openweather", region.Code, now, simulateOpenWeatherBody(region.Code, now))
		}
		if region.Lat == nil || region.Lon == nil {
			return errorPayload("weather_openweather", region.Code, now, domain.ErrKindHTMLParseNoMetrics, "no coordinates for region", "", 0)
		}

		ctx, cancel := httpTimeoutCtx(ctx, timeoutSeconds)
		defer cancel()

		url := fmt.Sprintf("https://api.openweathermap.org/data/2.5/weather?lat=%f&lon=%f&appid=%s&units=metric", *region.Lat, *region.Lon, credential)
		var resp openWeatherResponse
		if c := httpGetJSON(ctx, client, url, &resp); c != nil {
			return errorPayload("weather_openweather", region.Code, now, c.kind, c.message, c.url, c.status)
		}

		body := map[string]any{
			"rain_1h":    resp.Rain.OneHour,
			"humidity":   resp.Main.Humidity,
			"wind_speed": resp.Wind.Speed,
		}
		return successPayload("weather_openweather", region.Code, now, body)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if r1h, ok := toFloat(raw.Body["rain_1h"]); ok && r1h > 0 {
			obs.Rain1h = floatPtr(r1h)
		}
		if h, ok := toFloat(raw.Body["humidity"]); ok {
			obs.Humidity = floatPtr(h)
		}
		if w, ok := toFloat(raw.Body["wind_speed"]); ok {
			obs.WindSpeed = floatPtr(w)
		}
		return obs
	}

	return Source{Name: "weather_openweather", Channel: domain.ChannelMeteorology, Reliability: 0.65, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

type openWeatherResponse struct {
	Main struct {
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
}

// NewWeatherScraper builds the meteorology scraper adapter (reliability
// 0.45), the guardrail-heaviest source: allow-list, government-domain
// block, global rate limiter, per-domain cooldown, slug resolution, and
// URL-collision detection all sit in front of the network call (spec
// §4.1).
func NewWeatherScraper(cfg ScraperConfig, guardrails *ScraperGuardrails, resolver *SlugResolver, client *http.Client, clock clockwork.Clock) Source {
	mode := KeyModeSimulate
	if cfg.Disabled {
		mode = KeyModeDisabled
	} else if cfg.URLTemplate != "" {
		mode = KeyModeLive
	}

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if mode == KeyModeDisabled {
			return errorPayload("weather_scraper", region.Code, now, domain.ErrKindDisabled, "weather_scraper disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("weather_scraper", region.Code, now, simulateScraperBody(region.Code, now, domain.ChannelMeteorology))
		}

		slug, ok := resolver.Resolve(ctx, region.Name, cfg.IsDistrictOrCounty(region.Code))
		if !ok {
			return errorPayload("weather_scraper", region.Code, now, domain.ErrKindSlugNotFound, "no slug resolved for "+region.Name, "", 0)
		}
		targetURL := canonicalize(BuildTemplateURL(cfg.URLTemplate, slug))

		if serr := guardrails.CheckDomain(targetURL); serr != nil {
			return domain.RawPayload{Source: "weather_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
		}
		host, _ := hostOf(targetURL)
		if serr := guardrails.CheckCooldown(host); serr != nil {
			return domain.RawPayload{Source: "weather_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
		}
		if owner, collided := cfg.CollisionMap.Claim(targetURL, region.Code); collided {
			return errorPayload("weather_scraper", region.Code, now, domain.ErrKindURLCollision, "url already claimed by "+owner, targetURL, 0)
		}
		if serr := guardrails.Acquire(); serr != nil {
			return domain.RawPayload{Source: "weather_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
		}

		if guardrails.NeedsWarmup(host) {
			warmupGet(ctx, client, "https://"+host+"/")
			guardrails.MarkWarmed(host)
		}

		ctx, cancel := httpTimeoutCtx(ctx, cfg.TimeoutSeconds)
		defer cancel()

		html, c := httpGetText(ctx, client, targetURL, scraperHeaders)
		if c != nil {
			if c.status == http.StatusForbidden || c.status == http.StatusTooManyRequests {
				guardrails.RecordFailure(host, 30*time.Second)
			}
			return domain.RawPayload{Source: "weather_scraper", RegionCode: region.Code, FetchedAt: now, Error: c.toError()}
		}

		metrics, ok := extractMeteorologyMetrics(html)
		if !ok {
			return errorPayload("weather_scraper", region.Code, now, domain.ErrKindHTMLParseNoMetrics, "no metrics matched in page", targetURL, 0)
		}
		return successPayload("weather_scraper", region.Code, now, metrics)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if raw.Body["simulated"] == true {
			obs.Simulated = true
		}
		if r1h, ok := toFloat(raw.Body["rain_1h"]); ok {
			obs.Rain1h = floatPtr(r1h)
		}
		if r24h, ok := toFloat(raw.Body["rain_24h"]); ok {
			obs.Rain24h = floatPtr(r24h)
		}
		if h, ok := toFloat(raw.Body["humidity"]); ok {
			obs.Humidity = floatPtr(h)
		}
		if sm, ok := toFloat(raw.Body["soil_moisture"]); ok {
			obs.SoilMoisture = floatPtr(sm)
		}
		if w, ok := toFloat(raw.Body["wind_speed"]); ok {
			obs.WindSpeed = floatPtr(w)
		}
		return obs
	}

	return Source{Name: "weather_scraper", Channel: domain.ChannelMeteorology, Reliability: 0.45, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

// ScraperConfig bundles the per-source scraper knobs that aren't shared
// across sources (the shared parts live in ScraperGuardrails).
type ScraperConfig struct {
	Disabled        bool
	URLTemplate     string
	TimeoutSeconds  float64
	CollisionMap    *URLCollisionMap
	DistrictSuffix  string
}

// IsDistrictOrCounty is a conservative guess from the region code shape;
// real deployments would consult the boundary dataset (out of scope, §1).
func (c ScraperConfig) IsDistrictOrCounty(regionCode string) bool {
	return len(regionCode) >= 6
}

var scraperHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (compatible; geowarn-collector/1.0)",
}

func warmupGet(ctx context.Context, client *http.Client, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

var (
	rain1hRe    = regexp.MustCompile(`(?:1\s*小时|1h)\s*降雨量?[:：]?\s*([\d.]+)\s*mm`)
	rain24hRe   = regexp.MustCompile(`(?:24\s*小时|24h)\s*降雨量?[:：]?\s*([\d.]+)\s*mm`)
	humidityRe  = regexp.MustCompile(`湿度[:：]?\s*([\d.]+)\s*%`)
	windRe      = regexp.MustCompile(`风速[:：]?\s*([\d.]+)\s*(?:m/s|米/秒)`)
	soilRe      = regexp.MustCompile(`土壤(?:含水率|湿度)[:：]?\s*([\d.]+)\s*%`)
)

// extractMeteorologyMetrics pulls numeric metrics out of a rendered
// weather page with regex, the same idiom the teacher's own
// extractSourceOffice/parseLocation use for unstructured text (no HTML
// parser library appears anywhere in the corpus, DESIGN.md §12).
func extractMeteorologyMetrics(html string) (map[string]any, bool) {
	out := map[string]any{}
	found := false
	if m := rain1hRe.FindStringSubmatch(html); m != nil {
		out["rain_1h"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := rain24hRe.FindStringSubmatch(html); m != nil {
		out["rain_24h"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := humidityRe.FindStringSubmatch(html); m != nil {
		out["humidity"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := windRe.FindStringSubmatch(html); m != nil {
		out["wind_speed"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := soilRe.FindStringSubmatch(html); m != nil {
		out["soil_moisture"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	return out, found
}

// deterministicRNGSeed derives a stable seed from a region code, used by
// every simulate-mode source (spec §13, grounded on the original's
// _deterministic_rng; debug_randomize seeds itself separately in
// runner.baselineScoreFromRegionCode) so
// repeated calls for the same region land in the same plausible band
// without needing real sources.
func deterministicRNGSeed(regionCode string, salt string) uint64 {
	h := sha256.Sum256([]byte(regionCode + "|" + salt))
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// deterministicUnit returns a stable pseudo-random value in [0,1) derived
// from a region code and salt.
func deterministicUnit(regionCode, salt string) float64 {
	seed := deterministicRNGSeed(regionCode, salt)
	return float64(seed%1_000_000) / 1_000_000.0
}

func simulateCMABody(regionCode string, now time.Time) map[string]any {
	base := deterministicUnit(regionCode, "cma") * 30
	samples := make([]float64, 8)
	for i := range samples {
		samples[i] = base / 8 * (0.6 + 0.8*deterministicUnit(regionCode, fmt.Sprintf("cma-s%d", i)))
	}
	return map[string]any{
		"precip_3h_samples": samples,
		"humidity":          50 + deterministicUnit(regionCode, "cma-h")*40,
		"wind_speed":        deterministicUnit(regionCode, "cma-w") * 12,
		"simulated":         true,
	}
}

func simulateAMapBody(regionCode string, now time.Time) map[string]any {
	texts := []string{"晴", "多云", "小雨", "中雨", "大雨", "阵雨"}
	idx := int(deterministicRNGSeed(regionCode, "amap") % uint64(len(texts)))
	return map[string]any{
		"weather_text": texts[idx],
		"humidity":     40 + deterministicUnit(regionCode, "amap-h")*50,
		"wind_speed":   deterministicUnit(regionCode, "amap-w") * 15,
		"simulated":    true,
	}
}

func simulateOpenWeatherBody(regionCode string, now time.Time) map[string]any {
	return map[string]any{
		"rain_1h":    deterministicUnit(regionCode, "ow-r") * 15,
		"humidity":   45 + deterministicUnit(regionCode, "ow-h")*45,
		"wind_speed": deterministicUnit(regionCode, "ow-w") * 10,
		"simulated":  true,
	}
}

func simulateScraperBody(regionCode string, now time.Time, channel domain.Channel) map[string]any {
	if channel == domain.ChannelGeology {
		return map[string]any{
			"slope":            deterministicUnit(regionCode, "scraper-geo-slope") * 45,
			"fault_distance":   deterministicUnit(regionCode, "scraper-geo-fault") * 20,
			"lithology_risk":   deterministicUnit(regionCode, "scraper-geo-litho"),
			"simulated":        true,
		}
	}
	return map[string]any{
		"rain_1h":       deterministicUnit(regionCode, "scraper-r1") * 25,
		"rain_24h":      deterministicUnit(regionCode, "scraper-r24") * 100,
		"humidity":      40 + deterministicUnit(regionCode, "scraper-h")*50,
		"soil_moisture": deterministicUnit(regionCode, "scraper-sm"),
		"wind_speed":    deterministicUnit(regionCode, "scraper-w") * 12,
		"simulated":     true,
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func floatPtr(f float64) *float64 {
	if math.IsNaN(f) {
		return nil
	}
	return &f
}
