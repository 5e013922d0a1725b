package source

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// NewGeologyCGS builds the China Geological Survey adapter (reliability
// 0.88). Geology data changes slowly, so a long cache TTL is expected at
// the collector layer rather than here — this adapter is a plain JSON API
// client with no guardrails of its own.
func NewGeologyCGS(credential string, client *http.Client, timeoutSeconds float64, clock clockwork.Clock) Source {
	mode := ResolveKeyMode(credential)

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if mode == KeyModeDisabled {
			return errorPayload("geology_cgs", region.Code, now, domain.ErrKindDisabled, "geology_cgs disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("geology_cgs", region.Code, now, simulateScraperBody(region.Code, now, domain.ChannelGeology))
		}

		ctx, cancel := httpTimeoutCtx(ctx, timeoutSeconds)
		defer cancel()

		url := fmt.Sprintf("https://api.cgs.example/v1/hazard-survey/%s?key=%s", region.Code, credential)
		var resp cgsHazardResponse
		if c := httpGetJSON(ctx, client, url, &resp); c != nil {
			return errorPayload("geology_cgs", region.Code, now, c.kind, c.message, c.url, c.status)
		}

		body := map[string]any{
			"slope":             resp.SlopeDegrees,
			"fault_distance":    resp.FaultDistanceKM,
			"lithology_risk":    resp.LithologyRisk,
			"historical_events": resp.HistoricalEvents,
		}
		return successPayload("geology_cgs", region.Code, now, body)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if s, ok := toFloat(raw.Body["slope"]); ok {
			obs.Slope = floatPtr(s)
		}
		if d, ok := toFloat(raw.Body["fault_distance"]); ok {
			obs.FaultDistance = floatPtr(d)
		}
		if l, ok := toFloat(raw.Body["lithology_risk"]); ok {
			obs.LithologyRisk = floatPtr(l)
		}
		if n, ok := toFloat(raw.Body["historical_events"]); ok {
			intVal := int(n)
			obs.HistoricalEvents = &intVal
		}
		return obs
	}

	return Source{Name: "geology_cgs", Channel: domain.ChannelGeology, Reliability: 0.88, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

type cgsHazardResponse struct {
	SlopeDegrees     float64 `json:"slope_degrees"`
	FaultDistanceKM  float64 `json:"fault_distance_km"`
	LithologyRisk    float64 `json:"lithology_risk"`
	HistoricalEvents int     `json:"historical_events"`
}

// NewGeologyScraper builds the geology scraper adapter (reliability 0.40),
// the geology channel's equivalent of weather_scraper: same guardrail
// stack, a distinct regex set tuned to hazard-survey page text.
func NewGeologyScraper(cfg ScraperConfig, guardrails *ScraperGuardrails, resolver *SlugResolver, client *http.Client, clock clockwork.Clock) Source {
	mode := KeyModeSimulate
	if cfg.Disabled {
		mode = KeyModeDisabled
	} else if cfg.URLTemplate != "" {
		mode = KeyModeLive
	}

	fetch := func(ctx context.Context, region RegionInput) domain.RawPayload {
		now := clock.Now()
		if mode == KeyModeDisabled {
			return errorPayload("geology_scraper", region.Code, now, domain.ErrKindDisabled, "geology_scraper disabled", "", 0)
		}
		if mode == KeyModeSimulate {
			return successPayload("geology_scraper", region.Code, now, simulateScraperBody(region.Code, now, domain.ChannelGeology))
		}

		slug, ok := resolver.Resolve(ctx, region.Name, cfg.IsDistrictOrCounty(region.Code))
		if !ok {
			return errorPayload("geology_scraper", region.Code, now, domain.ErrKindSlugNotFound, "no slug resolved for "+region.Name, "", 0)
		}
		targetURL := canonicalize(BuildTemplateURL(cfg.URLTemplate, slug))

		if serr := guardrails.CheckDomain(targetURL); serr != nil {
			return domain.RawPayload{Source: "geology_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
		}
		host, _ := hostOf(targetURL)
		if serr := guardrails.CheckCooldown(host); serr != nil {
			return domain.RawPayload{Source: "geology_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
		}
		if owner, collided := cfg.CollisionMap.Claim(targetURL, region.Code); collided {
			return errorPayload("geology_scraper", region.Code, now, domain.ErrKindURLCollision, "url already claimed by "+owner, targetURL, 0)
		}
		if serr := guardrails.Acquire(); serr != nil {
			return domain.RawPayload{Source: "geology_scraper", RegionCode: region.Code, FetchedAt: now, Error: serr}
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
			return domain.RawPayload{Source: "geology_scraper", RegionCode: region.Code, FetchedAt: now, Error: c.toError()}
		}

		metrics, ok := extractGeologyMetrics(html)
		if !ok {
			return errorPayload("geology_scraper", region.Code, now, domain.ErrKindHTMLParseNoMetrics, "no metrics matched in page", targetURL, 0)
		}
		return successPayload("geology_scraper", region.Code, now, metrics)
	}

	normalize := func(raw domain.RawPayload) domain.NormalizedObservation {
		obs := domain.NormalizedObservation{}
		if !raw.Success || raw.Body == nil {
			return obs
		}
		if raw.Body["simulated"] == true {
			obs.Simulated = true
		}
		if s, ok := toFloat(raw.Body["slope"]); ok {
			obs.Slope = floatPtr(s)
		}
		if d, ok := toFloat(raw.Body["fault_distance"]); ok {
			obs.FaultDistance = floatPtr(d)
		}
		if l, ok := toFloat(raw.Body["lithology_risk"]); ok {
			obs.LithologyRisk = floatPtr(l)
		}
		return obs
	}

	return Source{Name: "geology_scraper", Channel: domain.ChannelGeology, Reliability: 0.40, Mode: mode, FetchFn: fetch, NormalizeFn: normalize}
}

var (
	slopeRe         = regexp.MustCompile(`坡度[:：]?\s*([\d.]+)\s*°?`)
	faultDistanceRe = regexp.MustCompile(`(?:断层距离|距断层)[:：]?\s*([\d.]+)\s*km`)
	lithologyRe     = regexp.MustCompile(`岩性(?:风险|指数)[:：]?\s*([\d.]+)`)
)

func extractGeologyMetrics(html string) (map[string]any, bool) {
	out := map[string]any{}
	found := false
	if m := slopeRe.FindStringSubmatch(html); m != nil {
		out["slope"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := faultDistanceRe.FindStringSubmatch(html); m != nil {
		out["fault_distance"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := lithologyRe.FindStringSubmatch(html); m != nil {
		out["lithology_risk"], _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	return out, found
}
