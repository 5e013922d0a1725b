package source

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// SlugResolver maps a region name to the scraper site's URL slug (spec
// §4.1 guardrail 5): first a curated override table, then a city index
// built once from an index page, then at most one conservative URL
// variant. cityLevelOnly skips the heuristic variant for districts and
// counties.
type SlugResolver struct {
	overrides     map[string]string
	cityLevelOnly bool

	indexURL string
	client   *http.Client

	mu        sync.Mutex
	cityIndex map[string]string
	built     bool
}

// NewSlugResolver builds a resolver from a curated override table (keyed
// by normalized region name) and the URL of a city index page to scan
// lazily on first use.
func NewSlugResolver(overrides map[string]string, indexURL string, cityLevelOnly bool, client *http.Client) *SlugResolver {
	norm := make(map[string]string, len(overrides))
	for k, v := range overrides {
		norm[normalizeRegionName(k)] = v
	}
	return &SlugResolver{overrides: norm, cityLevelOnly: cityLevelOnly, indexURL: indexURL, client: client}
}

// Resolve returns a slug for regionName, or ("", false) if none of the
// three strategies produced one.
func (r *SlugResolver) Resolve(ctx context.Context, regionName string, isDistrictOrCounty bool) (string, bool) {
	norm := normalizeRegionName(regionName)

	// (a) curated override, preferring the longest matching suffix-stripped
	// candidate name (e.g. "海淀区" stripped to "海淀" before lookup).
	for _, candidate := range candidateNames(norm) {
		if slug, ok := r.overrides[candidate]; ok {
			return slug, true
		}
	}

	// (b) city index, built once.
	index := r.ensureCityIndex(ctx)
	for _, candidate := range candidateNames(norm) {
		if slug, ok := index[candidate]; ok {
			return slug, true
		}
	}

	// (c) at most one conservative variant, skipped for city_level_only
	// districts/counties.
	if isDistrictOrCounty && r.cityLevelOnly {
		return "", false
	}
	if variant := conservativeVariant(norm); variant != "" {
		return variant, true
	}
	return "", false
}

func (r *SlugResolver) ensureCityIndex(ctx context.Context) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return r.cityIndex
	}
	r.built = true
	r.cityIndex = make(map[string]string)
	if r.indexURL == "" || r.client == nil {
		return r.cityIndex
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.indexURL, nil)
	if err != nil {
		return r.cityIndex
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return r.cityIndex
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return r.cityIndex
	}

	buf := make([]byte, 1<<20)
	n, _ := resp.Body.Read(buf)
	r.cityIndex = extractCityIndexFromHTML(string(buf[:n]))
	return r.cityIndex
}

var (
	cityIndexHrefRe = regexp.MustCompile(`href="/([a-z0-9-]+)/?"[^>]*>([^<]+)</a>`)
	districtSuffixes = []string{"区", "县", "市", "州", "盟", "旗"}
)

// extractCityIndexFromHTML builds a region-name -> slug map from an index
// page's anchor tags. Regex-based, per DESIGN.md's standard-library
// justification for HTML scraping: no corpus example imports an HTML
// parser for this shape of extraction.
func extractCityIndexFromHTML(html string) map[string]string {
	out := make(map[string]string)
	for _, m := range cityIndexHrefRe.FindAllStringSubmatch(html, -1) {
		slug, name := m[1], strings.TrimSpace(m[2])
		if slug == "" || name == "" {
			continue
		}
		out[normalizeRegionName(name)] = slug
	}
	return out
}

// normalizeRegionName lower-cases and trims a region name for lookup.
func normalizeRegionName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// candidateNames returns the full name plus longest-suffix-stripped
// variants, longest first, so a more specific match wins over a shorter
// one (spec §4.1: "longest-suffix-stripped match preferred").
func candidateNames(normalized string) []string {
	candidates := []string{normalized}
	for _, suffix := range districtSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			candidates = append(candidates, strings.TrimSuffix(normalized, suffix))
		}
	}
	return candidates
}

// conservativeVariant builds the single heuristic URL-slug guess: the
// normalized name with whitespace collapsed to hyphens. Anything riskier
// than this single guess is out of scope per spec §4.1 guardrail 5.
func conservativeVariant(normalized string) string {
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		return ""
	}
	return strings.ReplaceAll(trimmed, " ", "-")
}

// BuildTemplateURL fills a templated scraper URL with a resolved slug.
func BuildTemplateURL(template, slug string) string {
	return strings.ReplaceAll(template, "{slug}", slug)
}

// slugCacheTTL is a 24-hour lifetime for resolved slugs. SlugResolver does
// not read it: resolved slugs are not cached, and the city index, once
// built, is kept for the life of the process with no expiry.
const slugCacheTTL = 24 * time.Hour
