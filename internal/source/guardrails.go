package source

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// ScraperGuardrails is the explicitly-constructed, process-wide service
// bundle weather_scraper/geology_scraper must pass every request through
// before touching the network (spec §4.1 guardrails 1-4, §9 "process-wide
// globals -> explicitly-constructed services"). A single instance is
// shared by every scraper-kind source; the URL-collision map (guardrail 6)
// is a separate object, built once by BuildRegistry and reset by the run
// controller at the start of each run.
type ScraperGuardrails struct {
	allowedDomains []string
	clock          clockwork.Clock

	limiter     *rate.Limiter
	windowLimit int
	windowDur   time.Duration

	mu         sync.Mutex
	windowHits []time.Time
	cooldowns  map[string]cooldownState
	warmedAt   map[string]time.Time
}

type cooldownState struct {
	until   time.Time
	attempt int
}

// NewScraperGuardrails builds the shared rate limiter and cooldown table.
// minInterval enforces guardrail 3's minimum inter-request spacing;
// windowLimit/windowDur enforce its rolling-window budget.
func NewScraperGuardrails(allowedDomains []string, minInterval time.Duration, windowLimit int, windowDur time.Duration, clock clockwork.Clock) *ScraperGuardrails {
	if minInterval <= 0 {
		minInterval = time.Millisecond
	}
	return &ScraperGuardrails{
		allowedDomains: allowedDomains,
		clock:          clock,
		limiter:        rate.NewLimiter(rate.Every(minInterval), 1),
		windowLimit:    windowLimit,
		windowDur:      windowDur,
		cooldowns:      make(map[string]cooldownState),
		warmedAt:       make(map[string]time.Time),
	}
}

// CheckDomain enforces guardrails 1-2: the domain must be allow-listed and
// must not look like a government domain.
func (g *ScraperGuardrails) CheckDomain(rawURL string) *domain.SourceError {
	host, err := hostOf(rawURL)
	if err != nil {
		return &domain.SourceError{Kind: domain.ErrKindDomainNotAllowed, Message: "invalid url", URL: rawURL}
	}
	if isGovernmentDomain(host) {
		return &domain.SourceError{Kind: domain.ErrKindDomainNotAllowed, Message: "government domain blocked: " + host, URL: rawURL}
	}
	if !g.domainAllowed(host) {
		return &domain.SourceError{Kind: domain.ErrKindDomainNotAllowed, Message: "domain not on allow-list: " + host, URL: rawURL}
	}
	return nil
}

func (g *ScraperGuardrails) domainAllowed(host string) bool {
	for _, d := range g.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// isGovernmentDomain matches the "*gov*" pattern from spec §4.1 guardrail
// 2 — substring, not a suffix match, since it targets subdomains like
// weather.some-gov-portal.cn as well as .gov.cn.
func isGovernmentDomain(host string) bool {
	return strings.Contains(strings.ToLower(host), "gov")
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}

// Acquire enforces guardrail 3: the global minimum-interval pacing and the
// rolling-window request budget. It reports rate_limited rather than
// blocking, so a caller waiting on a context deadline doesn't stall
// indefinitely behind the limiter.
func (g *ScraperGuardrails) Acquire() *domain.SourceError {
	now := g.clock.Now()

	g.mu.Lock()
	cutoff := now.Add(-g.windowDur)
	kept := g.windowHits[:0]
	for _, t := range g.windowHits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.windowHits = kept
	overBudget := g.windowLimit > 0 && len(g.windowHits) >= g.windowLimit
	g.mu.Unlock()

	if overBudget {
		return &domain.SourceError{Kind: domain.ErrKindRateLimited, Message: "rolling window request budget exceeded"}
	}
	if !g.limiter.AllowN(now, 1) {
		return &domain.SourceError{Kind: domain.ErrKindRateLimited, Message: "minimum request interval not elapsed"}
	}

	g.mu.Lock()
	g.windowHits = append(g.windowHits, now)
	g.mu.Unlock()
	return nil
}

// CheckCooldown enforces guardrail 4: a domain in exponential cooldown
// after a 403/429 returns the same status immediately, without touching
// the network.
func (g *ScraperGuardrails) CheckCooldown(host string) *domain.SourceError {
	g.mu.Lock()
	defer g.mu.Unlock()

	cd, ok := g.cooldowns[host]
	if !ok {
		return nil
	}
	if g.clock.Now().Before(cd.until) {
		return &domain.SourceError{Kind: domain.ErrKindRateLimited, Message: fmt.Sprintf("domain %s in cooldown until %s", host, cd.until.Format(time.RFC3339))}
	}
	return nil
}

// RecordFailure extends a domain's exponential cooldown after a 403/429.
// base is the first-offense cooldown duration (typically tens of seconds);
// each subsequent offense doubles it, capped at 1 hour.
func (g *ScraperGuardrails) RecordFailure(host string, base time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cd := g.cooldowns[host]
	cd.attempt++
	backoff := base << uint(cd.attempt-1)
	const maxBackoff = time.Hour
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	cd.until = g.clock.Now().Add(backoff)
	g.cooldowns[host] = cd
}

// ClearCooldown resets a domain's cooldown, used by reset_scraper_runtime.
func (g *ScraperGuardrails) ClearCooldown(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cooldowns, host)
}

// Reset clears all rate-limiter and cooldown state, the write side of
// reset_scraper_runtime (spec §6). It leaves the session warm-up
// timestamps intact, since those are a performance optimization rather
// than a penalty.
func (g *ScraperGuardrails) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowHits = nil
	g.cooldowns = make(map[string]cooldownState)
}

// sessionWarmTTL bounds how long a warm-up GET keeps a scrape target from
// cold-starting into a 403 (spec §13, grounded on data_sources.py's
// _tianqi_session_warmed_at / _TIANQI_SESSION_TTL_SECONDS).
const sessionWarmTTL = 10 * time.Minute

// NeedsWarmup reports whether host's session warm-up has expired.
func (g *ScraperGuardrails) NeedsWarmup(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.warmedAt[host]
	return !ok || g.clock.Now().Sub(last) > sessionWarmTTL
}

// MarkWarmed records a successful warm-up GET for host.
func (g *ScraperGuardrails) MarkWarmed(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.warmedAt[host] = g.clock.Now()
}

// URLCollisionMap is the per-run, serialized map from canonical URL to the
// region code that first claimed it (spec §4.1 guardrail 6). One instance
// is built by BuildRegistry; the run controller calls Reset at the start
// of each run.
type URLCollisionMap struct {
	mu    sync.Mutex
	owner map[string]string
}

// NewURLCollisionMap returns an empty, run-scoped collision map.
func NewURLCollisionMap() *URLCollisionMap {
	return &URLCollisionMap{owner: make(map[string]string)}
}

// Claim registers canonicalURL as owned by regionCode, or reports the
// existing owner if another region already claimed it this run.
func (m *URLCollisionMap) Claim(canonicalURL, regionCode string) (ownedBy string, collided bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.owner[canonicalURL]; ok && existing != regionCode {
		return existing, true
	}
	m.owner[canonicalURL] = regionCode
	return regionCode, false
}

// Reset clears every claim, so a new run starts with an empty collision
// map rather than inheriting claims from a previous run (spec §4.1
// guardrail 6 / §5: the collision map is scoped to a single run).
func (m *URLCollisionMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner = make(map[string]string)
}

// canonicalize lower-cases scheme/host and drops the fragment, so two URLs
// differing only in case or anchor still collide.
func canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}
