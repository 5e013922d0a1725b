package source

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// wuKeyRe matches an embedded Weather Underground API key token on the
// discovery page (a 32-hex-character apiKey= query parameter, the shape
// WU's own web client embeds).
var wuKeyRe = regexp.MustCompile(`apiKey=([a-f0-9]{32})`)

// WUKeyManager resolves and caches a Weather Underground API key using the
// discovery flow in spec §4.1: check the durable active-key cache, else
// rescan the candidate pool, else re-run discovery against a public page,
// populating both caches with a TTL.
type WUKeyManager struct {
	static        string
	discoveryURL  string
	refreshTTL    time.Duration
	cacheStore    *cache.Store
	client        *http.Client
}

// NewWUKeyManager builds a key manager. A non-empty staticKey is what
// ActiveKey always returns, without consulting the caches or running
// discovery (spec §4.1: "may be statically configured").
func NewWUKeyManager(staticKey, discoveryURL string, refreshTTL time.Duration, cacheStore *cache.Store, client *http.Client) *WUKeyManager {
	return &WUKeyManager{static: staticKey, discoveryURL: discoveryURL, refreshTTL: refreshTTL, cacheStore: cacheStore, client: client}
}

// ActiveKey returns a usable key, discovering one if necessary.
func (m *WUKeyManager) ActiveKey(ctx context.Context) (string, *domain.SourceError) {
	if m.static != "" {
		return m.static, nil
	}

	if active, ok, _ := cache.GetJSON[string](ctx, m.cacheStore, cache.WUActiveKeyKey); ok && active != "" {
		return active, nil
	}

	if pool, ok, _ := cache.GetJSON[[]string](ctx, m.cacheStore, cache.WUKeyPoolKey); ok && len(pool) > 0 {
		key := pool[0]
		_ = cache.SetJSON(ctx, m.cacheStore, cache.WUActiveKeyKey, key, m.refreshTTL)
		return key, nil
	}

	return m.discover(ctx)
}

// Invalidate drops the active key after a 401/403 on use, per spec §4.1.
func (m *WUKeyManager) Invalidate(ctx context.Context) {
	_ = m.cacheStore.Delete(ctx, cache.WUActiveKeyKey)
}

// RecordUsable writes a key back as active after a successful use.
func (m *WUKeyManager) RecordUsable(ctx context.Context, key string) {
	_ = cache.SetJSON(ctx, m.cacheStore, cache.WUActiveKeyKey, key, m.refreshTTL)
}

func (m *WUKeyManager) discover(ctx context.Context) (string, *domain.SourceError) {
	if m.discoveryURL == "" {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: "no discovery URL configured"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.discoveryURL, nil)
	if err != nil {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: err.Error(), URL: m.discoveryURL}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: err.Error(), URL: m.discoveryURL}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: "unexpected status", URL: m.discoveryURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: err.Error(), URL: m.discoveryURL}
	}

	keys := dedupePreserveOrder(extractWUKeys(string(body)))
	if len(keys) == 0 {
		return "", &domain.SourceError{Kind: domain.ErrKindKeyDiscoveryFailed, Message: "no keys found on discovery page", URL: m.discoveryURL}
	}

	_ = cache.SetJSON(ctx, m.cacheStore, cache.WUKeyPoolKey, keys, m.refreshTTL)
	_ = cache.SetJSON(ctx, m.cacheStore, cache.WUActiveKeyKey, keys[0], m.refreshTTL)
	return keys[0], nil
}

func extractWUKeys(text string) []string {
	matches := wuKeyRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func dedupePreserveOrder(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
