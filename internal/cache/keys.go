package cache

import "fmt"

// Key builders for the durable key/value layout in spec §4.3.

// ScraperPayloadKey is the cache key for a scraper-sourced RawPayload.
func ScraperPayloadKey(source, regionCode string) string {
	return fmt.Sprintf("cache:scraper:%s:%s", source, regionCode)
}

// WUKeyPoolKey holds the ordered list of candidate Weather Underground keys.
const WUKeyPoolKey = "cache:wu:key_pool"

// WUActiveKeyKey holds the scalar currently-active Weather Underground key.
const WUActiveKeyKey = "cache:wu:active_key"

// RunLockKey holds the single-flight run-state handle.
const RunLockKey = "run:lock"

// CMAStationMapKey holds the offline-built region_code -> station_id table
// consumed by weather_cma (spec §4.1, §13).
const CMAStationMapKey = "cache:cma:station_map"
