package source

import (
	"context"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
)

// StationMap resolves a region code to the CMA station ID that covers it.
// Built offline by cmd/buildstations (spec §13) and loaded at startup from
// the durable table named in spec §4.1.
type StationMap struct {
	byRegion map[string]string
}

// NewStationMap wraps an already-loaded region->station table.
func NewStationMap(byRegion map[string]string) *StationMap {
	if byRegion == nil {
		byRegion = map[string]string{}
	}
	return &StationMap{byRegion: byRegion}
}

// LoadStationMap reads the durable table written by cmd/buildstations.
func LoadStationMap(ctx context.Context, cacheStore *cache.Store) (*StationMap, error) {
	m, _, err := cache.GetJSON[map[string]string](ctx, cacheStore, cache.CMAStationMapKey)
	if err != nil {
		return nil, err
	}
	return NewStationMap(m), nil
}

// StationFor returns the station ID for a region code, or ("", false) if
// none is mapped — the weather_cma adapter turns that into
// no_station_mapped.
func (m *StationMap) StationFor(regionCode string) (string, bool) {
	id, ok := m.byRegion[regionCode]
	return id, ok
}
