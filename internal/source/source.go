// Package source implements the Source Registry & Adapters (C1): a typed
// collection of named data sources, each with fetch + normalize + a
// reliability prior, modeled as tagged polymorphism (spec §9) rather than
// duck-typed discovery — registration is an explicit list built at startup.
package source

import (
	"context"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// RegionInput is what the Collection Orchestrator passes a source for one
// fetch: the minimum a source needs to build its request.
type RegionInput struct {
	Code string
	Name string
	Lat  *float64
	Lon  *float64
}

// KeyMode is how a source's credentials were resolved at construction.
type KeyMode string

const (
	KeyModeLive     KeyMode = "live"
	KeyModeSimulate KeyMode = "simulate"
	KeyModeDisabled KeyMode = "disabled"
)

// SimulateSentinel is the credential value that puts a source into
// simulate mode: it fabricates plausible data and tags it as simulated,
// rather than performing network I/O.
const SimulateSentinel = "simulate"

// ResolveKeyMode decides a source's key mode from a raw credential string:
// disabled if empty, simulate if the sentinel, live otherwise. Placeholder
// values are not recognized; any non-empty value other than the sentinel
// is treated as a live credential.
func ResolveKeyMode(credential string) KeyMode {
	switch credential {
	case "":
		return KeyModeDisabled
	case SimulateSentinel:
		return KeyModeSimulate
	default:
		return KeyModeLive
	}
}

// Source is the shared capability surface every adapter implements: a
// name, channel, reliability prior, and the fetch/normalize pair. Fetch
// never raises — every failure is encoded in RawPayload.Error (spec §9,
// "error-in-result").
type Source struct {
	Name        string
	Channel     domain.Channel
	Reliability float64
	Mode        KeyMode

	FetchFn     func(ctx context.Context, region RegionInput) domain.RawPayload
	NormalizeFn func(domain.RawPayload) domain.NormalizedObservation
}

// Fetch performs (or simulates) a collection for one region.
func (s Source) Fetch(ctx context.Context, region RegionInput) domain.RawPayload {
	return s.FetchFn(ctx, region)
}

// Normalize converts a RawPayload into a NormalizedObservation. Pure and
// idempotent, per spec §4.1.
func (s Source) Normalize(raw domain.RawPayload) domain.NormalizedObservation {
	obs := s.NormalizeFn(raw)
	obs.Source = s.Name
	obs.Channel = s.Channel
	return obs
}

// errorPayload builds a failed RawPayload for a given region/source/error
// kind — the single place every adapter constructs its failure result, so
// the shape stays consistent.
func errorPayload(sourceName, regionCode string, now time.Time, kind, message, url string, status int) domain.RawPayload {
	return domain.RawPayload{
		Source:     sourceName,
		RegionCode: regionCode,
		FetchedAt:  now,
		Success:    false,
		Error: &domain.SourceError{
			Kind:       kind,
			Message:    message,
			URL:        url,
			StatusCode: status,
		},
	}
}

func successPayload(sourceName, regionCode string, now time.Time, body map[string]any) domain.RawPayload {
	return domain.RawPayload{
		Source:     sourceName,
		RegionCode: regionCode,
		FetchedAt:  now,
		Success:    true,
		Body:       body,
	}
}

// Registry is the process-lifetime list of registered sources (spec §4.1:
// "registered at startup").
type Registry struct {
	sources []Source
}

// NewRegistry wraps an explicit list of sources.
func NewRegistry(sources []Source) *Registry {
	return &Registry{sources: sources}
}

// All returns the registered sources in registration order.
func (r *Registry) All() []Source {
	return r.sources
}

// ForChannel returns the registered sources for one channel, in
// registration order.
func (r *Registry) ForChannel(ch domain.Channel) []Source {
	var out []Source
	for _, s := range r.sources {
		if s.Channel == ch {
			out = append(out, s)
		}
	}
	return out
}

// ByName looks up a single registered source.
func (r *Registry) ByName(name string) (Source, bool) {
	for _, s := range r.sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}
