// Package domain models the warning-workflow engine's core value types:
// regions, data sources' raw and normalized output, fused decisions, and the
// persisted warning/run state that ties a run together.
package domain

import "time"

// Channel categorizes a data source by the kind of signal it produces.
type Channel string

const (
	ChannelMeteorology Channel = "meteorology"
	ChannelGeology      Channel = "geology"
)

// Level is a hazard warning level, ordered green < yellow < orange < red.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelOrange Level = "orange"
	LevelRed    Level = "red"
)

// levelRank orders Level for hysteresis and one-step-clamp comparisons.
var levelRank = map[Level]int{
	LevelGreen:  0,
	LevelYellow: 1,
	LevelOrange: 2,
	LevelRed:    3,
}

// Rank returns the ordinal position of a level, or -1 if unrecognized.
func (l Level) Rank() int {
	r, ok := levelRank[l]
	if !ok {
		return -1
	}
	return r
}

// RunMode selects how the Region Selector picks the region set for a run.
type RunMode string

const (
	ModeFast      RunMode = "fast"
	ModeFull      RunMode = "full"
	ModeManual    RunMode = "manual"
	ModeScheduled RunMode = "scheduled"
)

// Region is the externally owned administrative-region record. The engine
// only updates RiskLevel and LastUpdatedAt; every other field is read-only
// input.
type Region struct {
	Code          string
	Name          string
	Lat           *float64
	Lon           *float64
	RiskLevel     Level
	LastUpdatedAt time.Time
}

// HasCentroid reports whether both coordinates are known.
func (r Region) HasCentroid() bool {
	return r.Lat != nil && r.Lon != nil
}

// SourceError describes why a source fetch failed. Kind is one of the
// taxonomy values in spec §4.1/§7; Message is free text for logs.
type SourceError struct {
	Kind       string
	Message    string
	URL        string
	StatusCode int
}

func (e *SourceError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// RawPayload is what a DataSource's fetch operation produces: an opaque
// provider-shaped body plus metadata, never a raised error.
type RawPayload struct {
	Source    string
	RegionCode string
	FetchedAt time.Time
	Success   bool
	Error     *SourceError
	Body      map[string]any
	CacheHit  bool
}

// NormalizedObservation is the channel-specific numeric record a source's
// normalize operation produces from a RawPayload. Every field is a pointer
// so "absent" is representable without a spurious zero value (spec §3
// invariant ii).
type NormalizedObservation struct {
	Source  string
	Channel Channel

	// Meteorology fields.
	Rain24h       *float64
	Rain1h        *float64
	Rain24hEst    *float64
	Rain1hEst     *float64
	Humidity      *float64
	WindSpeed     *float64
	SoilMoisture  *float64

	// Geology fields.
	Slope            *float64
	FaultDistance    *float64
	LithologyRisk    *float64
	HistoricalEvents *int

	DataQualityNote string
	Notes           map[string]any
	Simulated       bool
}

// SourceStatus partitions a region's collection outcome by channel success,
// by per-source error, and by which successful sources were served from
// cache rather than fetched fresh (spec §4.2, "tag source_status with
// cache_hit").
type SourceStatus struct {
	Success   map[Channel][]string
	Errors    map[string]SourceError
	CacheHits map[string]bool
}

// NewSourceStatus returns a SourceStatus with initialized maps.
func NewSourceStatus() SourceStatus {
	return SourceStatus{
		Success:   make(map[Channel][]string),
		Errors:    make(map[string]SourceError),
		CacheHits: make(map[string]bool),
	}
}

// PreviousWarningSnapshot is the most recent WarningRecord known for a
// region at the time its run started — read once, never mutated by the
// run's own commits (spec §9 open question (a)).
type PreviousWarningSnapshot struct {
	Level      Level
	Score      float64
	Confidence float64
	CreatedAt  time.Time
	Found      bool
}

// CollectionResult is the per-region aggregate the Collection Orchestrator
// hands to the Fusion Pipeline.
type CollectionResult struct {
	RegionCode   string
	RegionName   string
	Lat, Lon     *float64
	Observations map[string]NormalizedObservation // source name -> observation
	Status       SourceStatus
	HistoricalPressure int
	Previous     PreviousWarningSnapshot

	// LastQualifying is the most recent level>=yellow, non-debug warning on
	// record for this region with no time window (unlike HistoricalPressure's
	// rolling count), used
	// by the confidence breakdown's volatility component to gauge how far
	// back the last elevated state sits relative to the current one.
	LastQualifying      WarningRecord
	LastQualifyingFound bool
}

// ConfidenceBreakdown enumerates the named components that fed a Decision's
// final confidence value, for the meteorology JSON contract (spec §6).
type ConfidenceBreakdown struct {
	Formula         string
	FinalConfidence float64
	Components      map[string]float64
}

// Decision is a single region's pipeline output for one run.
type Decision struct {
	RegionCode          string
	RegionName          string
	Level               Level
	Reason              string
	Confidence          float64
	MergedObservation    map[string]any
	SourceStatus         SourceStatus
	ConfidenceBreakdown  ConfidenceBreakdown
	HazardCandidates     []string
	LocalScore           float64
	NeighborInfluence    *float64
	AdjustedScore        float64
	Retained             bool // true when all sources failed and the previous record was kept as-is
}

// WarningRecord is the persisted form of a Decision.
type WarningRecord struct {
	ID        int64
	RegionID  string
	Level     Level
	Reason    string
	Meteorology string // JSON-encoded contract payload, spec §6
	Confidence float64
	CreatedAt time.Time
	Source    string
}

// RunState is the single process-wide run lifecycle record, held by the Run
// Controller and mirrored into durable storage so a restarted process can
// observe a stale lock.
type RunState struct {
	RequestID        string
	StartedAt        time.Time
	HeartbeatAt      time.Time
	Mode             RunMode
	SelectedRegions  int
	TotalRegions     int
	ProcessedRegions int
	AbortRequested   bool
	LastError        string
	LastFinishedAt   time.Time
	Running          bool
}

// CacheEntry is a (source, region) cached payload with its storage time and
// time-to-live, used by both cache tiers in internal/cache.
type CacheEntry struct {
	Payload  RawPayload
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is stale relative to now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}
