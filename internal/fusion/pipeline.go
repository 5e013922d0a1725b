// Package fusion implements the Fusion & Scoring Pipeline (C4): the six
// ordered stages — validation, local scoring, channel merge, neighbor
// influence, optional LLM refinement, and decision — that turn a batch of
// CollectionResults into Decisions (spec §4.4). Each stage is a pure
// function over the evolving batch state; no stage ever aborts the run.
package fusion

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// Config carries every tunable the pipeline needs. cmd/warningd sets the
// neighbor and LLM fields from internal/config; Weights and
// LLMChangeThreshold keep their DefaultConfig values.
type Config struct {
	Weights Weights

	NeighborInfluenceWeight float64

	EnableLLMRefinement   bool
	LLMRefineMaxRegions   int
	LLMConfidenceThreshold float64
	// LLMChangeThreshold is the score-movement magnitude that alone
	// qualifies a region for LLM refinement (spec §4.4 stage 5 criterion
	// (a)); DefaultConfig fixes it at 0.15.
	LLMChangeThreshold float64
}

// DefaultConfig returns the pipeline defaults used when configuration
// doesn't override them.
func DefaultConfig() Config {
	return Config{
		Weights:                 DefaultWeights(),
		NeighborInfluenceWeight: 0.2,
		LLMRefineMaxRegions:     10,
		LLMConfidenceThreshold:  0.55,
		LLMChangeThreshold:      0.15,
	}
}

// Pipeline runs the six fusion stages over a batch.
type Pipeline struct {
	cfg     Config
	refiner *Refiner
	logger  *slog.Logger
}

// New builds a Pipeline. refiner may be nil, in which case stage 5 is
// skipped entirely regardless of cfg.EnableLLMRefinement.
func New(cfg Config, refiner *Refiner, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, refiner: refiner, logger: logger}
}

// RunOptions are per-run overrides to the pipeline's otherwise static
// configuration.
type RunOptions struct {
	ForceLLM bool
}

// regionState is the pipeline's working record for one region across
// stages; it's discarded after Run returns a []domain.Decision.
type regionState struct {
	result       domain.CollectionResult
	validated    map[string]domain.NormalizedObservation
	qualityNotes []string
	merged       mergedObservation
	local        float64
	baseConf     float64
	adjusted     float64
	neighborInfl *float64
	decidedLevel domain.Level
	refinement   refinementOutcome
}

// Run processes one batch. reliability maps source name to its configured
// reliability prior (read from the Source Registry by the caller, since
// fusion has no registry dependency of its own).
func (p *Pipeline) Run(ctx context.Context, batch []domain.CollectionResult, reliability map[string]float64, opts RunOptions) []domain.Decision {
	states := make([]*regionState, len(batch))

	for i, result := range batch {
		states[i] = p.stageOneThroughThree(result, reliability)
	}

	p.stageFourNeighborInfluence(states)

	if p.cfg.EnableLLMRefinement && p.refiner != nil {
		p.stageFiveLLMRefinement(ctx, states, opts)
	}

	decisions := make([]domain.Decision, len(states))
	for i, st := range states {
		decisions[i] = p.stageSixDecision(st)
	}
	return decisions
}

// stageOneThroughThree runs validation, channel merge, and local scoring
// for a single region. Merge is listed as stage 3 in spec §4.4 but is
// "invoked by" stage 2, so it runs before the score it feeds.
func (p *Pipeline) stageOneThroughThree(result domain.CollectionResult, reliability map[string]float64) *regionState {
	st := &regionState{result: result, validated: make(map[string]domain.NormalizedObservation)}

	for source, obs := range result.Observations {
		cleaned, notes := validateObservation(obs)
		st.validated[source] = cleaned
		st.qualityNotes = append(st.qualityNotes, notes...)
	}

	if len(st.validated) == 0 {
		return st
	}

	st.merged = mergeObservations(st.validated, reliability)
	if st.merged.UsedEstimated {
		st.qualityNotes = append(st.qualityNotes, "precipitation_estimated")
	}

	st.local, _ = localScore(st.merged, result.HistoricalPressure, p.cfg.Weights)
	st.baseConf = baseConfidence(st.merged, p.cfg.Weights)
	if dq := dataQualityScore(st.validated, reliability); dq < 0.3 {
		st.qualityNotes = append(st.qualityNotes, "low_coverage")
	}
	return st
}

// stageFourNeighborInfluence computes spec §4.4 stage 4's adjusted_score
// for every region in the batch at once, since the neighbor mean needs
// every region's local_score up front.
func (p *Pipeline) stageFourNeighborInfluence(states []*regionState) {
	geos := make([]regionGeo, len(states))
	for i, st := range states {
		geos[i] = regionGeo{code: st.result.RegionCode, localScore: st.local, lat: st.result.Lat, lon: st.result.Lon}
	}
	means := neighborMeans(geos)

	for _, st := range states {
		if len(st.validated) == 0 {
			continue
		}
		mean := means[st.result.RegionCode]
		st.neighborInfl = mean
		if mean == nil {
			st.adjusted = st.local
			st.qualityNotes = append(st.qualityNotes, "neighbor_missing")
			continue
		}
		w := p.cfg.NeighborInfluenceWeight
		st.adjusted = (1-w)*st.local + w*(*mean)
	}
}

// stageFiveLLMRefinement selects and refines the highest-priority
// candidates, bounded by cfg.LLMRefineMaxRegions (spec §4.4 stage 5).
func (p *Pipeline) stageFiveLLMRefinement(ctx context.Context, states []*regionState, opts RunOptions) {
	var candidates []refinementCandidate
	byCode := make(map[string]*regionState, len(states))
	for _, st := range states {
		if len(st.validated) == 0 {
			continue
		}
		byCode[st.result.RegionCode] = st
		candidates = append(candidates, refinementCandidate{
			regionCode:     st.result.RegionCode,
			adjustedScore:  st.adjusted,
			previousScore:  st.result.Previous.Score,
			baseConfidence: st.baseConf,
		})
	}

	selected := selectForRefinement(candidates, p.cfg.LLMRefineMaxRegions, p.cfg.LLMChangeThreshold, p.cfg.LLMConfidenceThreshold, opts.ForceLLM)

	for _, c := range selected {
		st := byCode[c.regionCode]
		candidateLevel := decideLevel(st.adjusted, st.result.Previous.Level, st.result.Previous.Found)

		outcome := p.refiner.Refine(ctx, llmRequest{
			RegionCode:        st.result.RegionCode,
			RegionName:        st.result.RegionName,
			MergedObservation: st.merged.asMap(),
			CandidateLevel:    candidateLevel,
			AdjustedScore:     st.adjusted,
			PreviousLevel:     st.result.Previous.Level,
			PreviousScore:     st.result.Previous.Score,
		})
		st.refinement = outcome
		st.decidedLevel = candidateLevel
		if outcome.note != "" {
			st.qualityNotes = append(st.qualityNotes, outcome.note)
		}
	}
}

// stageSixDecision assembles the final Decision for one region (spec §4.4
// stage 6), handling the all-sources-failed retain case separately.
func (p *Pipeline) stageSixDecision(st *regionState) domain.Decision {
	if len(st.validated) == 0 {
		return domain.Decision{
			RegionCode: st.result.RegionCode,
			RegionName: st.result.RegionName,
			Level:      st.result.Previous.Level,
			Reason:     "all sources failed; previous warning retained",
			Confidence: st.result.Previous.Confidence,
			SourceStatus: st.result.Status,
			Retained:   true,
		}
	}

	level := st.decidedLevel
	if level == "" {
		level = decideLevel(st.adjusted, st.result.Previous.Level, st.result.Previous.Found)
	}
	if st.refinement.levelOverride != "" {
		level = st.refinement.levelOverride
	}

	hazards := hazardCandidates(st.merged)
	reason := composeReason(level, hazards, dedupeStrings(st.qualityNotes), st.refinement.reasonAppend)

	coverage := dataQualityScore(st.validated, nil)
	volatility := volatilityScore(st.result.Previous, st.result.LastQualifying, st.result.LastQualifyingFound, st.result.HistoricalPressure)
	agreement := sourceAgreement(st.validated, func(o domain.NormalizedObservation) *float64 { return o.Rain24h })
	neighborAgreement := 1.0
	if st.neighborInfl != nil {
		neighborAgreement = clamp01(1 - math.Abs(st.local-*st.neighborInfl))
	}
	thresholdMargin := distanceToNearestThreshold(st.adjusted)

	breakdown := confidenceBreakdown(st.baseConf, coverage, volatility, agreement, neighborAgreement, st.refinement.confidenceDelta, thresholdMargin)

	return domain.Decision{
		RegionCode:          st.result.RegionCode,
		RegionName:          st.result.RegionName,
		Level:               level,
		Reason:              reason,
		Confidence:          breakdown.FinalConfidence,
		MergedObservation:   st.merged.asMap(),
		SourceStatus:        st.result.Status,
		ConfidenceBreakdown: breakdown,
		HazardCandidates:    hazards,
		LocalScore:          st.local,
		NeighborInfluence:   st.neighborInfl,
		AdjustedScore:       st.adjusted,
		Retained:            false,
	}
}

// BuildMeteorologyJSON renders the meteorology JSON contract spec §6
// defines, for persistence into WarningRecord.Meteorology and the delta
// publisher's payload.
func BuildMeteorologyJSON(d domain.Decision) (string, error) {
	payload := map[string]any{
		"merged_observation": d.MergedObservation,
		"source_status":      wireSourceStatus(d.SourceStatus),
		"hazard_candidates":  d.HazardCandidates,
		"confidence_breakdown": map[string]any{
			"formula":          d.ConfidenceBreakdown.Formula,
			"final_confidence": d.ConfidenceBreakdown.FinalConfidence,
			"components":       d.ConfidenceBreakdown.Components,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func distanceToNearestThreshold(score float64) float64 {
	thresholds := []float64{thresholdYellow, thresholdOrange, thresholdRed}
	best := math.Inf(1)
	for _, t := range thresholds {
		if d := math.Abs(score - t); d < best {
			best = d
		}
	}
	return clamp01(1 - best)
}

func wireSourceStatus(status domain.SourceStatus) map[string]any {
	errs := make(map[string]any, len(status.Errors))
	for source, e := range status.Errors {
		errs[source] = map[string]any{"error": e.Kind, "message": e.Message, "status_code": e.StatusCode, "url": e.URL}
	}
	return map[string]any{"success": status.Success, "errors": errs, "cache_hit": status.CacheHits}
}

func dedupeStrings(values []string) []string {
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
