package fusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// levelThresholds are the green<0.3≤yellow<0.55≤orange<0.8≤red boundaries
// from spec §4.4 stage 6.
const (
	thresholdYellow = 0.30
	thresholdOrange = 0.55
	thresholdRed    = 0.80

	hysteresisUp   = 0.02
	hysteresisDown = 0.04
)

// LevelForScore maps a score to its threshold-crossing level with no
// hysteresis applied. Exported for callers outside the pipeline (e.g. the
// debug_randomize control operation, spec §6) that need the same
// threshold mapping without running a full batch through Run.
func LevelForScore(score float64) domain.Level {
	return levelForScore(score)
}

// levelForScore maps a score to its threshold-crossing level with no
// hysteresis applied, used both as the candidate level fed to the LLM and
// as the starting point for decideLevel.
func levelForScore(score float64) domain.Level {
	switch {
	case score >= thresholdRed:
		return domain.LevelRed
	case score >= thresholdOrange:
		return domain.LevelOrange
	case score >= thresholdYellow:
		return domain.LevelYellow
	default:
		return domain.LevelGreen
	}
}

// decideLevel applies spec §4.4 stage 6's hysteresis: moving up requires
// clearing the threshold by at least hysteresisUp; moving down requires
// falling short by at least hysteresisDown AND the previous level being at
// most one step above the candidate, so a region can't skip straight from
// red to green in one run's worth of margin.
func decideLevel(score float64, previous domain.Level, previousFound bool) domain.Level {
	candidate := levelForScore(score)
	if !previousFound {
		return candidate
	}

	if candidate.Rank() > previous.Rank() {
		threshold := thresholdForRank(candidate.Rank())
		if score-threshold < hysteresisUp {
			return previous
		}
		return candidate
	}
	if candidate.Rank() < previous.Rank() {
		threshold := thresholdForRank(previous.Rank())
		withinOneStep := previous.Rank()-candidate.Rank() <= 1
		if threshold-score < hysteresisDown || !withinOneStep {
			return previous
		}
		return candidate
	}
	return candidate
}

func thresholdForRank(rank int) float64 {
	switch rank {
	case domain.LevelYellow.Rank():
		return thresholdYellow
	case domain.LevelOrange.Rank():
		return thresholdOrange
	case domain.LevelRed.Rank():
		return thresholdRed
	default:
		return 0
	}
}

// hazardRule is one ordered hazard-candidate rule from spec §4.4 stage 6.
// Every rule is evaluated; hazardCandidates orders the matches by strength,
// strongest first. The relative order of equal-strength matches is not
// defined.
type hazardRule struct {
	name     string
	strength func(mergedObservation) float64 // 0 = no match
}

var hazardRules = []hazardRule{
	{
		name: "landslide",
		strength: func(m mergedObservation) float64 {
			if m.Rain24h == nil || m.Slope == nil {
				return 0
			}
			if *m.Rain24h > 50 && *m.Slope > 20 {
				return *m.Rain24h/200 + *m.Slope/90
			}
			return 0
		},
	},
	{
		name: "debris_flow",
		strength: func(m mergedObservation) float64 {
			if m.Rain1h == nil || m.FaultDistance == nil {
				return 0
			}
			lithology := 0.5
			if m.LithologyRisk != nil {
				lithology = *m.LithologyRisk
			}
			if *m.Rain1h > 15 && *m.FaultDistance < 8 {
				return *m.Rain1h/60 + (8-*m.FaultDistance)/8 + lithology
			}
			return 0
		},
	},
	{
		name: "flood",
		strength: func(m mergedObservation) float64 {
			if m.Rain24h == nil {
				return 0
			}
			slope := 45.0
			if m.Slope != nil {
				slope = *m.Slope
			}
			if *m.Rain24h > 80 && slope < 15 {
				return *m.Rain24h / 150
			}
			return 0
		},
	},
}

// hazardCandidates evaluates every rule and returns matching names in
// descending match-strength order, per spec §4.4 stage 6.
func hazardCandidates(m mergedObservation) []string {
	type match struct {
		name     string
		strength float64
	}
	var matches []match
	for _, rule := range hazardRules {
		if s := rule.strength(m); s > 0 {
			matches = append(matches, match{rule.name, s})
		}
	}
	for i := 0; i < len(matches); i++ {
		for j := i + 1; j < len(matches); j++ {
			if matches[j].strength > matches[i].strength {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.name)
	}
	return out
}

// composeReason assembles spec §4.4 stage 6's human-readable reason,
// duplicate-suppressing hazard-candidate phrases and quality notes the way
// the original's graph.py de-duplicates its own generated text (spec §13).
func composeReason(level domain.Level, hazards []string, qualityNotes []string, llmAppend string) string {
	var parts []string
	seen := map[string]bool{}

	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		parts = append(parts, s)
	}

	add(fmt.Sprintf("risk level assessed as %s", level))
	for _, h := range hazards {
		add(fmt.Sprintf("%s risk indicators present", h))
	}
	for _, n := range qualityNotes {
		add(n)
	}
	if llmAppend != "" {
		add(llmAppend)
	}

	return strings.Join(parts, "; ")
}

// confidenceBreakdown assembles spec §4.4 stage 6's enumerated components.
func confidenceBreakdown(base, coverage, volatility, agreement, neighborAgreement, llmDelta, thresholdMargin float64) domain.ConfidenceBreakdown {
	components := map[string]float64{
		"coverage":           coverage,
		"volatility":         volatility,
		"agreement":          agreement,
		"neighbor_agreement": neighborAgreement,
		"llm_delta":          llmDelta,
		"threshold_margin":   thresholdMargin,
	}
	final := clamp01(base + llmDelta)
	return domain.ConfidenceBreakdown{
		Formula:         "clamp(base_confidence + llm_delta, 0, 1)",
		FinalConfidence: final,
		Components:      components,
	}
}

// volatilityScore measures how settled a region's warning history is: a
// large rank gap between the last qualifying (yellow-or-above) warning and
// the immediately previous one, or a heavy count of historical events,
// means the region has been swinging between levels rather than holding
// steady, which should pull confidence down. 1 means no swing on record.
func volatilityScore(previous domain.PreviousWarningSnapshot, lastQualifying domain.WarningRecord, lastQualifyingFound bool, historicalPressure int) float64 {
	swing := 0.0
	if previous.Found && lastQualifyingFound {
		swing = math.Abs(float64(previous.Level.Rank()-lastQualifying.Level.Rank())) / 3
	}
	pressure := clamp01(float64(historicalPressure) / 10)
	return clamp01(1 - 0.5*swing - 0.5*pressure)
}

// sourceAgreement measures how tightly sources agreed on the dominant
// rainfall feature, as a stand-in confidence component: low variance
// across contributing sources means high agreement.
func sourceAgreement(observations map[string]domain.NormalizedObservation, field func(domain.NormalizedObservation) *float64) float64 {
	var values []float64
	for _, obs := range observations {
		if v := field(obs); v != nil {
			values = append(values, *v)
		}
	}
	if len(values) < 2 {
		return 1 // nothing to disagree about
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	spread := variance
	if mean != 0 {
		spread = variance / (mean * mean)
	}
	return clamp01(1 - spread)
}
