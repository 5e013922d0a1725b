package fusion

import "github.com/couchcryptid/geowarn-engine/internal/domain"

// validateObservation flags outliers in one source's normalized fields,
// per spec §4.4 stage 1: rain_1h exceeding rain_24h means the 24h window
// can't be trusted as reported, so it is cleared (left absent) rather than
// the shorter window; negative values mean the source mis-measured, so they become
// absent rather than a spuriously low real value.
func validateObservation(obs domain.NormalizedObservation) (domain.NormalizedObservation, []string) {
	var notes []string

	if obs.Rain1h != nil && obs.Rain24h != nil && *obs.Rain1h > *obs.Rain24h {
		obs.Rain24h = nil
		notes = append(notes, "rain_24h_outlier_cleared")
	}

	clearIfNegative(&obs.Rain24h)
	clearIfNegative(&obs.Rain1h)
	clearIfNegative(&obs.Humidity)
	clearIfNegative(&obs.WindSpeed)
	clearIfNegative(&obs.SoilMoisture)
	clearIfNegative(&obs.Slope)
	clearIfNegative(&obs.FaultDistance)
	clearIfNegative(&obs.LithologyRisk)

	return obs, notes
}

func clearIfNegative(f **float64) {
	if *f != nil && **f < 0 {
		*f = nil
	}
}

// essentialFields lists the fields dataQualityScore weighs coverage over,
// per channel, mirroring the feature set local scoring consumes.
var essentialFields = map[domain.Channel][]func(domain.NormalizedObservation) bool{
	domain.ChannelMeteorology: {
		func(o domain.NormalizedObservation) bool { return anyRain(o) },
		func(o domain.NormalizedObservation) bool { return o.SoilMoisture != nil },
		func(o domain.NormalizedObservation) bool { return o.Humidity != nil },
		func(o domain.NormalizedObservation) bool { return o.WindSpeed != nil },
	},
	domain.ChannelGeology: {
		func(o domain.NormalizedObservation) bool { return o.Slope != nil },
		func(o domain.NormalizedObservation) bool { return o.FaultDistance != nil },
		func(o domain.NormalizedObservation) bool { return o.LithologyRisk != nil },
	},
}

func anyRain(o domain.NormalizedObservation) bool {
	return o.Rain24h != nil || o.Rain1h != nil || o.Rain24hEst != nil || o.Rain1hEst != nil
}

// dataQualityScore computes the reliability-weighted coverage of essential
// fields across a region's successful observations (spec §4.4 stage 1).
func dataQualityScore(observations map[string]domain.NormalizedObservation, reliability map[string]float64) float64 {
	if len(observations) == 0 {
		return 0
	}

	var weightedCoverage, totalWeight float64
	for source, obs := range observations {
		w := reliability[source]
		if w <= 0 {
			w = 0.5
		}
		fields := essentialFields[obs.Channel]
		if len(fields) == 0 {
			continue
		}
		present := 0
		for _, has := range fields {
			if has(obs) {
				present++
			}
		}
		weightedCoverage += w * (float64(present) / float64(len(fields)))
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(weightedCoverage / totalWeight)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
