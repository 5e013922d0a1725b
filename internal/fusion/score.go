package fusion

// Weights are the transparent local-risk scoring weights spec §4.4
// requires implementers to expose. Values were chosen to emphasize the
// rainfall features (the dominant driver of both landslide and debris-flow
// risk) while still giving the geology features real influence.
type Weights struct {
	Rain24h            float64
	Rain1h             float64
	SoilMoisture       float64
	Slope              float64
	FaultDistance      float64
	LithologyRisk      float64
	HistoricalPressure float64
	WindSpeed          float64
}

// DefaultWeights returns the weighting scheme used unless overridden by
// configuration.
func DefaultWeights() Weights {
	return Weights{
		Rain24h:            0.28,
		Rain1h:             0.16,
		SoilMoisture:       0.12,
		Slope:              0.14,
		FaultDistance:      0.10,
		LithologyRisk:      0.10,
		HistoricalPressure: 0.06,
		WindSpeed:          0.04,
	}
}

// feature is one scored input: its configured weight and a piecewise-
// linear saturating transform from raw units into [0,1] risk contribution.
type feature struct {
	name   string
	weight float64
	value  *float64
	curve  func(float64) float64
}

// saturating returns a transform that rises linearly from 0 at `low` to 1
// at `high`, clamped outside that range — the shape spec §4.4 calls for
// every local-risk feature function.
func saturating(low, high float64) func(float64) float64 {
	return func(x float64) float64 {
		if high == low {
			if x >= high {
				return 1
			}
			return 0
		}
		v := (x - low) / (high - low)
		return clamp01(v)
	}
}

// invertedSaturating is the same shape but falling: used for
// fault_distance, where a SMALLER distance means MORE risk.
func invertedSaturating(low, high float64) func(float64) float64 {
	rising := saturating(low, high)
	return func(x float64) float64 { return 1 - rising(x) }
}

// localScore computes spec §4.4 stage 2's local_score ∈ [0,1]: a weighted
// sum of piecewise-linear feature transforms, with the weight of any
// absent feature redistributed proportionally among the present features
// rather than treated as zero (spec §4.4, "never silently treated as
// zero").
func localScore(merged mergedObservation, historicalPressure int, w Weights) (score float64, notes []string) {
	features := []feature{
		{"rain_24h", w.Rain24h, merged.Rain24h, saturating(10, 150)},
		{"rain_1h", w.Rain1h, merged.Rain1h, saturating(5, 40)},
		{"soil_moisture", w.SoilMoisture, merged.SoilMoisture, saturating(0.2, 0.9)},
		{"slope", w.Slope, merged.Slope, saturating(10, 45)},
		{"fault_distance", w.FaultDistance, merged.FaultDistance, invertedSaturating(1, 15)},
		{"lithology_risk", w.LithologyRisk, merged.LithologyRisk, saturating(0, 1)},
		{"wind_speed", w.WindSpeed, merged.WindSpeed, saturating(5, 25)},
	}

	pressure := float64(historicalPressure)
	features = append(features, feature{"historical_pressure", w.HistoricalPressure, &pressure, saturating(0, 5)})

	var presentWeight float64
	for _, f := range features {
		if f.value != nil {
			presentWeight += f.weight
		}
	}
	if presentWeight == 0 {
		notes = append(notes, "no_scorable_features")
		return 0, notes
	}

	var sum float64
	for _, f := range features {
		if f.value == nil {
			continue
		}
		redistributed := f.weight / presentWeight
		sum += redistributed * f.curve(*f.value)
	}

	if presentWeight < (w.Rain24h + w.Rain1h + w.SoilMoisture + w.Slope + w.FaultDistance + w.LithologyRisk + w.HistoricalPressure + w.WindSpeed) {
		notes = append(notes, "weights_redistributed_for_missing_features")
	}

	return clamp01(sum), notes
}

// baseConfidence derives stage 2's base confidence from the same presence
// pattern localScore used, favoring regions with broad feature coverage
// over ones scored from a single feature.
func baseConfidence(merged mergedObservation, w Weights) float64 {
	total := w.Rain24h + w.Rain1h + w.SoilMoisture + w.Slope + w.FaultDistance + w.LithologyRisk + w.HistoricalPressure + w.WindSpeed
	if total == 0 {
		return 0
	}

	var present float64
	if merged.Rain24h != nil {
		present += w.Rain24h
	}
	if merged.Rain1h != nil {
		present += w.Rain1h
	}
	if merged.SoilMoisture != nil {
		present += w.SoilMoisture
	}
	if merged.Slope != nil {
		present += w.Slope
	}
	if merged.FaultDistance != nil {
		present += w.FaultDistance
	}
	if merged.LithologyRisk != nil {
		present += w.LithologyRisk
	}
	if merged.WindSpeed != nil {
		present += w.WindSpeed
	}
	present += w.HistoricalPressure // always present: zero pressure is a real value

	coverage := present / total
	if merged.UsedEstimated {
		coverage *= 0.85
	}
	return clamp01(coverage)
}
