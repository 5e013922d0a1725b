package fusion

import (
	"sort"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// mergedObservation is the channel-merged view the local-risk scorer and
// the LLM prompt consume: numeric features plus, per field, the list of
// sources that contributed (ContributingBy).
type mergedObservation struct {
	Rain24h          *float64
	Rain1h           *float64
	Humidity         *float64
	WindSpeed        *float64
	SoilMoisture     *float64
	Slope            *float64
	FaultDistance    *float64
	LithologyRisk    *float64
	HistoricalEvents *int

	DataQualityNote string
	UsedEstimated   bool
	ContributingBy  map[string][]string // field -> source names that contributed
}

// mergeObservations implements spec §4.4 stage 3: numeric fields are the
// reliability-weighted mean over sources that reported the field;
// estimated (`_est`) fields are only considered when the non-estimated
// field is entirely absent across every source.
func mergeObservations(observations map[string]domain.NormalizedObservation, reliability map[string]float64) mergedObservation {
	merged := mergedObservation{ContributingBy: make(map[string][]string)}

	rain24h, rain24hSources := weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Rain24h })
	if rain24h == nil {
		est, estSources := weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Rain24hEst })
		if est != nil {
			merged.Rain24h = est
			merged.ContributingBy["rain_24h"] = estSources
			merged.UsedEstimated = true
		}
	} else {
		merged.Rain24h = rain24h
		merged.ContributingBy["rain_24h"] = rain24hSources
	}

	rain1h, rain1hSources := weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Rain1h })
	if rain1h == nil {
		est, estSources := weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Rain1hEst })
		if est != nil {
			merged.Rain1h = est
			merged.ContributingBy["rain_1h"] = estSources
			merged.UsedEstimated = true
		}
	} else {
		merged.Rain1h = rain1h
		merged.ContributingBy["rain_1h"] = rain1hSources
	}

	merged.Humidity, merged.ContributingBy["humidity"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Humidity })
	merged.WindSpeed, merged.ContributingBy["wind_speed"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.WindSpeed })
	merged.SoilMoisture, merged.ContributingBy["soil_moisture"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.SoilMoisture })
	merged.Slope, merged.ContributingBy["slope"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.Slope })
	merged.FaultDistance, merged.ContributingBy["fault_distance"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.FaultDistance })
	merged.LithologyRisk, merged.ContributingBy["lithology_risk"] = weightedMean(observations, reliability, func(o domain.NormalizedObservation) *float64 { return o.LithologyRisk })
	merged.HistoricalEvents = highestReliabilityInt(observations, reliability, func(o domain.NormalizedObservation) *int { return o.HistoricalEvents })

	merged.DataQualityNote = highestReliabilityNote(observations, reliability)
	return merged
}

// weightedMean computes the reliability-weighted mean of a numeric field
// over every source that reported it, returning the contributing source
// names in descending-reliability order (stored in ContributingBy).
func weightedMean(observations map[string]domain.NormalizedObservation, reliability map[string]float64, field func(domain.NormalizedObservation) *float64) (*float64, []string) {
	type contribution struct {
		source string
		value  float64
		weight float64
	}
	var contribs []contribution

	for source, obs := range observations {
		v := field(obs)
		if v == nil {
			continue
		}
		w := reliability[source]
		if w <= 0 {
			w = 0.5
		}
		contribs = append(contribs, contribution{source: source, value: *v, weight: w})
	}
	if len(contribs) == 0 {
		return nil, nil
	}

	sort.Slice(contribs, func(i, j int) bool { return contribs[i].weight > contribs[j].weight })

	var sum, totalWeight float64
	sources := make([]string, 0, len(contribs))
	for _, c := range contribs {
		sum += c.value * c.weight
		totalWeight += c.weight
		sources = append(sources, c.source)
	}
	if totalWeight == 0 {
		return nil, nil
	}
	result := sum / totalWeight
	return &result, sources
}

// highestReliabilityInt returns a categorical-style integer field from the
// single highest-reliability source that reported it (spec §4.4 stage 3:
// "non-numeric or categorical fields = first value from the
// highest-reliability source").
func highestReliabilityInt(observations map[string]domain.NormalizedObservation, reliability map[string]float64, field func(domain.NormalizedObservation) *int) *int {
	bestSource, bestWeight := "", -1.0
	for source, obs := range observations {
		if field(obs) == nil {
			continue
		}
		w := reliability[source]
		if w > bestWeight {
			bestWeight = w
			bestSource = source
		}
	}
	if bestSource == "" {
		return nil
	}
	return field(observations[bestSource])
}

func highestReliabilityNote(observations map[string]domain.NormalizedObservation, reliability map[string]float64) string {
	bestSource, bestWeight := "", -1.0
	for source, obs := range observations {
		if obs.DataQualityNote == "" {
			continue
		}
		w := reliability[source]
		if w > bestWeight {
			bestWeight = w
			bestSource = source
		}
	}
	if bestSource == "" {
		return ""
	}
	return observations[bestSource].DataQualityNote
}

// asMap renders the merged observation as the wire-shaped map the
// meteorology JSON contract expects (spec §6).
func (m mergedObservation) asMap() map[string]any {
	out := map[string]any{}
	putFloat(out, "rain_24h", m.Rain24h)
	putFloat(out, "rain_1h", m.Rain1h)
	putFloat(out, "humidity", m.Humidity)
	putFloat(out, "wind_speed", m.WindSpeed)
	putFloat(out, "soil_moisture", m.SoilMoisture)
	putFloat(out, "slope", m.Slope)
	putFloat(out, "fault_distance", m.FaultDistance)
	putFloat(out, "lithology_risk", m.LithologyRisk)
	if m.HistoricalEvents != nil {
		out["historical_events"] = *m.HistoricalEvents
	}
	if m.DataQualityNote != "" {
		out["data_quality_note"] = m.DataQualityNote
	}
	return out
}

func putFloat(out map[string]any, key string, v *float64) {
	if v != nil {
		out[key] = *v
	}
}
