package fusion

import (
	"math"
	"sort"
)

// regionGeo is the minimum a neighbor lookup needs: a stable key, its
// local_score, and (if known) a centroid.
type regionGeo struct {
	code       string
	localScore float64
	lat, lon   *float64
}

// neighborCount is how many neighbors contribute to the mean (spec §4.4
// stage 4 leaves the exact definition open provided it's stable per run;
// we fix k here rather than a radius, since region density varies widely
// across the dataset).
const neighborCount = 5

// neighborMeans computes, for every region in the batch, the mean
// local_score over its k nearest neighbors: centroid Euclidean distance
// when both regions have coordinates, falling back to administrative-code
// prefix proximity otherwise (spec §9 open question (c): either definition
// is permitted provided it is stable within one run, which both are since
// they only read coordinates/codes fixed before the run started).
func neighborMeans(regions []regionGeo) map[string]*float64 {
	out := make(map[string]*float64, len(regions))

	for _, r := range regions {
		type dist struct {
			code  string
			score float64
			d     float64
		}
		var candidates []dist
		for _, other := range regions {
			if other.code == r.code {
				continue
			}
			candidates = append(candidates, dist{code: other.code, score: other.localScore, d: regionDistance(r, other)})
		}
		if len(candidates) < 2 {
			out[r.code] = nil
			continue
		}

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].d < candidates[j].d })
		k := neighborCount
		if k > len(candidates) {
			k = len(candidates)
		}

		var sum float64
		for _, c := range candidates[:k] {
			sum += c.score
		}
		mean := sum / float64(k)
		out[r.code] = &mean
	}
	return out
}

func regionDistance(a, b regionGeo) float64 {
	if a.lat != nil && a.lon != nil && b.lat != nil && b.lon != nil {
		dLat := *a.lat - *b.lat
		dLon := *a.lon - *b.lon
		return math.Sqrt(dLat*dLat + dLon*dLon)
	}
	return float64(codePrefixDistance(a.code, b.code))
}

// codePrefixDistance approximates geographic proximity from the shared
// prefix length of two administrative codes when no centroid is known:
// fewer shared leading digits means farther apart.
func codePrefixDistance(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return maxLen - n
}
