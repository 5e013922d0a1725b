// Package selector implements the Region Selector (C7): deterministic
// region-set selection for a run, with a fixed high-risk head plus a
// rotating window in fast mode (spec §4.7).
package selector

import (
	"hash/fnv"
	"sort"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// DefaultHighRiskHeadSize is spec §4.7's fast-mode fixed-head default.
const DefaultHighRiskHeadSize = 20

// Options configures one Select call.
type Options struct {
	Mode            domain.RunMode
	RequestID       string
	RegionLimit     int
	HighRiskHeadSize int
}

// Result is the selector's output: the chosen regions plus the two counts
// spec §3 RunState tracks (selected/total).
type Result struct {
	Selected     []domain.Region
	TotalRegions int
}

// Select picks the region set for a run (spec §4.7).
//
// Full mode returns every region in stable code order. Fast mode returns
// the union of a fixed head of up to HighRiskHeadSize orange/red regions
// (ordered by level then code) and a rotating window over the remainder,
// offset by hash(request_id) mod total, sized to fill RegionLimit. Any
// other mode (manual, scheduled) is treated like fast mode when a
// RegionLimit is given, and like full mode otherwise.
func Select(all []domain.Region, opts Options) Result {
	ordered := make([]domain.Region, len(all))
	copy(ordered, all)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Code < ordered[j].Code })

	total := len(ordered)

	if opts.Mode == domain.ModeFull || opts.RegionLimit <= 0 || opts.RegionLimit >= total {
		return Result{Selected: ordered, TotalRegions: total}
	}

	headSize := opts.HighRiskHeadSize
	if headSize <= 0 {
		headSize = DefaultHighRiskHeadSize
	}

	head, rest := splitHighRiskHead(ordered, headSize)

	remaining := opts.RegionLimit - len(head)
	if remaining <= 0 {
		return Result{Selected: head, TotalRegions: total}
	}
	if remaining > len(rest) {
		remaining = len(rest)
	}

	window := rotatingWindow(rest, opts.RequestID, remaining)

	selected := make([]domain.Region, 0, len(head)+len(window))
	selected = append(selected, head...)
	selected = append(selected, window...)
	return Result{Selected: selected, TotalRegions: total}
}

// splitHighRiskHead partitions ordered regions into the fixed head (up to
// headSize orange/red regions, ordered red-before-orange then by code) and
// everything else, in the order the "everything else" set should be
// rotated over.
func splitHighRiskHead(ordered []domain.Region, headSize int) (head, rest []domain.Region) {
	var highRisk []domain.Region
	for _, r := range ordered {
		if r.RiskLevel == domain.LevelOrange || r.RiskLevel == domain.LevelRed {
			highRisk = append(highRisk, r)
		}
	}
	sort.SliceStable(highRisk, func(i, j int) bool {
		if highRisk[i].RiskLevel != highRisk[j].RiskLevel {
			return highRisk[i].RiskLevel.Rank() > highRisk[j].RiskLevel.Rank()
		}
		return highRisk[i].Code < highRisk[j].Code
	})
	if len(highRisk) > headSize {
		highRisk = highRisk[:headSize]
	}

	headCodes := make(map[string]bool, len(highRisk))
	for _, r := range highRisk {
		headCodes[r.Code] = true
	}
	for _, r := range ordered {
		if !headCodes[r.Code] {
			rest = append(rest, r)
		}
	}
	return highRisk, rest
}

// rotatingWindow returns `size` consecutive regions from rest, starting at
// an offset derived from request_id, wrapping around so every region in
// rest is reachable as request_id varies (spec §4.7, §8 fast-mode-rotation
// property).
func rotatingWindow(rest []domain.Region, requestID string, size int) []domain.Region {
	n := len(rest)
	if n == 0 || size <= 0 {
		return nil
	}
	if size >= n {
		out := make([]domain.Region, n)
		copy(out, rest)
		return out
	}

	offset := int(hashRequestID(requestID) % uint64(n))
	out := make([]domain.Region, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, rest[(offset+i)%n])
	}
	return out
}

// hashRequestID derives a stable offset from a request ID so that distinct
// request IDs spread their windows across the whole remainder set.
func hashRequestID(requestID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	return h.Sum64()
}

// Batches groups a selected region set by administrative prefix (first two
// characters of the region code, spec §4.5) and chunks each group into
// batches no larger than batchSize, preserving prefix-group order and
// within-group code order for deterministic batch rotation.
func Batches(selected []domain.Region, batchSize int) [][]domain.Region {
	if batchSize <= 0 {
		batchSize = 1
	}

	grouped := groupByPrefix(selected)

	var batches [][]domain.Region
	for _, group := range grouped {
		for i := 0; i < len(group); i += batchSize {
			end := i + batchSize
			if end > len(group) {
				end = len(group)
			}
			batch := make([]domain.Region, end-i)
			copy(batch, group[i:end])
			batches = append(batches, batch)
		}
	}
	return batches
}

// groupByPrefix buckets regions by their two-character administrative
// prefix, in first-seen-prefix order, with each bucket in code order.
func groupByPrefix(regions []domain.Region) [][]domain.Region {
	order := make([]string, 0)
	buckets := make(map[string][]domain.Region)
	for _, r := range regions {
		prefix := regionPrefix(r.Code)
		if _, ok := buckets[prefix]; !ok {
			order = append(order, prefix)
		}
		buckets[prefix] = append(buckets[prefix], r)
	}

	out := make([][]domain.Region, 0, len(order))
	for _, prefix := range order {
		group := buckets[prefix]
		sort.Slice(group, func(i, j int) bool { return group[i].Code < group[j].Code })
		out = append(out, group)
	}
	return out
}

func regionPrefix(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}

// ClampBatchSize applies spec §4.5's batch_size = clamp(concurrency*2, 15, 40).
func ClampBatchSize(concurrency int) int {
	size := concurrency * 2
	if size < 15 {
		return 15
	}
	if size > 40 {
		return 40
	}
	return size
}
