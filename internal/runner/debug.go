package runner

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/publish"
)

// DebugRandomize synthesizes plausible Decisions for every region and
// publishes them via the Delta Publisher without persisting anything or
// touching sources or the LLM (spec §6 debug_randomize). The synthetic
// score is derived deterministically from the region code, the way the
// original's _baseline_score_from_region_code SHA-256-seeds its own debug
// generator (spec §13), so repeated calls land in a stable band per
// region rather than producing unreproducible noise.
func (c *Controller) DebugRandomize(ctx context.Context) ([]domain.Decision, error) {
	regions, err := c.store.ListRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions for debug_randomize: %w", err)
	}

	decisions := make([]domain.Decision, len(regions))
	for i, r := range regions {
		score := baselineScoreFromRegionCode(r.Code)
		level := fusion.LevelForScore(score)
		decisions[i] = domain.Decision{
			RegionCode: r.Code,
			RegionName: r.Name,
			Level:      level,
			Reason:     "synthetic debug decision, not persisted",
			Confidence: 0.5,
			AdjustedScore: score,
		}
	}

	delta := publish.BuildDelta("debug_randomize", 0, c.clock.Now(), decisions, nil)
	c.publisher.Publish(ctx, delta)

	return decisions, nil
}

// baselineScoreFromRegionCode derives a stable pseudo-score in [0,1] from
// a region code's SHA-256 digest.
func baselineScoreFromRegionCode(code string) float64 {
	sum := sha256.Sum256([]byte(code))
	n := binary.BigEndian.Uint32(sum[:4])
	return float64(n) / float64(^uint32(0))
}
