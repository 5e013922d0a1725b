package runner

import (
	"context"
	"fmt"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
	"github.com/couchcryptid/geowarn-engine/internal/fusion"
	"github.com/couchcryptid/geowarn-engine/internal/store"
)

// commitBatch writes a batch's decisions inside one transaction, so a
// partial batch is all-or-nothing (spec §4.5 step 4, invariant i). A
// Retained decision (all sources failed) updates neither the region row
// nor the warnings table — the previous WarningRecord stands as-is (spec
// §7 "user-visible behavior").
//
// Returns the rendered meteorology JSON per region code, for the delta
// publisher.
func (c *Controller) commitBatch(ctx context.Context, decisions []domain.Decision) (map[string]string, error) {
	tx, err := c.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	meteorology := make(map[string]string, len(decisions))
	now := c.clock.Now()

	for _, d := range decisions {
		if d.Retained {
			continue
		}

		meteorologyJSON, err := fusion.BuildMeteorologyJSON(d)
		if err != nil {
			return nil, fmt.Errorf("render meteorology json for %s: %w", d.RegionCode, err)
		}
		meteorology[d.RegionCode] = meteorologyJSON

		if err := store.UpdateRegionRisk(ctx, tx, d.RegionCode, d.Level, now); err != nil {
			return nil, err
		}
		if _, err := store.InsertWarning(ctx, tx, domain.WarningRecord{
			RegionID:    d.RegionCode,
			Level:       d.Level,
			Reason:      d.Reason,
			Meteorology: meteorologyJSON,
			Confidence:  d.Confidence,
			CreatedAt:   now,
			Source:      store.PipelineSource,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch transaction: %w", err)
	}
	return meteorology, nil
}
