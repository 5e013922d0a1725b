package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

func regionSet(n, highRisk int) []domain.Region {
	out := make([]domain.Region, 0, n)
	for i := 0; i < n; i++ {
		level := domain.LevelGreen
		if i < highRisk {
			level = domain.LevelOrange
		}
		out = append(out, domain.Region{Code: fmt.Sprintf("R%04d", i), RiskLevel: level})
	}
	return out
}

func TestFullModeReturnsAllInCodeOrder(t *testing.T) {
	regions := regionSet(10, 0)
	res := Select(regions, Options{Mode: domain.ModeFull})
	require.Len(t, res.Selected, 10)
	require.Equal(t, 10, res.TotalRegions)
	for i := 1; i < len(res.Selected); i++ {
		require.Less(t, res.Selected[i-1].Code, res.Selected[i].Code)
	}
}

func TestFastModeRotationCoversAllRegionsAcrossRequests(t *testing.T) {
	all := regionSet(100, 5)

	head := map[string]bool{}
	covered := map[string]bool{}

	for i := 0; i < 30; i++ {
		res := Select(all, Options{
			Mode:             domain.ModeFast,
			RequestID:        fmt.Sprintf("req-%d", i),
			RegionLimit:      30,
			HighRiskHeadSize: 5,
		})
		require.LessOrEqual(t, len(res.Selected), 30)
		for _, r := range res.Selected {
			covered[r.Code] = true
			if r.RiskLevel == domain.LevelOrange {
				head[r.Code] = true
			}
		}
	}

	require.Len(t, head, 5, "every high-risk region should appear in the fixed head every run")
	require.Len(t, covered, 100, "every region should be reachable across enough distinct request ids")
}

func TestFastModeHeadIsStableAcrossRequestIDs(t *testing.T) {
	all := regionSet(50, 5)
	first := Select(all, Options{Mode: domain.ModeFast, RequestID: "a", RegionLimit: 20, HighRiskHeadSize: 5})
	second := Select(all, Options{Mode: domain.ModeFast, RequestID: "b", RegionLimit: 20, HighRiskHeadSize: 5})

	firstHead := map[string]bool{}
	for _, r := range first.Selected {
		if r.RiskLevel == domain.LevelOrange {
			firstHead[r.Code] = true
		}
	}
	secondHead := map[string]bool{}
	for _, r := range second.Selected {
		if r.RiskLevel == domain.LevelOrange {
			secondHead[r.Code] = true
		}
	}
	require.Equal(t, firstHead, secondHead)
}

func TestBatchesGroupByPrefixAndClampSize(t *testing.T) {
	regions := []domain.Region{
		{Code: "110101"}, {Code: "110102"}, {Code: "110103"},
		{Code: "310101"}, {Code: "310102"},
	}
	batches := Batches(regions, 2)
	require.Len(t, batches, 3) // 110xxx -> 2 batches of {2,1}, 310xxx -> 1 batch of {2}
	require.Equal(t, []string{"110101", "110102"}, codesOf(batches[0]))
	require.Equal(t, []string{"110103"}, codesOf(batches[1]))
	require.Equal(t, []string{"310101", "310102"}, codesOf(batches[2]))
}

func TestClampBatchSize(t *testing.T) {
	require.Equal(t, 15, ClampBatchSize(1))
	require.Equal(t, 16, ClampBatchSize(8))
	require.Equal(t, 40, ClampBatchSize(100))
}

func codesOf(regions []domain.Region) []string {
	out := make([]string, len(regions))
	for i, r := range regions {
		out[i] = r.Code
	}
	return out
}
