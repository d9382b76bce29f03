package insights

import (
	"cmp"
	"slices"
	"strings"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/runstate"
)

// MaxBlindSpots caps the blind-spot table.
const MaxBlindSpots = 12

// blindSpots counts normalized missing-section labels, once per run per
// label, and returns the top n by frequency then label.
func blindSpots(snaps []runstate.Snapshot, n int) []model.BlindSpot {
	counts := map[string]int{}
	for _, s := range snaps {
		seen := map[string]struct{}{}
		for _, label := range s.MissingSections {
			label = NormalizeLabel(label)
			if label == "" {
				continue
			}
			if _, dup := seen[label]; dup {
				continue
			}
			seen[label] = struct{}{}
			counts[label]++
		}
	}

	out := make([]model.BlindSpot, 0, len(counts))
	for label, freq := range counts {
		out = append(out, model.BlindSpot{Label: label, Frequency: freq})
	}
	slices.SortFunc(out, func(a, b model.BlindSpot) int {
		if c := cmp.Compare(b.Frequency, a.Frequency); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// NormalizeLabel lowercases and trims a missing-section label.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
