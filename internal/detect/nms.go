package detect

import (
	"sort"

	"github.com/argus-data/watchtower/internal/vision"
)

// suppress applies per-class non-max suppression: within each class,
// detections are sorted by descending confidence (stable, so insertion order
// breaks ties) and a box is dropped when its IOU with an already-kept box of
// the same class reaches the threshold. The pass is idempotent.
func suppress(detections []RawDetection, iouThreshold float64) []RawDetection {
	if len(detections) == 0 {
		return nil
	}

	byClass := make(map[string][]RawDetection)
	var order []string
	for _, d := range detections {
		if _, seen := byClass[d.Class]; !seen {
			order = append(order, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	var kept []RawDetection
	for _, class := range order {
		group := byClass[class]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})

		var winners []RawDetection
		for _, candidate := range group {
			suppressed := false
			for _, winner := range winners {
				if vision.IOU(candidate.Box, winner.Box) >= iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				winners = append(winners, candidate)
			}
		}
		kept = append(kept, winners...)
	}
	return kept
}
