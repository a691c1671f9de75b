package detections

import (
	"sort"

	"github.com/chewxy/math32"

	"github.com/Tutortoise/object-detection-service/models"
)

// nonMaxSuppression keeps the highest scoring candidate, drops every remaining candidate
// overlapping it by more than iouThreshold, and repeats. Equal scores keep anchor order.
func nonMaxSuppression(candidates []candidate, iouThreshold float32) []candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	sorted := make([]candidate, n)
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].index < sorted[j].index
	})

	kept := make([]candidate, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		kept = append(kept, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if calculateIOU(anchor.box, sorted[j].box) > iouThreshold {
				used[j] = true
			}
		}
	}

	return kept
}

// calculateIOU works on center + extent boxes in any consistent unit.
func calculateIOU(a, b models.AnchorBox) float32 {
	y1 := math32.Max(a.CenterY-a.Height/2, b.CenterY-b.Height/2)
	x1 := math32.Max(a.CenterX-a.Width/2, b.CenterX-b.Width/2)
	y2 := math32.Min(a.CenterY+a.Height/2, b.CenterY+b.Height/2)
	x2 := math32.Min(a.CenterX+a.Width/2, b.CenterX+b.Width/2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Height*a.Width + b.Height*b.Width - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// IoU is calculateIOU for detections in pixel space.
func IoU(a, b models.Detection) float32 {
	return calculateIOU(
		models.AnchorBox{CenterY: a.Top + a.Height/2, CenterX: a.Left + a.Width/2, Height: a.Height, Width: a.Width},
		models.AnchorBox{CenterY: b.Top + b.Height/2, CenterX: b.Left + b.Width/2, Height: b.Height, Width: b.Width},
	)
}
