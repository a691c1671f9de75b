package detections

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/models"
)

// DecodeOptions controls how raw model output becomes detections.
type DecodeOptions struct {
	DetectThresh float32
	NMSThresh    float32
	// Sigmoid applies a logistic activation to class scores. Leave it off when the
	// exported graph already emits probabilities.
	Sigmoid bool
}

// candidate is a decoded anchor that passed the confidence filter. Box coordinates are
// normalized and in center + extent form.
type candidate struct {
	box   models.AnchorBox
	score float32
	class int
	index int
}

// Decode turns one forward pass into detections in original-image pixel space. The
// result is in NMS keep order. An output with no anchor above the threshold yields an
// empty, non-nil prediction list.
func Decode(raw *models.RawOutput, anchors models.AnchorSet, labels models.ClassLabels,
	size image.Point, opts DecodeOptions,
) (*models.PredictionResult, error) {
	if err := validateOutput(raw, anchors); err != nil {
		return nil, err
	}

	result := &models.PredictionResult{Predictions: []models.Detection{}}

	candidates := decodeCandidates(raw, anchors, opts)
	if len(candidates) == 0 {
		return result, nil
	}

	kept := nonMaxSuppression(candidates, opts.NMSThresh)

	for _, c := range kept {
		name, ok := labels.Lookup(c.class)
		if !ok {
			return nil, errors.Errorf("class index %d has no label (table has %d)", c.class, len(labels))
		}
		result.Predictions = append(result.Predictions, toDetection(c, size, name))
	}

	return result, nil
}

func validateOutput(raw *models.RawOutput, anchors models.AnchorSet) error {
	if raw == nil {
		return errors.New("nil model output")
	}
	if raw.NumAnchors != len(anchors) {
		return errors.Errorf("model produced %d anchor outputs, anchor set has %d", raw.NumAnchors, len(anchors))
	}
	if raw.NumClasses < 2 {
		return errors.Errorf("model produced %d class scores per anchor, need background plus at least one class", raw.NumClasses)
	}
	if len(raw.Scores) != raw.NumAnchors*raw.NumClasses {
		return errors.Errorf("unexpected scores length: got %d, want %d", len(raw.Scores), raw.NumAnchors*raw.NumClasses)
	}
	if len(raw.Boxes) != raw.NumAnchors*4 {
		return errors.Errorf("unexpected boxes length: got %d, want %d", len(raw.Boxes), raw.NumAnchors*4)
	}
	return nil
}

// decodeCandidates applies the box regression to every anchor and keeps those whose best
// non-background score is strictly above the detect threshold. Anchors whose score or
// decoded box is not finite are dropped.
func decodeCandidates(raw *models.RawOutput, anchors models.AnchorSet, opts DecodeOptions) []candidate {
	candidates := make([]candidate, 0, 64)

	for i, anchor := range anchors {
		scores := raw.ClassScores(i)

		best := float32(-1)
		class := 0
		// index 0 is background
		for c := 1; c < len(scores); c++ {
			s := scores[c]
			if opts.Sigmoid {
				s = sigmoid(s)
			}
			if s > best {
				best = s
				class = c
			}
		}

		if !(best > opts.DetectThresh) || !finite(best) {
			continue
		}

		box := clampBox(applyDeltas(anchor, raw.BoxDeltas(i)))
		if !finite(box.CenterY, box.CenterX, box.Height, box.Width) {
			continue
		}

		candidates = append(candidates, candidate{
			box:   box,
			score: best,
			class: class,
			index: i,
		})
	}

	return candidates
}

func applyDeltas(a models.AnchorBox, d []float32) models.AnchorBox {
	return models.AnchorBox{
		CenterY: a.CenterY + d[0]*centerScale*a.Height,
		CenterX: a.CenterX + d[1]*centerScale*a.Width,
		Height:  a.Height * math32.Exp(d[2]*sizeScale),
		Width:   a.Width * math32.Exp(d[3]*sizeScale),
	}
}

// clampBox keeps the box corners inside the unit square.
func clampBox(b models.AnchorBox) models.AnchorBox {
	top := clamp01(b.CenterY - b.Height/2)
	left := clamp01(b.CenterX - b.Width/2)
	bottom := clamp01(b.CenterY + b.Height/2)
	right := clamp01(b.CenterX + b.Width/2)

	return models.AnchorBox{
		CenterY: (top + bottom) / 2,
		CenterX: (left + right) / 2,
		Height:  bottom - top,
		Width:   right - left,
	}
}

// toDetection rescales a normalized box to the original image and converts it to
// top-left corner + height + width.
func toDetection(c candidate, size image.Point, name string) models.Detection {
	h := float32(size.Y)
	w := float32(size.X)

	return models.Detection{
		Top:     (c.box.CenterY - c.box.Height/2) * h,
		Left:    (c.box.CenterX - c.box.Width/2) * w,
		Height:  c.box.Height * h,
		Width:   c.box.Width * w,
		ClassID: c.class,
		Class:   name,
		Score:   c.score,
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func finite(values ...float32) bool {
	for _, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp01(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 1)
}
