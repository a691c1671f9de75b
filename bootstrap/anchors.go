package bootstrap

import (
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/Tutortoise/object-detection-service/models"
)

// LoadAnchors reads a NumPy array of shape [N, 4] (or [1, N, 4]) holding
// (center y, center x, height, width) rows in normalized model-input space.
func LoadAnchors(path string) (models.AnchorSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open anchors")
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrap(err, "decode anchors npy")
	}

	shape := t.Shape()
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[1] != 4 || shape[0] == 0 {
		return nil, errors.Errorf("anchors must have shape [N, 4], got %v", t.Shape())
	}

	var values []float32
	switch data := t.Data().(type) {
	case []float32:
		values = data
	case []float64:
		values = make([]float32, len(data))
		for i, v := range data {
			values[i] = float32(v)
		}
	default:
		return nil, errors.Errorf("anchors must be float32 or float64, got %v", t.Dtype())
	}

	anchors := make(models.AnchorSet, shape[0])
	for i := range anchors {
		row := values[i*4 : i*4+4]
		if row[2] <= 0 || row[3] <= 0 {
			return nil, errors.Errorf("anchor %d has non-positive extent", i)
		}
		anchors[i] = models.AnchorBox{
			CenterY: row[0],
			CenterX: row[1],
			Height:  row[2],
			Width:   row[3],
		}
	}

	return anchors, nil
}
