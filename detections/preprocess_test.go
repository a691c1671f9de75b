package detections

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreprocessorPlanarLayout(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(2, 1, color.NRGBA{G: 255, B: 51, A: 255})

	p := NewPreprocessor(3, 2, [3]float32{}, [3]float32{1, 1, 1})
	buf := make([]float32, p.BufferSize())
	p.Process(img, buf)

	channel := 3 * 2
	assert.InDelta(t, 1.0, buf[0], 1e-6)
	assert.InDelta(t, 0.0, buf[channel], 1e-6)
	assert.InDelta(t, 1.0, buf[channel+5], 1e-6)
	assert.InDelta(t, 0.2, buf[2*channel+5], 1e-6)
}

func TestPreprocessorGenericMatchesFastPath(t *testing.T) {
	nrgba := image.NewNRGBA(image.Rect(0, 0, 5, 4))
	rgba := image.NewRGBA(image.Rect(0, 0, 5, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			c := color.NRGBA{R: uint8(x * 40), G: uint8(y * 50), B: uint8(x * y * 10), A: 255}
			nrgba.Set(x, y, c)
			rgba.Set(x, y, c)
		}
	}

	p := NewPreprocessor(5, 4, ImageNetMean, ImageNetStd)
	fast := make([]float32, p.BufferSize())
	generic := make([]float32, p.BufferSize())
	p.Process(nrgba, fast)
	p.Process(rgba, generic)

	assert.InDeltaSlice(t, fast, generic, 1e-5)
}

func TestPreprocessorNormalization(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	p := NewPreprocessor(1, 1, ImageNetMean, ImageNetStd)
	buf := make([]float32, p.BufferSize())
	p.Process(img, buf)

	for c := 0; c < 3; c++ {
		assert.InDelta(t, (1-ImageNetMean[c])/ImageNetStd[c], buf[c], 1e-5)
	}
}
