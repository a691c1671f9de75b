package detections

import (
	"image"
	"runtime"
	"sync"
)

// Preprocessor converts a model-sized image into a normalized CHW float32 buffer.
type Preprocessor struct {
	width, height int
	numWorkers    int
	mean, std     [3]float32
}

func NewPreprocessor(width, height int, mean, std [3]float32) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: workers,
		mean:       mean,
		std:        std,
	}
}

// BufferSize is the number of floats Process writes.
func (p *Preprocessor) BufferSize() int {
	return p.width * p.height * 3
}

// Process fills buffer with the planes R, G, B. img must already be width x height.
func (p *Preprocessor) Process(img image.Image, buffer []float32) {
	if nrgba, ok := img.(*image.NRGBA); ok {
		p.processParallel(buffer, func(x, y int) (uint8, uint8, uint8) {
			o := nrgba.PixOffset(x+nrgba.Rect.Min.X, y+nrgba.Rect.Min.Y)
			return nrgba.Pix[o], nrgba.Pix[o+1], nrgba.Pix[o+2]
		})
		return
	}

	bounds := img.Bounds()
	p.processParallel(buffer, func(x, y int) (uint8, uint8, uint8) {
		r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
		return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
	})
}

func (p *Preprocessor) processParallel(buffer []float32, pixel func(x, y int) (uint8, uint8, uint8)) {
	channelSize := p.width * p.height
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					r, g, b := pixel(x, y)
					buffer[i] = p.normalize(r, 0)
					buffer[channelSize+i] = p.normalize(g, 1)
					buffer[channelSize*2+i] = p.normalize(b, 2)
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) normalize(v uint8, channel int) float32 {
	return (float32(v)/255.0 - p.mean[channel]) / p.std[channel]
}
