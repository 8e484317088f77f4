// Package preprocess denoises and contrast-enhances CT volumes before
// registration.
package preprocess

import (
	"math"
	"runtime"
	"sync"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// domainMu is the kernel radius in domain sigmas.
const domainMu = 2.5

// BilateralParams controls Bilateral.
type BilateralParams struct {
	// DomainSigma is the spatial sigma in mm, scaled per axis by the
	// in-plane voxel spacing
	DomainSigma float64

	// RangeSigma is the intensity sigma
	RangeSigma float64

	// Workers bounds the number of slices filtered concurrently
	Workers int
}

// DefaultBilateralParams returns sigmas 2 mm and 50 with one worker per CPU.
func DefaultBilateralParams() BilateralParams {
	return BilateralParams{
		DomainSigma: 2.0,
		RangeSigma:  50.0,
		Workers:     runtime.NumCPU(),
	}
}

// Bilateral smooths every axial slice of vol independently with an
// edge-preserving bilateral filter. Each output pixel is the average of its
// neighbourhood weighted by a Gaussian of the physical distance and a
// Gaussian of the intensity difference. Samples beyond the slice border
// repeat the edge.
func Bilateral(vol models.Volume, p BilateralParams) (models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return models.Volume{}, segerrors.WithStage(err, "bilateral")
	}
	if len(vol.Shape) != 3 {
		return models.Volume{}, segerrors.NewInvalidShapeError("bilateral", "need a 3D volume, got rank %d", len(vol.Shape))
	}
	if p.DomainSigma <= 0 || p.RangeSigma <= 0 {
		return models.Volume{}, segerrors.NewInvalidShapeError("bilateral", "sigmas must be positive, got %f and %f", p.DomainSigma, p.RangeSigma)
	}

	depth, height, width := vol.Shape[0], vol.Shape[1], vol.Shape[2]
	sx, sy := spacing(vol.Metadata.Spacing[0]), spacing(vol.Metadata.Spacing[1])
	rx := int(math.Ceil(domainMu * p.DomainSigma / sx))
	ry := int(math.Ceil(domainMu * p.DomainSigma / sy))

	kw := 2*rx + 1
	domain := make([]float64, (2*ry+1)*kw)
	for dy := -ry; dy <= ry; dy++ {
		for dx := -rx; dx <= rx; dx++ {
			d2 := math.Pow(float64(dy)*sy, 2) + math.Pow(float64(dx)*sx, 2)
			domain[(dy+ry)*kw+dx+rx] = math.Exp(-d2 / (2 * p.DomainSigma * p.DomainSigma))
		}
	}
	rangeScale := -1 / (2 * p.RangeSigma * p.RangeSigma)

	out := models.Volume{
		Data:     make([]float64, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	plane := height * width

	forEachSlice(depth, p.Workers, func(z int) {
		src := vol.Data[z*plane : (z+1)*plane]
		dst := out.Data[z*plane : (z+1)*plane]
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				centre := src[y*width+x]
				var sum, norm float64
				for dy := -ry; dy <= ry; dy++ {
					yy := clamp(y+dy, height)
					row := src[yy*width:]
					for dx := -rx; dx <= rx; dx++ {
						v := row[clamp(x+dx, width)]
						diff := v - centre
						w := domain[(dy+ry)*kw+dx+rx] * math.Exp(diff*diff*rangeScale)
						sum += w * v
						norm += w
					}
				}
				dst[y*width+x] = sum / norm
			}
		}
	})

	return out, nil
}

func spacing(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return s
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// forEachSlice calls fn for every slice index on up to workers goroutines.
func forEachSlice(depth, workers int, fn func(z int)) {
	if workers > depth {
		workers = depth
	}
	if workers < 2 {
		for z := 0; z < depth; z++ {
			fn(z)
		}
		return
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range jobs {
				fn(z)
			}
		}()
	}
	for z := 0; z < depth; z++ {
		jobs <- z
	}
	close(jobs)
	wg.Wait()
}
