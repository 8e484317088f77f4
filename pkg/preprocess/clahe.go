package preprocess

import (
	"math"

	"gonum.org/v1/gonum/floats"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// CLAHEParams controls CLAHE.
type CLAHEParams struct {
	// ClipLimit caps each histogram bin at ClipLimit times the tile size;
	// 0 disables clipping
	ClipLimit float64

	// Kernel is the tile extent along each axis
	Kernel []int

	// Bins is the number of histogram bins, 256 when zero
	Bins int
}

// DefaultKernel splits the slices in two and each slice in 5 x 5 tiles.
func DefaultKernel(shape models.Shape) []int {
	kernel := make([]int, len(shape))
	for axis, n := range shape {
		div := 5
		if axis == 0 && len(shape) == 3 {
			div = 2
		}
		kernel[axis] = n / div
		if kernel[axis] < 1 {
			kernel[axis] = 1
		}
	}
	return kernel
}

// CLAHE applies contrast limited adaptive histogram equalization over the
// whole N-dimensional volume and rescales the result to the input range.
//
// # Algorithm
//
//  1. Intensities are binned over the volume's min..max range.
//  2. The volume is cut into tiles of Kernel elements. Each tile histogram
//     is clipped, the excess is spread evenly over all bins and the
//     cumulative histogram becomes the tile's mapping.
//  3. Each element blends the mappings of the 2^N tiles whose centres
//     surround it, linearly along every axis.
func CLAHE(vol models.Volume, p CLAHEParams) (models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return models.Volume{}, segerrors.WithStage(err, "clahe")
	}
	rank := len(vol.Shape)
	if len(p.Kernel) != rank {
		return models.Volume{}, segerrors.NewInvalidShapeError("clahe", "kernel rank %d, volume rank %d", len(p.Kernel), rank)
	}
	if p.ClipLimit < 0 {
		return models.Volume{}, segerrors.NewInvalidShapeError("clahe", "negative clip limit %f", p.ClipLimit)
	}
	bins := p.Bins
	if bins <= 0 {
		bins = 256
	}

	out := models.Volume{
		Data:     make([]float64, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	lo, hi := floats.Min(vol.Data), floats.Max(vol.Data)
	if hi == lo {
		copy(out.Data, vol.Data)
		return out, nil
	}

	kernel := make([]int, rank)
	tiles := make(models.Shape, rank)
	for axis, k := range p.Kernel {
		if k < 1 {
			return models.Volume{}, segerrors.NewInvalidShapeError("clahe", "kernel extent %d along axis %d", k, axis)
		}
		if k > vol.Shape[axis] {
			k = vol.Shape[axis]
		}
		kernel[axis] = k
		tiles[axis] = (vol.Shape[axis] + k - 1) / k
	}
	tileStrides := tiles.Strides()

	binOf := make([]int, len(vol.Data))
	scale := float64(bins) / (hi - lo)
	for i, v := range vol.Data {
		b := int((v - lo) * scale)
		if b >= bins {
			b = bins - 1
		}
		binOf[i] = b
	}

	// per-tile histograms
	nTiles := tiles.Len()
	maps := make([]float64, nTiles*bins)
	counts := make([]int, nTiles)
	strides := vol.Shape.Strides()
	coord := make([]int, rank)
	for i, b := range binOf {
		vol.Shape.Unravel(i, strides, coord)
		t := 0
		for axis, c := range coord {
			t += (c / kernel[axis]) * tileStrides[axis]
		}
		maps[t*bins+b]++
		counts[t]++
	}

	for t := 0; t < nTiles; t++ {
		hist := maps[t*bins : (t+1)*bins]
		if counts[t] == 0 {
			continue
		}
		clipHistogram(hist, p.ClipLimit*float64(counts[t]))
		total := floats.Sum(hist)
		floats.CumSum(hist, hist)
		floats.Scale(1/total, hist)
	}

	t0 := make([]int, rank)
	frac := make([]float64, rank)
	corners := 1 << rank
	for i, b := range binOf {
		vol.Shape.Unravel(i, strides, coord)
		for axis, c := range coord {
			k := float64(kernel[axis])
			pos := (float64(c) - (k-1)/2) / k
			base := int(math.Floor(pos))
			f := pos - float64(base)
			if base < 0 {
				base, f = 0, 0
			}
			if base >= tiles[axis]-1 {
				base, f = tiles[axis]-1, 0
			}
			t0[axis], frac[axis] = base, f
		}

		var v float64
		for corner := 0; corner < corners; corner++ {
			w := 1.0
			t := 0
			for axis := 0; axis < rank; axis++ {
				if corner>>axis&1 == 1 {
					w *= frac[axis]
					t += (t0[axis] + 1) * tileStrides[axis]
				} else {
					w *= 1 - frac[axis]
					t += t0[axis] * tileStrides[axis]
				}
				if w == 0 {
					break
				}
			}
			if w != 0 {
				v += w * maps[t*bins+b]
			}
		}
		out.Data[i] = v
	}

	eLo, eHi := floats.Min(out.Data), floats.Max(out.Data)
	if eHi == eLo {
		floats.AddConst(lo-eLo, out.Data)
		return out, nil
	}
	floats.AddConst(-eLo, out.Data)
	floats.Scale((hi-lo)/(eHi-eLo), out.Data)
	floats.AddConst(lo, out.Data)
	return out, nil
}

// clipHistogram caps hist at limit and spreads the excess evenly over all
// bins. A non-positive limit leaves hist unchanged; limits below one count
// are raised to one.
func clipHistogram(hist []float64, limit float64) {
	if limit <= 0 {
		return
	}
	if limit < 1 {
		limit = 1
	}
	var excess float64
	for b, h := range hist {
		if h > limit {
			excess += h - limit
			hist[b] = limit
		}
	}
	floats.AddConst(excess/float64(len(hist)), hist)
}
