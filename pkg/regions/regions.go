// Package regions computes per-label geometry of a label volume and ranks
// components by size.
package regions

import (
	"math"

	"github.com/mkmik/argsort"
	"gonum.org/v1/gonum/mat"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// Region summarises one connected component. Regions are plain values,
// recomputed on every call.
type Region struct {
	// Label is the component id in the label volume
	Label int32

	// Area is the number of voxels (or pixels for 2D labels)
	Area int

	// AxisMajorLength and AxisMinorLength are the longest and shortest
	// axes of the ellipse (ellipsoid in 3D) with the same normalized
	// second central moments as the region
	AxisMajorLength float64
	AxisMinorLength float64
}

// AxisDifference is |major - minor|.
func (r Region) AxisDifference() float64 {
	return math.Abs(r.AxisMajorLength - r.AxisMinorLength)
}

// moments accumulates raw moments of one label.
type moments struct {
	n   int
	sum []float64 // first order, per axis
	sq  []float64 // second order, rank x rank row-major
}

// Analyze returns one Region per label of lv, in label order.
//
// # Algorithm
//
//  1. One pass over the volume accumulates count, coordinate sums and the
//     sums of coordinate products for every label.
//  2. The covariance matrix (normalized by the count) of each label is
//     eigen-decomposed.
//  3. Axis lengths follow the standard moment ellipse fit: 4·sqrt(λ) in 2D
//     and sqrt(20·λ) in 3D, which is the inertia-tensor formula expressed
//     in covariance eigenvalues.
func Analyze(lv models.LabelVolume) []Region {
	rank := len(lv.Shape)
	if lv.Count <= 0 || rank == 0 {
		return nil
	}

	acc := make([]moments, lv.Count)
	for i := range acc {
		acc[i] = moments{
			sum: make([]float64, rank),
			sq:  make([]float64, rank*rank),
		}
	}

	strides := lv.Shape.Strides()
	coord := make([]int, rank)
	for idx, label := range lv.Data {
		if label <= 0 || int(label) > lv.Count {
			continue
		}
		lv.Shape.Unravel(idx, strides, coord)
		m := &acc[label-1]
		m.n++
		for a := 0; a < rank; a++ {
			ca := float64(coord[a])
			m.sum[a] += ca
			for b := a; b < rank; b++ {
				m.sq[a*rank+b] += ca * float64(coord[b])
			}
		}
	}

	out := make([]Region, 0, lv.Count)
	for i, m := range acc {
		if m.n == 0 {
			continue
		}
		major, minor := axisLengths(m, rank)
		out = append(out, Region{
			Label:           int32(i + 1),
			Area:            m.n,
			AxisMajorLength: major,
			AxisMinorLength: minor,
		})
	}
	return out
}

// axisLengths derives the major and minor axis lengths of one label from its
// accumulated moments.
func axisLengths(m moments, rank int) (float64, float64) {
	n := float64(m.n)
	cov := make([]float64, rank*rank)
	for a := 0; a < rank; a++ {
		for b := a; b < rank; b++ {
			c := m.sq[a*rank+b]/n - (m.sum[a]/n)*(m.sum[b]/n)
			cov[a*rank+b] = c
			cov[b*rank+a] = c
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(rank, cov), false) {
		return 0, 0
	}
	// ascending order
	values := eig.Values(nil)
	largest := math.Max(values[len(values)-1], 0)
	smallest := math.Max(values[0], 0)

	if rank == 3 {
		return math.Sqrt(20 * largest), math.Sqrt(20 * smallest)
	}
	return 4 * math.Sqrt(largest), 4 * math.Sqrt(smallest)
}

// TopRegions returns the min(k, count) largest regions of lv, ordered by
// area descending with ties broken by ascending label.
func TopRegions(lv models.LabelVolume, k int) []Region {
	all := Analyze(lv)
	if k <= 0 || len(all) == 0 {
		return nil
	}

	order := argsort.SortSlice(all, func(i, j int) bool {
		if all[i].Area != all[j].Area {
			return all[i].Area > all[j].Area
		}
		return all[i].Label < all[j].Label
	})

	if k > len(order) {
		k = len(order)
	}
	top := make([]Region, k)
	for i := 0; i < k; i++ {
		top[i] = all[order[i]]
	}
	return top
}

// MakeRegionMask returns a mask that is 1 wherever lv carries r's label.
func MakeRegionMask(lv models.LabelVolume, r Region) models.Mask {
	out := models.Mask{
		Data:     make([]uint8, len(lv.Data)),
		Shape:    lv.Shape.Clone(),
		Metadata: models.DefaultMetadata(),
	}
	for i, label := range lv.Data {
		if label == r.Label {
			out.Data[i] = 1
		}
	}
	return out
}

// UnionMasks ORs masks of identical shape together.
func UnionMasks(masks ...models.Mask) (models.Mask, error) {
	if len(masks) == 0 {
		return models.Mask{}, segerrors.NewInvalidShapeError("union", "no masks to combine")
	}
	out := masks[0].Clone()
	for _, m := range masks[1:] {
		if !m.Shape.Equal(out.Shape) || len(m.Data) != len(out.Data) {
			return models.Mask{}, segerrors.NewShapeMismatchError("union", out.Shape, m.Shape)
		}
		for i, v := range m.Data {
			if v != 0 {
				out.Data[i] = 1
			}
		}
	}
	return out, nil
}
