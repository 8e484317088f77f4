// Package trachea removes the trachea cross-section from a lungs-plus-trachea
// mask, one axial slice at a time.
package trachea

import (
	"fmt"
	"runtime"
	"sync"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
	"lungseg/pkg/labeling"
	"lungseg/pkg/regions"
)

// Thresholds are the empirically tuned shape limits of the decision table.
// They depend on the CT voxel spacing and typical airway geometry; they are
// configurable but the defaults must be kept for parity with existing
// results.
type Thresholds struct {
	// AxisDifference separates a round lone region (trachea) from an
	// elongated one (lung), in pixels
	AxisDifference float64 `yaml:"axisDifference"`

	// AreaGap is the minimum area difference, in pixels, between the two
	// regions of a slice for the larger to be merged lungs
	AreaGap int `yaml:"areaGap"`

	// MinorAxis is the largest minor axis, in pixels, the smaller of two
	// regions may have to be taken for the trachea
	MinorAxis float64 `yaml:"minorAxis"`
}

// DefaultThresholds returns 30 / 50 / 100.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AxisDifference: 30,
		AreaGap:        50,
		MinorAxis:      100,
	}
}

// Case is the outcome of the per-slice decision table.
type Case int

const (
	// Zero: no region in the slice
	Zero Case = iota
	// OneCircular: a single near-round region, taken as trachea only
	OneCircular
	// OneElongated: a single elongated region, taken as lung only
	OneElongated
	// TwoMerged: both lungs joined into the larger region, the smaller
	// one is the trachea
	TwoMerged
	// TwoSeparate: two lungs, no separate trachea
	TwoSeparate
	// Three: two lungs plus the trachea as the smallest region
	Three
)

var caseNames = [...]string{
	Zero:         "zero",
	OneCircular:  "one-circular",
	OneElongated: "one-elongated",
	TwoMerged:    "two-merged",
	TwoSeparate:  "two-separate",
	Three:        "three",
}

func (c Case) String() string {
	if c >= 0 && int(c) < len(caseNames) {
		return caseNames[c]
	}
	return fmt.Sprintf("Case(%d)", int(c))
}

// Cases lists every case in declaration order.
func Cases() []Case {
	return []Case{Zero, OneCircular, OneElongated, TwoMerged, TwoSeparate, Three}
}

// Classify applies the decision table to the top regions of one slice,
// sorted by area descending.
//
// A lone region with |major - minor| <= AxisDifference is dropped as
// trachea. Near the lung apex a small, very round lung cross-section takes
// the same branch and is lost; this is a known limit of the heuristic.
func Classify(top []regions.Region, th Thresholds) Case {
	switch len(top) {
	case 1:
		if top[0].AxisDifference() > th.AxisDifference {
			return OneElongated
		}
		return OneCircular
	case 2:
		if top[0].Area-top[1].Area > th.AreaGap && top[1].AxisMinorLength < th.MinorAxis {
			return TwoMerged
		}
		return TwoSeparate
	case 3:
		return Three
	default:
		return Zero
	}
}

// Keep returns the indices into the top regions that survive c.
func (c Case) Keep() []int {
	switch c {
	case OneElongated, TwoMerged:
		return []int{0}
	case TwoSeparate, Three:
		return []int{0, 1}
	default:
		return nil
	}
}

// RemoveFromSlice labels one 2D slice, classifies it and returns the
// trachea-free mask of that slice.
func RemoveFromSlice(slice models.Mask, th Thresholds) (models.Mask, Case, error) {
	if len(slice.Shape) != 2 {
		return models.Mask{}, Zero, segerrors.NewInvalidShapeError("trachea", "need a 2D slice, got rank %d", len(slice.Shape))
	}
	lv, _, err := labeling.Label(slice, labeling.Full)
	if err != nil {
		return models.Mask{}, Zero, segerrors.WithStage(err, "trachea")
	}
	top := regions.TopRegions(lv, 3)
	c := Classify(top, th)

	keep := c.Keep()
	if len(keep) == 0 {
		out := models.NewMask(slice.Shape)
		out.Metadata = slice.Metadata
		return out, c, nil
	}
	kept := make([]models.Mask, len(keep))
	for i, idx := range keep {
		kept[i] = regions.MakeRegionMask(lv, top[idx])
	}
	out, err := regions.UnionMasks(kept...)
	if err != nil {
		return models.Mask{}, Zero, segerrors.WithStage(err, "trachea")
	}
	out.Metadata = slice.Metadata
	return out, c, nil
}

// Report records the decision taken for every slice.
type Report struct {
	// Slices holds the case of each slice in slice order
	Slices []Case

	// Counts tallies the slices per case
	Counts map[Case]int
}

func newReport(cases []Case) Report {
	r := Report{Slices: cases, Counts: make(map[Case]int)}
	for _, c := range cases {
		r.Counts[c]++
	}
	return r
}

// Remover applies RemoveFromSlice to every slice of a 3D mask.
type Remover struct {
	Thresholds Thresholds

	// Workers bounds the number of slices processed concurrently. Values
	// below 2 process slices serially.
	Workers int
}

// NewRemover creates a remover with default thresholds and one worker per CPU.
func NewRemover() *Remover {
	return &Remover{
		Thresholds: DefaultThresholds(),
		Workers:    runtime.NumCPU(),
	}
}

// Remove returns a copy of mask with the trachea removed slice by slice.
// Slices are independent, so they are spread over the worker pool and
// stacked back in their original order.
func (r *Remover) Remove(mask models.Mask) (models.Mask, Report, error) {
	if err := mask.Validate(); err != nil {
		return models.Mask{}, Report{}, segerrors.WithStage(err, "trachea")
	}
	if len(mask.Shape) != 3 {
		return models.Mask{}, Report{}, segerrors.NewInvalidShapeError("trachea", "need a 3D mask, got rank %d", len(mask.Shape))
	}

	depth := mask.NumSlices()
	outSlices := make([]models.Mask, depth)
	cases := make([]Case, depth)
	errs := make([]error, depth)

	process := func(z int) {
		slice, err := mask.Slice(z)
		if err != nil {
			errs[z] = err
			return
		}
		outSlices[z], cases[z], errs[z] = RemoveFromSlice(slice, r.Thresholds)
	}

	workers := r.Workers
	if workers > depth {
		workers = depth
	}
	if workers < 2 {
		for z := 0; z < depth; z++ {
			process(z)
		}
	} else {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for z := range jobs {
					process(z)
				}
			}()
		}
		for z := 0; z < depth; z++ {
			jobs <- z
		}
		close(jobs)
		wg.Wait()
	}

	for z, err := range errs {
		if err != nil {
			return models.Mask{}, Report{}, fmt.Errorf("slice %d: %w", z, err)
		}
	}

	out, err := models.StackMasks(outSlices)
	if err != nil {
		return models.Mask{}, Report{}, err
	}
	out.Metadata = mask.Metadata
	return out, newReport(cases), nil
}
