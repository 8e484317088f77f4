// Package labeling finds connected components in N-dimensional binary masks.
//
// A single primitive serves both the whole-volume (3D) and per-slice (2D)
// labeling of the segmentation pipeline; the rank comes from the mask's
// shape.
package labeling

import (
	"fmt"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// Connectivity selects which neighbours are adjacent.
type Connectivity int

const (
	// Full includes diagonal neighbours: 8 in 2D, 26 in 3D. This is what
	// the segmenters use so thin, diagonally touching airway and vessel
	// structures stay in one component.
	Full Connectivity = iota

	// Face only joins elements that share a face: 4 in 2D, 6 in 3D.
	Face
)

func (c Connectivity) String() string {
	switch c {
	case Full:
		return "full"
	case Face:
		return "face"
	default:
		return fmt.Sprintf("Connectivity(%d)", int(c))
	}
}

// Label assigns a positive id to every connected foreground component of
// mask and returns the label array together with the number of components.
//
// Background elements keep label 0. Ids are handed out in raster order of
// each component's first element, but callers should only rely on the
// grouping. A mask value other than 0 or 1 fails with a labeling failure;
// the mask is never re-thresholded.
//
// # Algorithm
//
// Each unlabeled foreground element seeds an iterative, stack-based flood
// fill over the precomputed neighbour offsets. Elements are labeled when
// pushed, so each one enters the stack once and the cost is
// O(elements × neighbours).
func Label(mask models.Mask, conn Connectivity) (models.LabelVolume, int, error) {
	if err := mask.Validate(); err != nil {
		return models.LabelVolume{}, 0, segerrors.WithStage(err, "label")
	}
	for i, v := range mask.Data {
		if v > 1 {
			return models.LabelVolume{}, 0, segerrors.NewLabelingFailureError(i, v)
		}
	}

	shape := mask.Shape
	rank := len(shape)
	strides := shape.Strides()
	offsets, err := neighbourOffsets(rank, conn)
	if err != nil {
		return models.LabelVolume{}, 0, err
	}

	labels := make([]int32, len(mask.Data))
	coord := make([]int, rank)
	stack := make([]int, 0, 256)
	var next int32

	for seed, v := range mask.Data {
		if v == 0 || labels[seed] != 0 {
			continue
		}
		next++
		labels[seed] = next
		stack = append(stack[:0], seed)

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			shape.Unravel(idx, strides, coord)

			for _, off := range offsets {
				nIdx, ok := step(idx, coord, off, shape, strides)
				if !ok {
					continue
				}
				if mask.Data[nIdx] == 1 && labels[nIdx] == 0 {
					labels[nIdx] = next
					stack = append(stack, nIdx)
				}
			}
		}
	}

	return models.LabelVolume{
		Data:  labels,
		Shape: shape.Clone(),
		Count: int(next),
	}, int(next), nil
}

// step moves from idx by off and reports whether the target is in bounds.
func step(idx int, coord, off []int, shape models.Shape, strides []int) (int, bool) {
	for axis, d := range off {
		c := coord[axis] + d
		if c < 0 || c >= shape[axis] {
			return 0, false
		}
		idx += d * strides[axis]
	}
	return idx, true
}

// neighbourOffsets lists the relative coordinates of the neighbours of an
// element for the given rank, excluding the element itself.
func neighbourOffsets(rank int, conn Connectivity) ([][]int, error) {
	switch conn {
	case Face:
		offsets := make([][]int, 0, 2*rank)
		for axis := 0; axis < rank; axis++ {
			for _, d := range []int{-1, 1} {
				off := make([]int, rank)
				off[axis] = d
				offsets = append(offsets, off)
			}
		}
		return offsets, nil

	case Full:
		total := 1
		for i := 0; i < rank; i++ {
			total *= 3
		}
		offsets := make([][]int, 0, total-1)
		for n := 0; n < total; n++ {
			off := make([]int, rank)
			rem := n
			zero := true
			for axis := rank - 1; axis >= 0; axis-- {
				off[axis] = rem%3 - 1
				rem /= 3
				if off[axis] != 0 {
					zero = false
				}
			}
			if !zero {
				offsets = append(offsets, off)
			}
		}
		return offsets, nil

	default:
		return nil, fmt.Errorf("unknown connectivity %d", int(conn))
	}
}
