package models

import (
	segerrors "lungseg/internal/errors"
)

// Shape holds the extents of an N-dimensional array in row-major order,
// last axis fastest. Volumes are (slice, height, width), slices are
// (height, width).
type Shape []int

// Validate fails with an invalid-shape error for an empty shape or a
// non-positive extent.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return segerrors.NewInvalidShapeError("", "shape has no dimensions")
	}
	for axis, n := range s {
		if n <= 0 {
			return segerrors.NewInvalidShapeError("", "extent %d along axis %d", n, axis)
		}
	}
	return nil
}

// Len is the number of elements.
func (s Shape) Len() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Strides returns the flat-index step of each axis.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	step := 1
	for axis := len(s) - 1; axis >= 0; axis-- {
		strides[axis] = step
		step *= s[axis]
	}
	return strides
}

// Unravel writes the coordinates of flat index idx into coord. strides must
// come from s.Strides() and coord must have len(s) entries.
func (s Shape) Unravel(idx int, strides, coord []int) {
	for axis, step := range strides {
		coord[axis] = idx / step
		idx -= coord[axis] * step
	}
}

// Equal reports whether both shapes have the same rank and extents.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

// Metadata is the physical placement of a volume. The segmentation never
// reads it; it is carried so outputs can be written with the input's
// geometry. The bilateral filter uses the in-plane spacing.
type Metadata struct {
	// Origin is the world position of the first voxel in mm
	Origin [3]float64 `yaml:"origin"`

	// Spacing is the voxel size in mm along x, y, z
	Spacing [3]float64 `yaml:"spacing"`

	// Direction is the row-major 3x3 direction cosine matrix
	Direction [9]float64 `yaml:"direction"`
}

// DefaultMetadata is unit spacing, zero origin and identity direction.
func DefaultMetadata() Metadata {
	return Metadata{
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// Volume is a scalar intensity volume stored as a flat row-major array.
type Volume struct {
	// Data holds one intensity per voxel
	Data []float64

	// Shape is (slices, height, width) for a CT volume
	Shape Shape

	Metadata Metadata
}

// NewVolume allocates a zero volume of the given shape.
func NewVolume(shape Shape) Volume {
	return Volume{
		Data:     make([]float64, shape.Len()),
		Shape:    shape.Clone(),
		Metadata: DefaultMetadata(),
	}
}

// Validate checks the shape and that the data length agrees with it.
func (v Volume) Validate() error {
	if err := v.Shape.Validate(); err != nil {
		return err
	}
	if len(v.Data) != v.Shape.Len() {
		return segerrors.NewInvalidShapeError("", "volume holds %d values for shape %v", len(v.Data), []int(v.Shape))
	}
	return nil
}

// Mask is a binary {0,1} array with the shape of its source.
type Mask struct {
	Data     []uint8
	Shape    Shape
	Metadata Metadata
}

// NewMask allocates an all-zero mask.
func NewMask(shape Shape) Mask {
	return Mask{
		Data:     make([]uint8, shape.Len()),
		Shape:    shape.Clone(),
		Metadata: DefaultMetadata(),
	}
}

// Validate checks the shape and that the data length agrees with it.
func (m Mask) Validate() error {
	if err := m.Shape.Validate(); err != nil {
		return err
	}
	if len(m.Data) != m.Shape.Len() {
		return segerrors.NewInvalidShapeError("", "mask holds %d values for shape %v", len(m.Data), []int(m.Shape))
	}
	return nil
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	return Mask{
		Data:     append([]uint8(nil), m.Data...),
		Shape:    m.Shape.Clone(),
		Metadata: m.Metadata,
	}
}

// Count returns the number of foreground elements.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Not returns the complement of m.
func (m Mask) Not() Mask {
	out := Mask{
		Data:     make([]uint8, len(m.Data)),
		Shape:    m.Shape.Clone(),
		Metadata: m.Metadata,
	}
	for i, v := range m.Data {
		if v == 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// Equal reports whether both masks have the same shape and values.
func (m Mask) Equal(o Mask) bool {
	if !m.Shape.Equal(o.Shape) || len(m.Data) != len(o.Data) {
		return false
	}
	for i := range m.Data {
		if m.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// NumSlices is the extent of the first axis of a 3D mask.
func (m Mask) NumSlices() int {
	if len(m.Shape) != 3 {
		return 0
	}
	return m.Shape[0]
}

// Slice copies the 2D slice at index z out of a 3D mask.
func (m Mask) Slice(z int) (Mask, error) {
	if len(m.Shape) != 3 {
		return Mask{}, segerrors.NewInvalidShapeError("slice", "need a 3D mask, got rank %d", len(m.Shape))
	}
	if z < 0 || z >= m.Shape[0] {
		return Mask{}, segerrors.NewInvalidShapeError("slice", "slice %d outside [0, %d)", z, m.Shape[0])
	}
	plane := m.Shape[1] * m.Shape[2]
	out := Mask{
		Data:     make([]uint8, plane),
		Shape:    Shape{m.Shape[1], m.Shape[2]},
		Metadata: m.Metadata,
	}
	copy(out.Data, m.Data[z*plane:(z+1)*plane])
	return out, nil
}

// StackMasks rebuilds a 3D mask from 2D slices given in slice order.
func StackMasks(slices []Mask) (Mask, error) {
	if len(slices) == 0 {
		return Mask{}, segerrors.NewInvalidShapeError("stack", "no slices to stack")
	}
	first := slices[0].Shape
	if len(first) != 2 {
		return Mask{}, segerrors.NewInvalidShapeError("stack", "slices must be 2D, got rank %d", len(first))
	}
	plane := first.Len()
	out := Mask{
		Data:     make([]uint8, plane*len(slices)),
		Shape:    Shape{len(slices), first[0], first[1]},
		Metadata: slices[0].Metadata,
	}
	for z, s := range slices {
		if !s.Shape.Equal(first) || len(s.Data) != plane {
			err := segerrors.NewShapeMismatchError("stack", first, s.Shape)
			err.Details["slice"] = z
			return Mask{}, err
		}
		copy(out.Data[z*plane:], s.Data)
	}
	return out, nil
}

// LabelVolume assigns every element a connected-component id, 0 being
// background. Ids are not ordered by size.
type LabelVolume struct {
	Data  []int32
	Shape Shape

	// Count is the number of distinct positive labels
	Count int
}
