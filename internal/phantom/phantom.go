// Package phantom builds small synthetic chest CT volumes with known lung
// and trachea voxels.
package phantom

import (
	"lungseg/internal/models"
)

// Chest describes a phantom: a ring of outside air along the image border,
// body tissue, two lung cylinders and a trachea cylinder between them
// running through every slice. The three cylinders are joined in 3D by two
// one-voxel bronchus chains that step one slice and one column at a time,
// so in any single slice the chain voxels never bridge a lung and the
// trachea.
type Chest struct {
	Slices, Height, Width int

	// Frame is the thickness of the outside-air ring in pixels
	Frame int

	LungRadius    int
	TracheaRadius int

	// Gap is the number of tissue columns between each lung and the
	// trachea on the centre row; it must be smaller than Slices
	Gap int

	Air    float64
	Tissue float64
}

// DefaultChest is a 10 x 40 x 64 phantom with 8-pixel lungs and a
// 3-pixel trachea, air at 0 and tissue at 1000.
func DefaultChest() Chest {
	return Chest{
		Slices:        10,
		Height:        40,
		Width:         64,
		Frame:         3,
		LungRadius:    8,
		TracheaRadius: 3,
		Gap:           6,
		Air:           0,
		Tissue:        1000,
	}
}

// Shape is (Slices, Height, Width).
func (c Chest) Shape() models.Shape {
	return models.Shape{c.Slices, c.Height, c.Width}
}

func (c Chest) centres() (row, left, trachea, right int) {
	row = c.Height / 2
	trachea = c.Width / 2
	left = trachea - c.TracheaRadius - c.Gap - 1 - c.LungRadius
	right = trachea + c.TracheaRadius + c.Gap + 1 + c.LungRadius
	return
}

func inDisk(y, x, cy, cx, r int) bool {
	dy, dx := y-cy, x-cx
	return dy*dy+dx*dx <= r*r
}

// IsLung reports whether (y, x) lies in either lung cylinder.
func (c Chest) IsLung(y, x int) bool {
	row, left, _, right := c.centres()
	return inDisk(y, x, row, left, c.LungRadius) || inDisk(y, x, row, right, c.LungRadius)
}

// IsTrachea reports whether (y, x) lies in the trachea cylinder.
func (c Chest) IsTrachea(y, x int) bool {
	row, _, trachea, _ := c.centres()
	return inDisk(y, x, row, trachea, c.TracheaRadius)
}

// IsBronchus reports whether (z, y, x) is a voxel of one of the chains.
func (c Chest) IsBronchus(z, y, x int) bool {
	row, left, trachea, _ := c.centres()
	if y != row || z < 1 || z > c.Gap {
		return false
	}
	return x == left+c.LungRadius+z || x == trachea+c.TracheaRadius+z
}

// IsOutside reports whether (y, x) lies in the outside-air ring.
func (c Chest) IsOutside(y, x int) bool {
	return y < c.Frame || y >= c.Height-c.Frame || x < c.Frame || x >= c.Width-c.Frame
}

// Volume renders the phantom intensities.
func (c Chest) Volume() models.Volume {
	vol := models.NewVolume(c.Shape())
	c.each(func(i, z, y, x int) {
		if c.IsOutside(y, x) || c.IsLung(y, x) || c.IsTrachea(y, x) || c.IsBronchus(z, y, x) {
			vol.Data[i] = c.Air
		} else {
			vol.Data[i] = c.Tissue
		}
	})
	return vol
}

// LungMask marks the lung cylinder voxels.
func (c Chest) LungMask() models.Mask {
	return c.mask(func(z, y, x int) bool { return c.IsLung(y, x) })
}

// TracheaMask marks the trachea cylinder voxels.
func (c Chest) TracheaMask() models.Mask {
	return c.mask(func(z, y, x int) bool { return c.IsTrachea(y, x) })
}

func (c Chest) mask(in func(z, y, x int) bool) models.Mask {
	m := models.NewMask(c.Shape())
	c.each(func(i, z, y, x int) {
		if in(z, y, x) {
			m.Data[i] = 1
		}
	})
	return m
}

func (c Chest) each(fn func(i, z, y, x int)) {
	i := 0
	for z := 0; z < c.Slices; z++ {
		for y := 0; y < c.Height; y++ {
			for x := 0; x < c.Width; x++ {
				fn(i, z, y, x)
				i++
			}
		}
	}
}

// Int16 returns the phantom intensities as int16, the raw CT sample type.
func (c Chest) Int16() []int16 {
	vol := c.Volume()
	out := make([]int16, len(vol.Data))
	for i, v := range vol.Data {
		out[i] = int16(v)
	}
	return out
}
