// Package threshold turns an intensity volume into a binary mask.
package threshold

import (
	"fmt"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// Mode selects which side of the threshold becomes foreground.
//
// The two segmenters use opposite senses on purpose: the body pipeline
// keeps tissue (Above), the lung pipeline keeps air (AtOrBelow).
type Mode int

const (
	// Above marks v > t as foreground
	Above Mode = iota
	// AtOrBelow marks v <= t as foreground
	AtOrBelow
)

func (m Mode) String() string {
	switch m {
	case Above:
		return "above"
	case AtOrBelow:
		return "at-or-below"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Mask thresholds vol into a new {0,1} mask of the same shape.
func Mask(vol models.Volume, t float64, mode Mode) (models.Mask, error) {
	if err := vol.Validate(); err != nil {
		return models.Mask{}, segerrors.WithStage(err, "threshold")
	}
	if mode != Above && mode != AtOrBelow {
		return models.Mask{}, fmt.Errorf("unknown threshold mode %d", int(mode))
	}

	out := models.Mask{
		Data:     make([]uint8, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	for i, v := range vol.Data {
		var on bool
		if mode == Above {
			on = v > t
		} else {
			on = v <= t
		}
		if on {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// FromMask converts a mask back to an intensity volume holding 0 and 1.
func FromMask(m models.Mask) models.Volume {
	vol := models.Volume{
		Data:     make([]float64, len(m.Data)),
		Shape:    m.Shape.Clone(),
		Metadata: m.Metadata,
	}
	for i, v := range m.Data {
		vol.Data[i] = float64(v)
	}
	return vol
}
