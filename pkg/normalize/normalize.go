// Package normalize rescales volume intensities.
package normalize

import (
	"math"

	"gonum.org/v1/gonum/floats"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
)

// Int16Max is the usual maxValue for CT volumes stored as int16.
const Int16Max = math.MaxInt16

// MinMax maps intensities linearly so that the minimum becomes 0 and the
// maximum becomes maxValue. When mask is non-nil, minimum and maximum are
// taken over the voxels where the mask is set (typically the body from
// segmentation.SegmentBody) but every voxel is rescaled, so values outside
// the mask may fall outside [0, maxValue]. A constant input yields zeros.
func MinMax(vol models.Volume, mask *models.Mask, maxValue float64) (models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return models.Volume{}, segerrors.WithStage(err, "normalize")
	}

	sample := vol.Data
	if mask != nil {
		if !mask.Shape.Equal(vol.Shape) || len(mask.Data) != len(vol.Data) {
			return models.Volume{}, segerrors.NewShapeMismatchError("normalize", vol.Shape, mask.Shape)
		}
		sample = make([]float64, 0, len(vol.Data))
		for i, v := range vol.Data {
			if mask.Data[i] == 1 {
				sample = append(sample, v)
			}
		}
		if len(sample) == 0 {
			return models.Volume{}, segerrors.NewInsufficientRegionsError("normalize", 1, 0)
		}
	}

	lo, hi := floats.Min(sample), floats.Max(sample)
	out := models.Volume{
		Data:     make([]float64, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	if hi == lo {
		return out, nil
	}
	copy(out.Data, vol.Data)
	floats.AddConst(-lo, out.Data)
	floats.Scale(maxValue/(hi-lo), out.Data)
	return out, nil
}

// Quantize truncates every intensity toward zero and clamps it to the int16
// range, as happens when a float volume is stored as int16 samples.
func Quantize(vol models.Volume) models.Volume {
	out := models.Volume{
		Data:     make([]float64, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	for i, v := range vol.Data {
		out.Data[i] = math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Trunc(v)))
	}
	return out
}
