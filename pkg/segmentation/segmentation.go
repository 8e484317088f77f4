// Package segmentation wires thresholding, 3D labeling, region ranking,
// trachea removal and closing into the body and lung pipelines.
package segmentation

import (
	"runtime"

	"github.com/sirupsen/logrus"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
	"lungseg/pkg/labeling"
	"lungseg/pkg/morphology"
	"lungseg/pkg/regions"
	"lungseg/pkg/threshold"
	"lungseg/pkg/trachea"
)

// topK is how many 3D components the pipelines look at. Index 0 is the
// air or gantry around the patient, index 1 the lungs with the trachea.
const topK = 3

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for stage messages.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		log = l
	}
}

// BodyResult holds every intermediate of SegmentBody.
type BodyResult struct {
	// Mask is the thresholded volume (intensity above threshold)
	Mask models.Mask

	// Labels is the 3D full-connectivity labeling of Mask
	Labels models.LabelVolume

	// LargestMask marks the largest component, the not-body part
	LargestMask models.Mask

	// Body is the input with the not-body component set to 0
	Body models.Volume
}

// SegmentBody separates the patient's body from the surrounding gantry and
// background. Voxels above threshold are labeled in 3D; the largest
// component is taken as not-body and zeroed in a copy of vol.
func SegmentBody(vol models.Volume, t float64) (BodyResult, error) {
	if err := validateVolume(vol, "segment-body"); err != nil {
		return BodyResult{}, err
	}

	mask, err := threshold.Mask(vol, t, threshold.Above)
	if err != nil {
		return BodyResult{}, segerrors.WithStage(err, "segment-body")
	}
	lv, count, err := labeling.Label(mask, labeling.Full)
	if err != nil {
		return BodyResult{}, segerrors.WithStage(err, "segment-body")
	}
	top := regions.TopRegions(lv, topK)
	if len(top) == 0 {
		return BodyResult{}, segerrors.NewInsufficientRegionsError("segment-body", 1, 0)
	}

	notBody := regions.MakeRegionMask(lv, top[0])
	notBody.Metadata = vol.Metadata

	body := models.Volume{
		Data:     make([]float64, len(vol.Data)),
		Shape:    vol.Shape.Clone(),
		Metadata: vol.Metadata,
	}
	for i, v := range vol.Data {
		if notBody.Data[i] == 0 {
			body.Data[i] = v
		}
	}

	log.WithFields(logrus.Fields{
		"threshold":  t,
		"components": count,
		"not_body":   top[0].Area,
	}).Debug("body segmented")

	return BodyResult{
		Mask:        mask,
		Labels:      lv,
		LargestMask: notBody,
		Body:        body,
	}, nil
}

// LungParams controls SegmentLungsAndRemoveTrachea.
type LungParams struct {
	// Threshold: voxels at or below it are air candidates
	Threshold float64

	// Structure is the box used for the final closing
	Structure morphology.StructuringElement

	// FillHolesBeforeTracheaRemoval closes the lungs-plus-trachea mask
	// with a box twice the size of Structure before slices are examined
	FillHolesBeforeTracheaRemoval bool

	// Thresholds of the per-slice decision table
	Thresholds trachea.Thresholds

	// Workers for the per-slice pass, see trachea.Remover
	Workers int
}

// DefaultLungParams returns threshold 700, a 7x7x7 box, no pre-closing and
// the default decision thresholds.
func DefaultLungParams() LungParams {
	return LungParams{
		Threshold:  700,
		Structure:  morphology.StructuringElement{7, 7, 7},
		Thresholds: trachea.DefaultThresholds(),
		Workers:    runtime.NumCPU(),
	}
}

// LungResult holds every intermediate of SegmentLungsAndRemoveTrachea.
type LungResult struct {
	// InitialMask is the thresholded volume (intensity at or below threshold)
	InitialMask models.Mask

	// Labels is the 3D full-connectivity labeling of InitialMask
	Labels models.LabelVolume

	// Regions are the (up to) three largest 3D components
	Regions []regions.Region

	// LargestMasks marks the second-largest component, lungs plus
	// trachea, after the optional pre-closing
	LargestMasks models.Mask

	// Final is the closed, trachea-free lung mask with values 0 and 1
	Final models.Mask

	// Report lists the decision taken on every slice
	Report trachea.Report
}

// SegmentLungsAndRemoveTrachea extracts both lungs without the trachea.
//
//  1. Threshold at or below p.Threshold (air).
//  2. Label in 3D with full connectivity and rank the three largest
//     components.
//  3. Keep the second largest (the largest is outside air).
//  4. Optionally close it with a doubled structuring element.
//  5. Remove the trachea slice by slice.
//  6. Close the result with p.Structure.
//
// Fewer than two components leave LargestMasks and Final empty rather than
// failing; the condition is logged.
func SegmentLungsAndRemoveTrachea(vol models.Volume, p LungParams) (LungResult, error) {
	const stage = "segment-lungs"
	if err := validateVolume(vol, stage); err != nil {
		return LungResult{}, err
	}

	initial, err := threshold.Mask(vol, p.Threshold, threshold.AtOrBelow)
	if err != nil {
		return LungResult{}, segerrors.WithStage(err, stage)
	}
	lv, count, err := labeling.Label(initial, labeling.Full)
	if err != nil {
		return LungResult{}, segerrors.WithStage(err, stage)
	}
	top := regions.TopRegions(lv, topK)

	fields := logrus.Fields{
		"threshold":  p.Threshold,
		"components": count,
	}

	var largest models.Mask
	if len(top) < 2 {
		largest = models.NewMask(vol.Shape)
		insufficient := segerrors.NewInsufficientRegionsError(stage, 2, len(top))
		log.WithFields(fields).WithFields(logrus.Fields(insufficient.ToMap())).Warn("no lung component, returning empty mask")
	} else {
		largest = regions.MakeRegionMask(lv, top[1])
		fields["lungs_trachea"] = top[1].Area
	}
	largest.Metadata = vol.Metadata

	if p.FillHolesBeforeTracheaRemoval {
		largest, err = morphology.Close(largest, p.Structure.Scale(2))
		if err != nil {
			return LungResult{}, segerrors.WithStage(err, stage)
		}
	}

	remover := &trachea.Remover{Thresholds: p.Thresholds, Workers: p.Workers}
	noTrachea, report, err := remover.Remove(largest)
	if err != nil {
		return LungResult{}, segerrors.WithStage(err, stage)
	}

	final, err := morphology.Close(noTrachea, p.Structure)
	if err != nil {
		return LungResult{}, segerrors.WithStage(err, stage)
	}
	final.Metadata = vol.Metadata

	for _, c := range trachea.Cases() {
		fields["slices_"+c.String()] = report.Counts[c]
	}
	fields["lung_voxels"] = final.Count()
	log.WithFields(fields).Debug("lungs segmented")

	return LungResult{
		InitialMask:  initial,
		Labels:       lv,
		Regions:      top,
		LargestMasks: largest,
		Final:        final,
		Report:       report,
	}, nil
}

func validateVolume(vol models.Volume, stage string) error {
	if err := vol.Validate(); err != nil {
		return segerrors.WithStage(err, stage)
	}
	if len(vol.Shape) != 3 {
		return segerrors.NewInvalidShapeError(stage, "need a 3D volume, got rank %d", len(vol.Shape))
	}
	return nil
}
