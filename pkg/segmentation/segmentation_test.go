package segmentation

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	segerrors "lungseg/internal/errors"
	"lungseg/internal/models"
	"lungseg/internal/phantom"
	"lungseg/pkg/morphology"
	"lungseg/pkg/trachea"
)

func init() {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	SetLogger(quiet)
}

func phantomParams() LungParams {
	p := DefaultLungParams()
	p.Structure = morphology.StructuringElement{3, 3, 3}
	p.Workers = 2
	return p
}

// TestLungsWithoutTrachea runs the lung pipeline on a synthetic chest whose
// lungs and trachea are only connected through the third dimension
func TestLungsWithoutTrachea(t *testing.T) {
	chest := phantom.DefaultChest()
	res, err := SegmentLungsAndRemoveTrachea(chest.Volume(), phantomParams())
	if err != nil {
		t.Fatalf("SegmentLungsAndRemoveTrachea failed: %v", err)
	}

	if len(res.Regions) < 2 {
		t.Fatalf("Expected at least 2 components, got %d", len(res.Regions))
	}
	if res.Regions[0].Area <= res.Regions[1].Area {
		t.Errorf("Expected outside air to be the largest component")
	}

	lungs := chest.LungMask()
	tracheaMask := chest.TracheaMask()
	for i := range res.Final.Data {
		if lungs.Data[i] == 1 && res.Final.Data[i] != 1 {
			t.Fatalf("Lung voxel %d missing from the final mask", i)
		}
		if tracheaMask.Data[i] == 1 && res.Final.Data[i] != 0 {
			t.Fatalf("Trachea voxel %d left in the final mask", i)
		}
		if tracheaMask.Data[i] == 1 && res.LargestMasks.Data[i] != 1 {
			t.Fatalf("Trachea voxel %d missing from the lungs-plus-trachea mask", i)
		}
	}

	if res.Report.Counts[trachea.Three] != chest.Slices {
		t.Errorf("Expected every slice to show lungs and trachea, got %v", res.Report.Counts)
	}
	if !res.Final.Shape.Equal(chest.Shape()) {
		t.Errorf("Final shape %v, want %v", res.Final.Shape, chest.Shape())
	}
	for i, v := range res.Final.Data {
		if v > 1 {
			t.Fatalf("Final mask value %d at %d", v, i)
		}
	}
}

func TestLungsDeterministic(t *testing.T) {
	vol := phantom.DefaultChest().Volume()

	first, err := SegmentLungsAndRemoveTrachea(vol, phantomParams())
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	p := phantomParams()
	p.Workers = 1
	second, err := SegmentLungsAndRemoveTrachea(vol, p)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if !first.Final.Equal(second.Final) {
		t.Errorf("Repeated runs returned different masks")
	}
}

func TestFillHolesBeforeTracheaRemoval(t *testing.T) {
	vol := phantom.DefaultChest().Volume()

	plain, err := SegmentLungsAndRemoveTrachea(vol, phantomParams())
	if err != nil {
		t.Fatalf("Segmentation failed: %v", err)
	}
	p := phantomParams()
	p.FillHolesBeforeTracheaRemoval = true
	filled, err := SegmentLungsAndRemoveTrachea(vol, p)
	if err != nil {
		t.Fatalf("Segmentation with pre-closing failed: %v", err)
	}

	if filled.LargestMasks.Count() < plain.LargestMasks.Count() {
		t.Errorf("Pre-closing shrank the lungs-plus-trachea mask: %d < %d",
			filled.LargestMasks.Count(), plain.LargestMasks.Count())
	}
	for i, v := range plain.LargestMasks.Data {
		if v == 1 && filled.LargestMasks.Data[i] != 1 {
			t.Fatalf("Pre-closing removed voxel %d", i)
		}
	}
}

// TestLungsNoAir checks that a volume without air degrades to empty masks
func TestLungsNoAir(t *testing.T) {
	vol := models.NewVolume(models.Shape{4, 8, 8})
	for i := range vol.Data {
		vol.Data[i] = 1000
	}

	res, err := SegmentLungsAndRemoveTrachea(vol, phantomParams())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Final.Count() != 0 || res.LargestMasks.Count() != 0 {
		t.Errorf("Expected empty masks, got %d and %d voxels", res.Final.Count(), res.LargestMasks.Count())
	}
	if res.Report.Counts[trachea.Zero] != 4 {
		t.Errorf("Expected 4 empty slices, got %v", res.Report.Counts)
	}
}

func TestLungsRejectInvalidVolume(t *testing.T) {
	_, err := SegmentLungsAndRemoveTrachea(models.NewVolume(models.Shape{8, 8}), DefaultLungParams())
	if !errors.Is(err, segerrors.ErrInvalidShape) {
		t.Errorf("Expected invalid shape for a 2D volume, got %v", err)
	}

	_, err = SegmentLungsAndRemoveTrachea(models.Volume{Shape: models.Shape{2, 2, 2}}, DefaultLungParams())
	if !errors.Is(err, segerrors.ErrInvalidShape) {
		t.Errorf("Expected invalid shape for missing data, got %v", err)
	}
}

// bodyVolume holds a gantry slab, a smaller body block and background
func bodyVolume() models.Volume {
	vol := models.NewVolume(models.Shape{4, 10, 10})
	for z := 0; z < 4; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				i := z*100 + y*10 + x
				switch {
				case y < 4:
					vol.Data[i] = 1000
				case y >= 6 && x >= 2 && x < 6:
					vol.Data[i] = 800
				default:
					vol.Data[i] = -1000
				}
			}
		}
	}
	return vol
}

func TestSegmentBody(t *testing.T) {
	vol := bodyVolume()

	res, err := SegmentBody(vol, 500)
	if err != nil {
		t.Fatalf("SegmentBody failed: %v", err)
	}
	if res.Labels.Count != 2 {
		t.Errorf("Expected 2 components, got %d", res.Labels.Count)
	}
	if res.LargestMask.Count() != 160 {
		t.Errorf("Expected a 160 voxel not-body component, got %d", res.LargestMask.Count())
	}
	if res.Mask.Count() != 224 {
		t.Errorf("Expected 224 voxels above threshold, got %d", res.Mask.Count())
	}

	for i, v := range vol.Data {
		want := v
		if res.LargestMask.Data[i] == 1 {
			want = 0
		}
		if res.Body.Data[i] != want {
			t.Fatalf("Body voxel %d = %f, want %f", i, res.Body.Data[i], want)
		}
	}
	if vol.Data[0] != 1000 {
		t.Errorf("SegmentBody modified its input")
	}
}

func TestSegmentBodyNoRegions(t *testing.T) {
	vol := models.NewVolume(models.Shape{2, 4, 4})
	_, err := SegmentBody(vol, 500)
	if !errors.Is(err, segerrors.ErrInsufficientRegions) {
		t.Fatalf("Expected insufficient regions, got %v", err)
	}
}
