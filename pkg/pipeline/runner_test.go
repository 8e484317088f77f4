package pipeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lungseg/internal/phantom"
	"lungseg/pkg/config"
	"lungseg/pkg/rawio"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeSubject stores the phantom as a raw int16 volume of the given phase
func writeSubject(t *testing.T, root, subject, phase string) string {
	t.Helper()
	dir := filepath.Join(root, subject)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create subject dir: %v", err)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, phantom.DefaultChest().Int16()); err != nil {
		t.Fatalf("Failed to encode phantom: %v", err)
	}
	path := filepath.Join(dir, subject+"_"+phase+".img")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write phantom: %v", err)
	}
	return path
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Segmentation.Structure = []int{3, 3, 3}
	cfg.Segmentation.Workers = 2
	chest := phantom.DefaultChest()
	cfg.Subjects["phantom1"] = config.Subject{
		ImageDim: []int{chest.Width, chest.Height, chest.Slices},
	}
	return cfg
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	inhale := writeSubject(t, root, "phantom1", "iBHCT")
	exhale := writeSubject(t, root, "phantom1", "eBHCT")
	writeSubject(t, root, "phantom2", "eBHCT")
	if err := os.WriteFile(filepath.Join(root, "phantom1", "notes.txt"), nil, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	jobs, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].Input != exhale || jobs[2].Input != inhale {
		t.Errorf("Expected exhale volumes first, got %v", jobs)
	}
	if jobs[1].Subject != "phantom2" {
		t.Errorf("Expected subject phantom2, got %s", jobs[1].Subject)
	}

	if _, err := Discover(filepath.Join(root, "missing")); err == nil {
		t.Errorf("Expected an error for a missing dataset")
	}
}

// TestRunContinuesAfterFailure segments one valid subject and one subject
// without geometry; the second fails without stopping the batch
func TestRunContinuesAfterFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping batch run in short mode")
	}

	root := t.TempDir()
	writeSubject(t, root, "phantom1", "eBHCT")
	writeSubject(t, root, "unknown", "eBHCT")
	out := t.TempDir()

	jobs, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	runner := NewRunner(testConfig(), quietLogger())
	runner.OutputDir = out
	results, summary := runner.Run(jobs)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Errorf("Expected 1 success and 1 failure, got %+v", summary)
	}

	ok := results[0]
	if ok.Err != nil {
		t.Fatalf("phantom1 failed: %v", ok.Err)
	}
	wantPath := filepath.Join(out, "phantom1", "phantom1_eBHCT_lung.img")
	if ok.Output != wantPath {
		t.Errorf("Expected output %s, got %s", wantPath, ok.Output)
	}
	mask, err := rawio.ReadMask(ok.Output)
	if err != nil {
		t.Fatalf("ReadMask failed: %v", err)
	}
	if mask.Count() != ok.Voxels || ok.Voxels < phantom.DefaultChest().LungMask().Count() {
		t.Errorf("Unexpected lung voxels: mask %d, result %d", mask.Count(), ok.Voxels)
	}

	if results[1].Err == nil {
		t.Errorf("Expected the subject without imageDim to fail")
	}
}

func TestRunSavesIntermediate(t *testing.T) {
	root := t.TempDir()
	input := writeSubject(t, root, "phantom1", "eBHCT")

	cfg := testConfig()
	cfg.Output.SaveIntermediate = true
	runner := NewRunner(cfg, quietLogger())

	results, _ := runner.Run([]Job{{Subject: "phantom1", Input: input}})
	if results[0].Err != nil {
		t.Fatalf("Run failed: %v", results[0].Err)
	}
	for _, suffix := range []string{"_lung", "_initial", "_largest"} {
		path := filepath.Join(root, "phantom1", "phantom1_eBHCT"+suffix+".img")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s to exist: %v", path, err)
		}
	}
}

func TestRunTruncatedVolume(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "phantom1", "phantom1_eBHCT.img")
	if err := os.MkdirAll(filepath.Dir(input), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(input, make([]byte, 10), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	results, summary := NewRunner(testConfig(), quietLogger()).Run([]Job{{Subject: "phantom1", Input: input}})
	if summary.Failed != 1 {
		t.Fatalf("Expected the truncated volume to fail")
	}
	if errors.Cause(results[0].Err) == nil {
		t.Errorf("Expected a wrapped cause")
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Fraction: 0.1},
		{Fraction: 0.3},
		{Err: errors.New("boom")},
	}
	s := Summarize(results)
	if s.Succeeded != 2 || s.Failed != 1 {
		t.Errorf("Unexpected counts %+v", s)
	}
	if math.Abs(s.MeanFraction-0.2) > 1e-12 {
		t.Errorf("Expected mean 0.2, got %f", s.MeanFraction)
	}
	if math.Abs(s.StdFraction-math.Sqrt(0.02)) > 1e-12 {
		t.Errorf("Expected std %f, got %f", math.Sqrt(0.02), s.StdFraction)
	}

	if s := Summarize(nil); s.Succeeded != 0 || s.MeanFraction != 0 {
		t.Errorf("Expected an empty summary, got %+v", s)
	}
}

// TestRunUsesDatasetDescription runs a subject whose geometry only comes
// from description.json next to the split directory
func TestRunUsesDatasetDescription(t *testing.T) {
	root := t.TempDir()
	train := filepath.Join(root, "train")
	input := writeSubject(t, train, "copd1", "eBHCT")

	chest := phantom.DefaultChest()
	desc := fmt.Sprintf(`{"train": {"copd1": {"image_dim": [%d, %d, %d], "voxel_dim": [0.625, 0.625, 2.5], "origin": [0, 0, 0]}}}`,
		chest.Width, chest.Height, chest.Slices)
	if err := os.WriteFile(filepath.Join(root, rawio.DescriptionFile), []byte(desc), 0644); err != nil {
		t.Fatalf("Failed to write description: %v", err)
	}

	geometry, _, err := rawio.FindGeometry(train)
	if err != nil {
		t.Fatalf("FindGeometry failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Segmentation.Structure = []int{3, 3, 3}
	runner := NewRunner(cfg, quietLogger())

	results, _ := runner.Run([]Job{{Subject: "copd1", Input: input}})
	if results[0].Err == nil {
		t.Fatalf("Expected a failure without geometry")
	}

	runner.Geometry = geometry
	results, _ = runner.Run([]Job{{Subject: "copd1", Input: input}})
	if results[0].Err != nil {
		t.Fatalf("Run failed: %v", results[0].Err)
	}
	mask, err := rawio.ReadMask(results[0].Output)
	if err != nil {
		t.Fatalf("ReadMask failed: %v", err)
	}
	if mask.Metadata.Spacing != [3]float64{0.625, 0.625, 2.5} {
		t.Errorf("Expected the description spacing on the mask, got %v", mask.Metadata.Spacing)
	}
}

func TestRunPreprocess(t *testing.T) {
	root := t.TempDir()
	input := writeSubject(t, root, "phantom1", "eBHCT")

	runner := NewRunner(testConfig(), quietLogger())
	runner.Mode = Preprocess
	results, summary := runner.Run([]Job{{Subject: "phantom1", Input: input}})
	if summary.Failed != 0 {
		t.Fatalf("Preprocess failed: %v", results[0].Err)
	}

	wantPath := filepath.Join(root, "phantom1", "phantom1_eBHCT_preprocessed.img")
	if results[0].Output != wantPath {
		t.Errorf("Expected output %s, got %s", wantPath, results[0].Output)
	}
	chest := phantom.DefaultChest()
	vol, err := rawio.ReadVolume(wantPath, chest.Shape(), chest.Volume().Metadata)
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	for i, v := range vol.Data {
		if v < 0 || v > 32767 {
			t.Fatalf("voxel %d = %f outside the normalized range", i, v)
		}
	}
	if results[0].Voxels == 0 || results[0].Voxels == len(vol.Data) {
		t.Errorf("Expected the body to exclude the largest component, got %d voxels", results[0].Voxels)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Segment, Preprocess} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("register"); err == nil {
		t.Errorf("Expected an error for an unknown mode")
	}
}
