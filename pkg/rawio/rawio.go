// Package rawio reads headerless int16 CT volumes and writes uint8 masks
// with a YAML sidecar describing their geometry.
package rawio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lungseg/internal/models"
)

// Sidecar is the geometry written next to a raw mask.
type Sidecar struct {
	// Shape is (slices, height, width)
	Shape    []int           `yaml:"shape"`
	Type     string          `yaml:"type"`
	Metadata models.Metadata `yaml:"metadata"`
}

// SidecarPath returns the sidecar file name for a raw file.
func SidecarPath(rawPath string) string {
	return rawPath + ".yaml"
}

// ReadVolume reads a little-endian int16 volume of the given shape, x
// fastest, as stored in DIR-Lab style .img files.
func ReadVolume(path string, shape models.Shape, meta models.Metadata) (models.Volume, error) {
	if err := shape.Validate(); err != nil {
		return models.Volume{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return models.Volume{}, err
	}
	defer file.Close()

	return DecodeVolume(bufio.NewReader(file), shape, meta)
}

// DecodeVolume reads shape.Len() little-endian int16 values from r.
func DecodeVolume(r io.Reader, shape models.Shape, meta models.Metadata) (models.Volume, error) {
	raw := make([]int16, shape.Len())
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return models.Volume{}, fmt.Errorf("failed to read %d voxels: %w", len(raw), err)
	}

	vol := models.Volume{
		Data:     make([]float64, len(raw)),
		Shape:    shape.Clone(),
		Metadata: meta,
	}
	for i, v := range raw {
		vol.Data[i] = float64(v)
	}
	return vol, nil
}

// WriteVolume stores vol as little-endian int16 samples, truncated toward
// zero and clamped, with its geometry in SidecarPath(path).
func WriteVolume(path string, vol models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	samples := make([]int16, len(vol.Data))
	for i, v := range vol.Data {
		samples[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Trunc(v))))
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}
	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		file.Close()
		return fmt.Errorf("failed to write volume: %w", err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write volume: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close volume: %w", err)
	}

	return WriteSidecar(SidecarPath(path), Sidecar{
		Shape:    vol.Shape,
		Type:     "int16",
		Metadata: vol.Metadata,
	})
}

// WriteMask writes mask as raw uint8 and its geometry to SidecarPath(path).
func WriteMask(path string, mask models.Mask) error {
	if err := mask.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, mask.Data, 0644); err != nil {
		return fmt.Errorf("failed to write mask: %w", err)
	}
	return WriteSidecar(SidecarPath(path), Sidecar{
		Shape:    mask.Shape,
		Type:     "uint8",
		Metadata: mask.Metadata,
	})
}

// WriteSidecar marshals s to path.
func WriteSidecar(path string, s Sidecar) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// ReadMask loads a mask written by WriteMask.
func ReadMask(path string) (models.Mask, error) {
	meta, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		return models.Mask{}, err
	}
	var s Sidecar
	if err := yaml.Unmarshal(meta, &s); err != nil {
		return models.Mask{}, fmt.Errorf("failed to parse sidecar: %w", err)
	}
	if s.Type != "uint8" {
		return models.Mask{}, fmt.Errorf("unsupported mask type %q", s.Type)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Mask{}, err
	}
	mask := models.Mask{Data: data, Shape: models.Shape(s.Shape), Metadata: s.Metadata}
	if err := mask.Validate(); err != nil {
		return models.Mask{}, err
	}
	return mask, nil
}
