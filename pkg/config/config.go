// Package config provides configuration loading and management for lungseg.
// It handles loading configuration from YAML files and provides default values,
// including the per-subject overrides of the segmentation parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"lungseg/internal/models"
	"lungseg/pkg/morphology"
	"lungseg/pkg/normalize"
	"lungseg/pkg/rawio"
	"lungseg/pkg/segmentation"
	"lungseg/pkg/trachea"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Segmentation defaults applied to every subject
	Segmentation struct {
		// Threshold is the air/tissue intensity cut for the lung pipeline
		Threshold float64 `yaml:"threshold"`

		// Structure is the closing box (slices, height, width)
		Structure []int `yaml:"structure"`

		// FillHolesBeforeTracheaRemoval enables the coarse pre-closing
		FillHolesBeforeTracheaRemoval bool `yaml:"fillHolesBeforeTracheaRemoval"`

		// Workers bounds the per-slice parallelism
		Workers int `yaml:"workers"`
	} `yaml:"segmentation"`

	// Trachea holds the decision-table thresholds
	Trachea trachea.Thresholds `yaml:"trachea"`

	// Subjects maps a subject name (e.g. copd2) to its overrides and raw geometry
	Subjects map[string]Subject `yaml:"subjects"`

	// Preprocess controls the body-normalize-denoise-enhance flow
	Preprocess struct {
		// MaxValue is the top of the min-max range, the int16 maximum by default
		MaxValue float64 `yaml:"maxValue"`

		// DomainSigma is the spatial sigma of the bilateral filter in mm
		DomainSigma float64 `yaml:"domainSigma"`

		// RangeSigma is the intensity sigma of the bilateral filter
		RangeSigma float64 `yaml:"rangeSigma"`

		// ClipLimit is the CLAHE histogram clip limit, relative to the tile size
		ClipLimit float64 `yaml:"clipLimit"`

		// Suffix is appended to the input file name for the preprocessed volume
		Suffix string `yaml:"suffix"`
	} `yaml:"preprocess"`

	// Output parameters
	Output struct {
		// Suffix is appended to the input file name for the lung mask
		Suffix string `yaml:"suffix"`

		// SaveIntermediate also writes the initial and lungs-plus-trachea masks
		SaveIntermediate bool `yaml:"saveIntermediate"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is a logrus level name
		Level string `yaml:"level"`

		// JSON switches to the JSON formatter
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// Subject carries per-subject overrides. Nil fields fall back to the
// segmentation defaults.
type Subject struct {
	Threshold                     *float64 `yaml:"threshold,omitempty"`
	FillHolesBeforeTracheaRemoval *bool    `yaml:"fillHolesBeforeTracheaRemoval,omitempty"`

	// ImageDim is the raw volume size as x, y, z
	ImageDim []int `yaml:"imageDim,omitempty"`

	// VoxelDim is the voxel spacing in mm as x, y, z
	VoxelDim []float64 `yaml:"voxelDim,omitempty"`

	// Origin is the world position of the first voxel in mm
	Origin []float64 `yaml:"origin,omitempty"`
}

// SubjectParams is the resolved configuration of one subject.
type SubjectParams struct {
	Name     string
	Lung     segmentation.LungParams
	Shape    models.Shape
	Metadata models.Metadata
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default segmentation parameters
	cfg.Segmentation.Threshold = 700
	cfg.Segmentation.Structure = []int{7, 7, 7}
	cfg.Segmentation.FillHolesBeforeTracheaRemoval = false
	cfg.Segmentation.Workers = runtime.NumCPU()

	cfg.Trachea = trachea.DefaultThresholds()

	// copd2 needs a lower threshold and the pre-closing
	copd2Threshold := 430.0
	copd2Fill := true
	cfg.Subjects = map[string]Subject{
		"copd2": {
			Threshold:                     &copd2Threshold,
			FillHolesBeforeTracheaRemoval: &copd2Fill,
		},
	}

	cfg.Preprocess.MaxValue = normalize.Int16Max
	cfg.Preprocess.DomainSigma = 2.0
	cfg.Preprocess.RangeSigma = 50.0
	cfg.Preprocess.ClipLimit = 0.01
	cfg.Preprocess.Suffix = "_preprocessed"

	cfg.Output.Suffix = "_lung"
	cfg.Output.SaveIntermediate = false

	cfg.Logging.Level = "info"
	cfg.Logging.JSON = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML. Map entries are decoded into fresh values, so the built-in
	// subject overrides are merged back field by field afterwards.
	builtin := cfg.Subjects
	cfg.Subjects = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.Subjects = mergeSubjects(builtin, cfg.Subjects)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate checks that the configuration can drive a segmentation
func (c *Config) Validate() error {
	if len(c.Segmentation.Structure) != 3 {
		return fmt.Errorf("segmentation.structure needs 3 extents, got %d", len(c.Segmentation.Structure))
	}
	for _, n := range c.Segmentation.Structure {
		if n < 1 {
			return fmt.Errorf("segmentation.structure extents must be positive, got %v", c.Segmentation.Structure)
		}
	}
	if c.Segmentation.Workers < 1 {
		return fmt.Errorf("segmentation.workers must be at least 1, got %d", c.Segmentation.Workers)
	}
	if c.Preprocess.MaxValue <= 0 || c.Preprocess.DomainSigma <= 0 || c.Preprocess.RangeSigma <= 0 {
		return fmt.Errorf("preprocess maxValue and sigmas must be positive")
	}
	if c.Preprocess.ClipLimit < 0 || c.Preprocess.ClipLimit > 1 {
		return fmt.Errorf("preprocess.clipLimit must be in [0, 1], got %f", c.Preprocess.ClipLimit)
	}
	if c.Trachea.AreaGap < 0 || c.Trachea.AxisDifference < 0 || c.Trachea.MinorAxis < 0 {
		return fmt.Errorf("trachea thresholds must not be negative")
	}
	for name, s := range c.Subjects {
		if s.ImageDim != nil && len(s.ImageDim) != 3 {
			return fmt.Errorf("subjects.%s.imageDim needs 3 values", name)
		}
		if s.VoxelDim != nil && len(s.VoxelDim) != 3 {
			return fmt.Errorf("subjects.%s.voxelDim needs 3 values", name)
		}
		if s.Origin != nil && len(s.Origin) != 3 {
			return fmt.Errorf("subjects.%s.origin needs 3 values", name)
		}
	}
	return nil
}

// withDefaults fills the unset fields of s from base.
func (s Subject) withDefaults(base Subject) Subject {
	if s.Threshold == nil {
		s.Threshold = base.Threshold
	}
	if s.FillHolesBeforeTracheaRemoval == nil {
		s.FillHolesBeforeTracheaRemoval = base.FillHolesBeforeTracheaRemoval
	}
	if s.ImageDim == nil {
		s.ImageDim = base.ImageDim
	}
	if s.VoxelDim == nil {
		s.VoxelDim = base.VoxelDim
	}
	if s.Origin == nil {
		s.Origin = base.Origin
	}
	return s
}

// mergeSubjects layers loaded over builtin, one field at a time.
func mergeSubjects(builtin, loaded map[string]Subject) map[string]Subject {
	out := make(map[string]Subject, len(builtin)+len(loaded))
	for name, s := range builtin {
		out[name] = s
	}
	for name, s := range loaded {
		out[name] = s.withDefaults(out[name])
	}
	return out
}

// ForSubject merges the defaults with the overrides of the named subject.
// Unknown subjects get the defaults.
func (c *Config) ForSubject(name string) SubjectParams {
	return c.resolve(name, Subject{})
}

// ForSubjectWithGeometry is ForSubject with g, usually read from the
// dataset description, as the fallback geometry. Geometry set in the
// configuration wins.
func (c *Config) ForSubjectWithGeometry(name string, g rawio.Geometry) SubjectParams {
	return c.resolve(name, Subject{ImageDim: g.ImageDim, VoxelDim: g.VoxelDim, Origin: g.Origin})
}

func (c *Config) resolve(name string, fallback Subject) SubjectParams {
	p := SubjectParams{
		Name: name,
		Lung: segmentation.LungParams{
			Threshold:                     c.Segmentation.Threshold,
			Structure:                     append(morphology.StructuringElement(nil), c.Segmentation.Structure...),
			FillHolesBeforeTracheaRemoval: c.Segmentation.FillHolesBeforeTracheaRemoval,
			Thresholds:                    c.Trachea,
			Workers:                       c.Segmentation.Workers,
		},
		Metadata: models.DefaultMetadata(),
	}

	s := c.Subjects[name].withDefaults(fallback)
	if s.Threshold != nil {
		p.Lung.Threshold = *s.Threshold
	}
	if s.FillHolesBeforeTracheaRemoval != nil {
		p.Lung.FillHolesBeforeTracheaRemoval = *s.FillHolesBeforeTracheaRemoval
	}
	if len(s.ImageDim) == 3 {
		// raw files are x-fastest, volumes are (slice, height, width)
		p.Shape = models.Shape{s.ImageDim[2], s.ImageDim[1], s.ImageDim[0]}
	}
	if len(s.VoxelDim) == 3 {
		copy(p.Metadata.Spacing[:], s.VoxelDim)
	}
	if len(s.Origin) == 3 {
		copy(p.Metadata.Origin[:], s.Origin)
	}
	return p
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
