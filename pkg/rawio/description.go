package rawio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DescriptionFile is the name of the dataset description.
const DescriptionFile = "description.json"

// Geometry is the raw layout of one subject, all values as x, y, z.
type Geometry struct {
	ImageDim []int     `json:"image_dim"`
	VoxelDim []float64 `json:"voxel_dim"`
	Origin   []float64 `json:"origin"`
}

// Description maps a split (train, test) to the geometry of its subjects.
type Description map[string]map[string]Geometry

// ReadDescription parses a description.json file.
func ReadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return d, nil
}

// FindGeometry looks for the description of a split directory such as
// dataset/train, first inside it and then next to it, and returns the
// geometry of its subjects. A dataset without a description yields nil.
func FindGeometry(splitDir string) (map[string]Geometry, string, error) {
	split := filepath.Base(filepath.Clean(splitDir))
	for _, dir := range []string{splitDir, filepath.Dir(filepath.Clean(splitDir))} {
		path := filepath.Join(dir, DescriptionFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		d, err := ReadDescription(path)
		if err != nil {
			return nil, path, err
		}
		return d[split], path, nil
	}
	return nil, "", nil
}
