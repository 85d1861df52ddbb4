package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psantana5/sweepbatch/pkg/models"
)

// Descriptor is the on-disk form of a shard handed to one worker.
type Descriptor struct {
	JobNum int               `json:"job_num"`
	Batch  []models.WorkUnit `json:"batch"`
}

// DescriptorName returns the zero-padded file name for a shard
func DescriptorName(shardID int) string {
	return fmt.Sprintf("job%05d.json", shardID)
}

// NewDescriptor converts a shard to its descriptor
func NewDescriptor(s models.Shard) Descriptor {
	return Descriptor{JobNum: s.ID, Batch: s.Units}
}

// Shard converts the descriptor back to a shard
func (d Descriptor) Shard() models.Shard {
	return models.Shard{ID: d.JobNum, Units: d.Batch}
}

// WriteDescriptors writes one job%05d.json per shard into dir and returns the paths.
func WriteDescriptors(dir string, shards []models.Shard) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create descriptor directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(shards))
	for _, s := range shards {
		data, err := json.MarshalIndent(NewDescriptor(s), "", "    ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode shard %d: %w", s.ID, err)
		}
		path := filepath.Join(dir, DescriptorName(s.ID))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadDescriptor loads a shard descriptor from disk
func ReadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return DecodeDescriptor(data)
}

// DecodeDescriptor parses descriptor JSON
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("invalid shard descriptor: %w", err)
	}
	return d, nil
}
