package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/psantana5/sweepbatch/pkg/models"
)

// MarkerPath is the state file of a unit directory
func MarkerPath(dir string) string {
	return filepath.Join(dir, "run", "unit.state")
}

// readMarker returns the unit's marker, or nil when it is missing or unreadable
func readMarker(dir string) *models.StateMarker {
	data, err := os.ReadFile(MarkerPath(dir))
	if err != nil {
		return nil
	}
	var m models.StateMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

// writeMarker moves the unit to state. The file is replaced atomically.
func writeMarker(dir string, prev *models.StateMarker, next models.StateMarker) error {
	from := models.UnitAbsent
	if prev != nil {
		from = prev.State
	}
	if err := models.ValidateTransition(from, next.State); err != nil {
		return fmt.Errorf("unit %s: %w", next.Unit, err)
	}

	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	path := MarkerPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ScanMarkers reads the marker of every unit directory under unitsDir,
// sorted by unit. Directories without a readable marker are skipped.
func ScanMarkers(unitsDir string) ([]models.StateMarker, error) {
	entries, err := os.ReadDir(unitsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.StateMarker
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := readMarker(filepath.Join(unitsDir, e.Name())); m.Valid(e.Name()) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}
