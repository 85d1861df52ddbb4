package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	ErrOutputMissing   = errors.New("engine output missing")
	ErrOutputMalformed = errors.New("engine output malformed")
)

// CompletedSuccess is the engine's completed_status for a clean run
const CompletedSuccess = "Success"

// Extractor reads structured results from a finished unit directory
type Extractor struct {
	ReportingMeasures []string
}

// Extract returns the camelCased result record of the unit in dir. On a
// missing or malformed file it returns what it could read together with
// ErrOutputMissing or ErrOutputMalformed.
func (e Extractor) Extract(dir, unitID string) (map[string]any, error) {
	data := map[string]any{}
	var errs []error

	osw, err := readOutOSW(filepath.Join(dir, "out.osw"))
	if err != nil {
		errs = append(errs, err)
	}
	dp, err := readDataPoint(filepath.Join(dir, "run", "data_point_out.json"))
	if err != nil {
		errs = append(errs, err)
	}

	for k, v := range e.flatten(dp) {
		data[k] = v
	}
	for k, v := range osw {
		data[k] = v
	}
	data["_id"] = unitID

	out := make(map[string]any, len(data))
	for k, v := range data {
		out[CamelCase(k)] = v
	}
	return out, errors.Join(errs...)
}

func readOutOSW(path string) (map[string]any, error) {
	var doc struct {
		StartedAt       any `json:"started_at"`
		CompletedAt     any `json:"completed_at"`
		CompletedStatus any `json:"completed_status"`
		Steps           []struct {
			MeasureDirName string         `json:"measure_dir_name"`
			Arguments      map[string]any `json:"arguments"`
		} `json:"steps"`
	}
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}

	out := map[string]any{
		"started_at":       doc.StartedAt,
		"completed_at":     doc.CompletedAt,
		"completed_status": doc.CompletedStatus,
	}
	for _, step := range doc.Steps {
		if step.MeasureDirName == "BuildExistingModel" {
			if id, ok := step.Arguments["building_id"]; ok {
				out["building_id"] = id
			}
		}
	}
	return out, nil
}

func readDataPoint(path string) (map[string]map[string]any, error) {
	var dp map[string]map[string]any
	if err := readJSON(path, &dp); err != nil {
		return nil, err
	}
	return dp, nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrOutputMissing, filepath.Base(path))
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOutputMalformed, filepath.Base(path), err)
	}
	return nil
}

func (e Extractor) flatten(dp map[string]map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"upgrade_name", "applicable"} {
		out["ApplyUpgrade."+key] = dp["ApplyUpgrade"][key]
	}

	copyGroup := func(group string) {
		for k, v := range dp[group] {
			out[group+"."+k] = v
		}
	}
	copyGroup("BuildExistingModel")
	units := "BuildExistingModel.units_represented"
	if _, ok := out[units]; !ok {
		out[units] = 1
	}
	copyGroup("SimulationOutputReport")
	for _, m := range e.ReportingMeasures {
		copyGroup(m)
	}
	return out
}

// CamelCase converts snake_case keys to camelCase. The first letter of the
// key is lowered, a leading underscore is kept and dots are left alone.
func CamelCase(key string) string {
	if key == "" {
		return key
	}
	prefix := ""
	if strings.HasPrefix(key, "_") {
		prefix, key = "_", key[1:]
	}

	var b strings.Builder
	upper := false
	for i, r := range key {
		switch {
		case r == '_' && i > 0:
			upper = true
			continue
		case upper:
			b.WriteRune(unicode.ToUpper(r))
		case i == 0:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		upper = false
	}
	if upper {
		b.WriteRune('_')
	}
	return prefix + b.String()
}
