// Package workflow builds the engine input descriptor (an OSW document) for one work unit.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/project"
)

// Step measure names the engine recognizes
const (
	MeasureSimulationControls = "ResidentialSimulationControls"
	MeasureBuildExisting      = "BuildExistingModel"
	MeasureApplyUpgrade       = "ApplyUpgrade"
	MeasureOutputReport       = "SimulationOutputReport"
	MeasureTimeseriesExport   = "TimeseriesCSVExport"
	MeasureCleanup            = "ServerDirectoryCleanup"
)

// Builder produces the input descriptor of a unit
type Builder interface {
	Build(unitID string, unit models.WorkUnit) (map[string]any, error)
}

// Residential generates the default residential workflow
type Residential struct {
	cfg *project.Config
	now func() time.Time
}

// NewResidential creates a generator for a loaded project
func NewResidential(cfg *project.Config) *Residential {
	return &Residential{cfg: cfg, now: time.Now}
}

// Build returns the OSW document for unit
func (r *Residential) Build(unitID string, unit models.WorkUnit) (map[string]any, error) {
	controls := map[string]any{
		"timesteps_per_hr":   6,
		"begin_month":        1,
		"begin_day_of_month": 1,
		"end_month":          12,
		"end_day_of_month":   31,
		"calendar_year":      2007,
	}
	merge(controls, r.cfg.SimulationControls)

	existing := map[string]any{
		"building_id":   unit.CaseID,
		"workflow_json": "measure-info.json",
		"sample_weight": r.cfg.SampleWeight(),
	}
	if len(r.cfg.Baseline.MeasuresToIgnore) > 0 {
		existing["measures_to_ignore"] = strings.Join(r.cfg.Baseline.MeasuresToIgnore, "|")
	}

	steps := []map[string]any{
		step(MeasureSimulationControls, controls),
		step(MeasureBuildExisting, existing),
	}

	if !unit.IsBaseline() {
		upgrade, err := r.applyUpgrade(*unit.VariantID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", unitID, err)
		}
		steps = append(steps, upgrade)
	}

	for _, m := range r.cfg.Baseline.Measures {
		steps = append(steps, step(m.MeasureDirName, copyArgs(m.Arguments)))
	}

	outputArgs := map[string]any{}
	merge(outputArgs, r.cfg.SimulationOutput)
	steps = append(steps, step(MeasureOutputReport, outputArgs))

	if r.cfg.TimeseriesCSVExport != nil {
		args := map[string]any{
			"reporting_frequency":          "Hourly",
			"include_enduse_subcategories": false,
			"output_variables":             "",
		}
		merge(args, r.cfg.TimeseriesCSVExport)
		steps = append(steps, step(MeasureTimeseriesExport, args))
	}
	for _, m := range r.cfg.ReportingMeasures {
		s := step(m.MeasureDirName, copyArgs(m.Arguments))
		s["measure_type"] = "ReportingMeasure"
		steps = append(steps, s)
	}

	steps = append(steps, step(MeasureCleanup, map[string]any{}))

	return map[string]any{
		"id":            unitID,
		"steps":         steps,
		"created_at":    r.now().Format("2006-01-02T15:04:05.000000"),
		"measure_paths": []string{"measures"},
	}, nil
}

func (r *Residential) applyUpgrade(variant int) (map[string]any, error) {
	if variant < 0 || variant >= len(r.cfg.Upgrades) {
		return nil, fmt.Errorf("variant %d out of range, project defines %d upgrades", variant, len(r.cfg.Upgrades))
	}
	up := r.cfg.Upgrades[variant]

	args := map[string]any{"run_measure": 1}
	if up.UpgradeName != "" {
		args["upgrade_name"] = up.UpgradeName
	}
	for i, opt := range up.Options {
		n := i + 1
		args[fmt.Sprintf("option_%d", n)] = opt.Option
		if opt.Lifetime != nil {
			args[fmt.Sprintf("option_%d_lifetime", n)] = *opt.Lifetime
		}
		if opt.ApplyLogic != nil {
			logic, err := ApplyLogic(opt.ApplyLogic)
			if err != nil {
				return nil, fmt.Errorf("option %d apply_logic: %w", n, err)
			}
			args[fmt.Sprintf("option_%d_apply_logic", n)] = logic
		}
		for j, cost := range opt.Costs {
			if cost.Value != nil {
				args[fmt.Sprintf("option_%d_cost_%d_value", n, j+1)] = *cost.Value
			}
			if cost.Multiplier != nil {
				args[fmt.Sprintf("option_%d_cost_%d_multiplier", n, j+1)] = *cost.Multiplier
			}
		}
	}
	if up.PackageApplyLogic != nil {
		logic, err := ApplyLogic(up.PackageApplyLogic)
		if err != nil {
			return nil, fmt.Errorf("package_apply_logic: %w", err)
		}
		args["package_apply_logic"] = logic
	}
	return step(MeasureApplyUpgrade, args), nil
}

// ApplyLogic renders a logic tree into the engine's expression syntax.
// A list is a conjunction, {or: [...]} a disjunction, {not: x} a negation
// and {and: [...]} the same as a list. Strings are option references.
func ApplyLogic(logic any) (string, error) {
	switch v := logic.(type) {
	case string:
		return v, nil
	case []any:
		return join(v, "&&")
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return join(items, "&&")
	case map[string]any:
		if len(v) != 1 {
			return "", fmt.Errorf("logic block must have exactly one key, got %d", len(v))
		}
		for key, val := range v {
			switch key {
			case "and":
				return ApplyLogic(val)
			case "or":
				items, ok := val.([]any)
				if !ok {
					return "", errors.New("or block must hold a list")
				}
				return join(items, "||")
			case "not":
				inner, err := ApplyLogic(val)
				if err != nil {
					return "", err
				}
				return "!" + inner, nil
			default:
				return "", fmt.Errorf("unknown logic operator %q", key)
			}
		}
	}
	return "", fmt.Errorf("unsupported logic value %T", logic)
}

func join(items []any, op string) (string, error) {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, err := ApplyLogic(item)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

func step(name string, args map[string]any) map[string]any {
	return map[string]any{
		"measure_dir_name": name,
		"arguments":        args,
	}
}

func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func copyArgs(src map[string]interface{}) map[string]any {
	out := make(map[string]any, len(src))
	merge(out, src)
	return out
}
