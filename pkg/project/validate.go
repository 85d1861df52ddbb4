package project

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalid marks fatal configuration problems. Nothing remote is touched once it is returned.
var ErrInvalid = errors.New("invalid project configuration")

// ValidationError lists every problem found in one pass
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s:\n  - %s", ErrInvalid, strings.Join(e.Problems, "\n  - "))
}

// Is makes errors.Is(err, ErrInvalid) hold
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

type validator struct {
	problems []string
}

func (v *validator) checkf(ok bool, format string, args ...interface{}) {
	if !ok {
		v.problems = append(v.problems, fmt.Sprintf(format, args...))
	}
}

func (v *validator) dir(path, what string) {
	if path == "" {
		v.problems = append(v.problems, what+" is not set")
		return
	}
	info, err := os.Stat(path)
	v.checkf(err == nil && info.IsDir(), "%s %s does not exist or is not a directory", what, path)
}

func (v *validator) file(path, what string) {
	if path == "" {
		v.problems = append(v.problems, what+" is not set")
		return
	}
	info, err := os.Stat(path)
	v.checkf(err == nil && !info.IsDir(), "%s %s does not exist", what, path)
}

// Validate checks the settings that every run needs. When checkFiles is set,
// referenced local directories and files must exist too.
func (c *Config) Validate(checkFiles bool) error {
	v := &validator{}

	v.checkf(strings.TrimSpace(c.JobName) != "", "job_name is required")
	v.checkf(c.Baseline.NDatapoints > 0, "baseline.n_datapoints must be positive")
	v.checkf(c.Baseline.NBuildingsRepresented > 0, "baseline.n_buildings_represented must be positive")

	for i, up := range c.Upgrades {
		v.checkf(len(up.Options) > 0, "upgrades[%d] has no options", i)
		for j, opt := range up.Options {
			v.checkf(opt.Option != "", "upgrades[%d].options[%d].option is required", i, j)
		}
	}
	for i, m := range c.ReportingMeasures {
		v.checkf(m.MeasureDirName != "", "reporting_measures[%d].measure_dir_name is required", i)
	}

	switch c.Sandbox.Runtime {
	case RuntimeDocker, RuntimeSingularity:
		v.checkf(c.Sandbox.Image != "", "sandbox.image is required for runtime %s", c.Sandbox.Runtime)
	case RuntimeProcess:
	default:
		v.checkf(false, "sandbox.runtime %q is not one of docker, singularity, process", c.Sandbox.Runtime)
	}
	v.checkf(c.Sandbox.Timeout.Duration > 0, "sandbox.timeout must be positive")

	switch c.Backend {
	case BackendLocal:
		v.checkf(c.OutputDirectory != "", "output_directory is required")
	case BackendCluster:
		v.checkf(c.OutputDirectory != "", "output_directory is required")
		v.checkf(c.Cluster.Scheduler == "sbatch" || c.Cluster.Scheduler == "qsub",
			"cluster.scheduler %q must be sbatch or qsub", c.Cluster.Scheduler)
		v.checkf(c.Cluster.NJobs > 0, "cluster.n_jobs must be positive")
		if checkFiles {
			v.file(c.Cluster.JobScript, "cluster.job_script")
		}
	case BackendAWS:
		c.validateAWS(v)
	default:
		v.checkf(false, "backend %q is not one of local, cluster, aws", c.Backend)
	}

	switch c.Sink.Type {
	case "", "firehose", "sqlite", "postgres", "s3", "file", "memory":
	default:
		v.checkf(false, "sink.type %q is not supported", c.Sink.Type)
	}
	v.checkf(c.Sink.Type != "postgres" || c.Sink.DSN != "", "sink.dsn is required for postgres")

	if checkFiles {
		v.file(c.Baseline.BuildstockCSV, "baseline.buildstock_csv")
		v.dir(c.MeasuresDir(), "measures directory")
		v.dir(c.ResourcesDir(), "resources directory")
		v.dir(c.HousingCharacteristicsDir(), "housing_characteristics directory")
		v.dir(c.WeatherDir(), "weather directory")
		if c.Sandbox.Runtime == RuntimeSingularity {
			v.file(c.Sandbox.Image, "sandbox.image")
		}
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

func (c *Config) validateAWS(v *validator) {
	v.checkf(c.AWS.Region != "", "aws.region is required")
	v.checkf(c.AWS.S3.Bucket != "", "aws.s3.bucket is required")
	v.checkf(c.AWS.BatchArraySize > 0, "aws.batch_array_size must be positive")
	v.checkf(len(c.AWS.Subnets) > 0, "aws.subnets must list at least one subnet")
	v.checkf(len(c.AWS.SecurityGroups) > 0, "aws.security_groups must list at least one group")
	v.checkf(!hasDuplicates(c.AWS.Subnets), "aws.subnets contains duplicates")
	v.checkf(!hasDuplicates(c.AWS.SecurityGroups), "aws.security_groups contains duplicates")
	v.checkf(c.Sandbox.Image != "", "sandbox.image (container image URI) is required for aws")
	v.checkf(c.AWS.RetryBudget > 0, "aws.retry_budget must be positive")
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return true
		}
		seen[v] = true
	}
	return false
}
