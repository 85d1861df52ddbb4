// Package project loads and validates the sweep's project file.
package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names
const (
	BackendLocal   = "local"
	BackendCluster = "cluster"
	BackendAWS     = "aws"
)

// Sandbox runtimes
const (
	RuntimeDocker      = "docker"
	RuntimeSingularity = "singularity"
	RuntimeProcess     = "process"
)

// Config is the project file
type Config struct {
	JobName             string `yaml:"job_name" json:"job_name"`
	OutputDirectory     string `yaml:"output_directory" json:"output_directory"`
	BuildstockDirectory string `yaml:"buildstock_directory" json:"buildstock_directory"`
	ProjectDirectory    string `yaml:"project_directory" json:"project_directory"`
	WeatherDirectory    string `yaml:"weather_directory" json:"weather_directory"`
	Backend             string `yaml:"backend" json:"backend"`

	Baseline Baseline  `yaml:"baseline" json:"baseline"`
	Upgrades []Upgrade `yaml:"upgrades,omitempty" json:"upgrades,omitempty"`

	SimulationControls  map[string]interface{} `yaml:"residential_simulation_controls,omitempty" json:"residential_simulation_controls,omitempty"`
	SimulationOutput    map[string]interface{} `yaml:"simulation_output,omitempty" json:"simulation_output,omitempty"`
	TimeseriesCSVExport map[string]interface{} `yaml:"timeseries_csv_export,omitempty" json:"timeseries_csv_export,omitempty"`
	ReportingMeasures   []Measure              `yaml:"reporting_measures,omitempty" json:"reporting_measures,omitempty"`

	Sandbox Sandbox       `yaml:"sandbox" json:"sandbox"`
	Local   LocalConfig   `yaml:"local" json:"local"`
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`
	AWS     AWSConfig     `yaml:"aws" json:"aws"`
	Sink    SinkConfig    `yaml:"sink" json:"sink"`
	Seed    *int64        `yaml:"seed,omitempty" json:"seed,omitempty"`

	// Path of the file the config was loaded from
	File string `yaml:"-" json:"-"`
}

// Baseline describes the sampled case population
type Baseline struct {
	NDatapoints           int       `yaml:"n_datapoints" json:"n_datapoints"`
	NBuildingsRepresented int       `yaml:"n_buildings_represented" json:"n_buildings_represented"`
	BuildstockCSV         string    `yaml:"buildstock_csv" json:"buildstock_csv"`
	MeasuresToIgnore      []string  `yaml:"measures_to_ignore,omitempty" json:"measures_to_ignore,omitempty"`
	Measures              []Measure `yaml:"measures,omitempty" json:"measures,omitempty"`
}

// Measure is one extra workflow step
type Measure struct {
	MeasureDirName string                 `yaml:"measure_dir_name" json:"measure_dir_name"`
	Arguments      map[string]interface{} `yaml:"arguments,omitempty" json:"arguments,omitempty"`
}

// Upgrade is one design alternative applied on top of the baseline
type Upgrade struct {
	UpgradeName       string      `yaml:"upgrade_name,omitempty" json:"upgrade_name,omitempty"`
	Options           []Option    `yaml:"options" json:"options"`
	PackageApplyLogic interface{} `yaml:"package_apply_logic,omitempty" json:"package_apply_logic,omitempty"`
}

// Option is one option of an upgrade package
type Option struct {
	Option     string      `yaml:"option" json:"option"`
	Lifetime   *float64    `yaml:"lifetime,omitempty" json:"lifetime,omitempty"`
	ApplyLogic interface{} `yaml:"apply_logic,omitempty" json:"apply_logic,omitempty"`
	Costs      []Cost      `yaml:"costs,omitempty" json:"costs,omitempty"`
}

// Cost is an option cost entry
type Cost struct {
	Value      *float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Multiplier *string  `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

// Sandbox configures the isolated engine environment
type Sandbox struct {
	Runtime      string   `yaml:"runtime" json:"runtime"`
	Image        string   `yaml:"image" json:"image"`
	Engine       string   `yaml:"engine" json:"engine"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	MemoryMax    int64    `yaml:"memory_max,omitempty" json:"memory_max,omitempty"`
	CPUMax       string   `yaml:"cpu_max,omitempty" json:"cpu_max,omitempty"`
	MeasuresOnly bool     `yaml:"measures_only,omitempty" json:"measures_only,omitempty"`
}

// LocalConfig configures the in-process worker pool
type LocalConfig struct {
	NJobs   int `yaml:"n_jobs,omitempty" json:"n_jobs,omitempty"`
	NShards int `yaml:"n_shards,omitempty" json:"n_shards,omitempty"`
}

// ClusterConfig configures the on-premises scheduler
type ClusterConfig struct {
	Scheduler        string   `yaml:"scheduler" json:"scheduler"` // sbatch or qsub
	NJobs            int      `yaml:"n_jobs" json:"n_jobs"`
	MinUnitsPerShard int      `yaml:"min_units_per_shard,omitempty" json:"min_units_per_shard,omitempty"`
	Queue            string   `yaml:"queue,omitempty" json:"queue,omitempty"`
	Account          string   `yaml:"account,omitempty" json:"account,omitempty"`
	Walltime         string   `yaml:"walltime,omitempty" json:"walltime,omitempty"`
	JobScript        string   `yaml:"job_script" json:"job_script"`
	ExtraArgs        []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// AWSConfig configures the cloud array-job backend
type AWSConfig struct {
	Region         string   `yaml:"region" json:"region"`
	S3             S3Config `yaml:"s3" json:"s3"`
	UseSpot        *bool    `yaml:"use_spot,omitempty" json:"use_spot,omitempty"`
	BatchArraySize int      `yaml:"batch_array_size" json:"batch_array_size"`
	MaxVCPUs       int32    `yaml:"max_vcpus,omitempty" json:"max_vcpus,omitempty"`
	Subnets        []string `yaml:"subnets" json:"subnets"`
	SecurityGroups []string `yaml:"security_groups" json:"security_groups"`
	RetryDelay     Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	RetryBudget    int      `yaml:"retry_budget,omitempty" json:"retry_budget,omitempty"`
}

// S3Config is the run's object storage location
type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// SinkConfig selects the result sink
type SinkConfig struct {
	Type          string  `yaml:"type,omitempty" json:"type,omitempty"` // firehose, sqlite, postgres, s3, file, memory
	DSN           string  `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Path          string  `yaml:"path,omitempty" json:"path,omitempty"`
	BackupDir     string  `yaml:"backup_dir,omitempty" json:"backup_dir,omitempty"`
	MaxRetries    int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// Duration accepts "90s"/"2h" strings or integer seconds
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// UnmarshalJSON accepts a string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON writes the duration string form
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// MarshalYAML writes the duration string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// Load reads a project YAML file, applies defaults and resolves relative paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read project file: %v", ErrInvalid, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %s: %v", ErrInvalid, path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.File = abs
	cfg.resolvePaths(filepath.Dir(abs))
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadJSON decodes the JSON form shipped to cloud workers
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse config.json: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// JSON encodes the config for shipping to workers
func (c *Config) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// ApplyDefaults fills unset optional fields
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	if c.Sandbox.Runtime == "" {
		switch c.Backend {
		case BackendCluster:
			c.Sandbox.Runtime = RuntimeSingularity
		case BackendAWS:
			c.Sandbox.Runtime = RuntimeProcess
		default:
			c.Sandbox.Runtime = RuntimeDocker
		}
	}
	if c.Sandbox.Engine == "" {
		c.Sandbox.Engine = "openstudio"
	}
	if c.Sandbox.Timeout.Duration == 0 {
		c.Sandbox.Timeout.Duration = 2 * time.Hour
	}
	if c.Cluster.Scheduler == "" {
		c.Cluster.Scheduler = "sbatch"
	}
	if c.Cluster.MinUnitsPerShard == 0 {
		c.Cluster.MinUnitsPerShard = 2
	}
	if c.AWS.MaxVCPUs == 0 {
		c.AWS.MaxVCPUs = 10000
	}
	if c.AWS.RetryDelay.Duration == 0 {
		c.AWS.RetryDelay.Duration = 5 * time.Second
	}
	if c.AWS.RetryBudget == 0 {
		c.AWS.RetryBudget = 60
	}
	if c.Sink.MaxRetries == 0 {
		c.Sink.MaxRetries = 3
	}
}

// SpotEnabled reports whether the compute pool uses spot capacity; unset means true
func (a AWSConfig) SpotEnabled() bool {
	return a.UseSpot == nil || *a.UseSpot
}

// SampleWeight is the number of real buildings each simulated case stands for
func (c *Config) SampleWeight() float64 {
	if c.Baseline.NDatapoints == 0 {
		return 0
	}
	return float64(c.Baseline.NBuildingsRepresented) / float64(c.Baseline.NDatapoints)
}

// Path helpers for shared, read-only asset directories
func (c *Config) MeasuresDir() string {
	return filepath.Join(c.BuildstockDirectory, "measures")
}

func (c *Config) ResourcesDir() string {
	return filepath.Join(c.BuildstockDirectory, "resources")
}

func (c *Config) HousingCharacteristicsDir() string {
	return filepath.Join(c.ProjectDirectory, "housing_characteristics")
}

func (c *Config) SeedsDir() string {
	return filepath.Join(c.ProjectDirectory, "seeds")
}

func (c *Config) WeatherDir() string {
	if c.WeatherDirectory != "" {
		return c.WeatherDirectory
	}
	return filepath.Join(c.ProjectDirectory, "weather")
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.OutputDirectory)
	resolve(&c.BuildstockDirectory)
	resolve(&c.ProjectDirectory)
	resolve(&c.WeatherDirectory)
	resolve(&c.Baseline.BuildstockCSV)
	resolve(&c.Cluster.JobScript)
	if c.Sandbox.Runtime == RuntimeSingularity {
		resolve(&c.Sandbox.Image)
	}
}
