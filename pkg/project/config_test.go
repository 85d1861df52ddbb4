package project

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleProject = `
job_name: national test
output_directory: out
buildstock_directory: resstock
project_directory: project_national
backend: local
baseline:
  n_datapoints: 10
  n_buildings_represented: 1000
  buildstock_csv: buildstock.csv
upgrades:
  - upgrade_name: Triple pane
    options:
      - option: Windows|Triple
        lifetime: 30
        apply_logic:
          - Vintage|1980s
        costs:
          - value: 12.5
            multiplier: Window Area (ft^2)
sandbox:
  image: nrel/openstudio:2.8.1
  timeout: 90m
local:
  n_jobs: 4
`

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func scaffold(t *testing.T, root string) {
	t.Helper()
	for _, d := range []string{
		"resstock/measures", "resstock/resources",
		"project_national/housing_characteristics", "project_national/weather",
	} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "buildstock.csv"), []byte("Building\n1\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadResolvesPathsAndDefaults(t *testing.T) {
	path := writeProject(t, sampleProject)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	root := filepath.Dir(path)
	if cfg.OutputDirectory != filepath.Join(root, "out") {
		t.Errorf("output dir not resolved: %s", cfg.OutputDirectory)
	}
	if cfg.WeatherDir() != filepath.Join(root, "project_national", "weather") {
		t.Errorf("weather dir = %s", cfg.WeatherDir())
	}
	if cfg.Sandbox.Runtime != RuntimeDocker {
		t.Errorf("local backend should default to docker, got %s", cfg.Sandbox.Runtime)
	}
	if cfg.Sandbox.Timeout.Duration != 90*time.Minute {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout.Duration)
	}
	if cfg.Sink.MaxRetries != 3 {
		t.Errorf("sink retries default = %d", cfg.Sink.MaxRetries)
	}
	if got := cfg.SampleWeight(); got != 100 {
		t.Errorf("SampleWeight() = %v, want 100", got)
	}
	if cfg.Upgrades[0].Options[0].Lifetime == nil || *cfg.Upgrades[0].Options[0].Lifetime != 30 {
		t.Errorf("lifetime not decoded")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeProject(t, sampleProject+"\nbogus_setting: 1\n")
	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidateWithFiles(t *testing.T) {
	path := writeProject(t, sampleProject)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := cfg.Validate(true); err == nil {
		t.Fatal("expected missing directories to fail validation")
	}

	scaffold(t, filepath.Dir(path))
	if err := cfg.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAWS(t *testing.T) {
	cfg := &Config{
		JobName:  "cloud run",
		Backend:  BackendAWS,
		Baseline: Baseline{NDatapoints: 5, NBuildingsRepresented: 5},
		Sandbox:  Sandbox{Image: "123.dkr.ecr.us-west-2.amazonaws.com/sweep:latest"},
		AWS: AWSConfig{
			Region:         "us-west-2",
			S3:             S3Config{Bucket: "bucket", Prefix: "run1"},
			BatchArraySize: 100,
			Subnets:        []string{"subnet-1", "subnet-1"},
			SecurityGroups: []string{"sg-1"},
		},
	}
	cfg.ApplyDefaults()

	err := cfg.Validate(false)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 1 || !strings.Contains(verr.Problems[0], "subnets contains duplicates") {
		t.Errorf("unexpected problems %v", verr.Problems)
	}

	cfg.AWS.Subnets = []string{"subnet-1", "subnet-2"}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !cfg.AWS.SpotEnabled() {
		t.Error("spot should default to enabled")
	}
}

func TestJSONRoundTripForWorkers(t *testing.T) {
	path := writeProject(t, sampleProject)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	data, err := cfg.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["sandbox"].(map[string]interface{})["timeout"] != "1h30m0s" {
		t.Errorf("timeout should be shipped as a duration string: %v", raw["sandbox"])
	}

	back, err := LoadJSON(data)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if back.Sandbox.Timeout.Duration != 90*time.Minute || back.JobName != cfg.JobName {
		t.Errorf("worker config differs: %+v", back.Sandbox)
	}
}

func TestDurationIntegerSeconds(t *testing.T) {
	var d Duration
	if err := d.parse("120"); err != nil || d.Duration != 2*time.Minute {
		t.Errorf("parse(120) = %v, %v", d.Duration, err)
	}
	if err := d.parse("soon"); err == nil {
		t.Error("expected error for bad duration")
	}
}
