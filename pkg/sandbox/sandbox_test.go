package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/project"
)

const outOSW = `{
  "started_at": "20240101T000000Z",
  "completed_at": "20240101T000500Z",
  "completed_status": "Success",
  "steps": [
    {"measure_dir_name": "ResidentialSimulationControls", "arguments": {}},
    {"measure_dir_name": "BuildExistingModel", "arguments": {"building_id": 7}}
  ]
}`

const dataPoint = `{
  "ApplyUpgrade": {"upgrade_name": "Triple pane", "applicable": true, "ignored": 1},
  "BuildExistingModel": {"geometry_stories": "2"},
  "SimulationOutputReport": {"total_site_energy_mbtu": 81.5},
  "QOIReport": {"peak_kw": 4.2},
  "Unlisted": {"x": 1}
}`

// writeEngine creates an executable shell script acting as the engine
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newInvocation(t *testing.T, engine string) *Invocation {
	t.Helper()
	assets := t.TempDir()
	if err := os.WriteFile(filepath.Join(assets, "marker.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	return &Invocation{
		UnitID:  "bldg0000007up01",
		Dir:     dir,
		Mounts:  []Mount{{Source: assets, Target: "measures", ReadOnly: true}, {Source: assets, Target: "lib/resources", ReadOnly: true}},
		Args:    []string{engine, "run", "-w", "in.osw"},
		Timeout: 10 * time.Second,
		LogPath: filepath.Join(dir, "engine.log"),
	}
}

func TestProcessRunSuccessAndExtract(t *testing.T) {
	engine := writeEngine(t, `
test -f measures/marker.txt || exit 3
test -f lib/resources/marker.txt || exit 4
echo "engine says hello"
mkdir -p run
cat > out.osw <<'EOF'
`+outOSW+`
EOF
cat > run/data_point_out.json <<'EOF'
`+dataPoint+`
EOF`)

	p := NewProcess(nil, logging.Discard())
	inv := newInvocation(t, engine)
	if err := p.Prepare(inv); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	out := p.Run(context.Background(), inv)
	if !out.Succeeded() {
		t.Fatalf("expected success, got %s", out)
	}
	logData, _ := os.ReadFile(inv.LogPath)
	if !strings.Contains(string(logData), "engine says hello") {
		t.Errorf("log missing engine output: %q", logData)
	}

	data, err := Extractor{ReportingMeasures: []string{"QOIReport"}}.Extract(inv.Dir, inv.UnitID)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := map[string]any{
		"_id":                                        "bldg0000007up01",
		"completedStatus":                            "Success",
		"buildingId":                                 float64(7),
		"applyUpgrade.upgradeName":                   "Triple pane",
		"applyUpgrade.applicable":                    true,
		"buildExistingModel.geometryStories":         "2",
		"buildExistingModel.unitsRepresented":        1,
		"simulationOutputReport.totalSiteEnergyMbtu": 81.5,
		"qOIReport.peakKw":                           4.2,
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("data[%q] = %#v, want %#v", k, data[k], v)
		}
	}
	if _, ok := data["unlisted.x"]; ok {
		t.Error("unlisted measure should not be extracted")
	}
	if _, ok := data["applyUpgrade.ignored"]; ok {
		t.Error("only selected ApplyUpgrade keys are kept")
	}

	if err := p.Cleanup(inv); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	for _, name := range []string{"measures", "lib"} {
		if _, err := os.Lstat(filepath.Join(inv.Dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", name)
		}
	}
	if _, err := os.Stat(filepath.Join(inv.Mounts[0].Source, "marker.txt")); err != nil {
		t.Error("cleanup must not touch mount sources")
	}
}

func TestProcessRunNonZeroExit(t *testing.T) {
	p := NewProcess(nil, logging.Discard())
	inv := newInvocation(t, writeEngine(t, "echo boom >&2; exit 7"))

	out := p.Run(context.Background(), inv)
	if out.Err != nil || out.TimedOut {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", out.ExitCode)
	}
	logData, _ := os.ReadFile(inv.LogPath)
	if !strings.Contains(string(logData), "boom") {
		t.Errorf("stderr not captured: %q", logData)
	}
}

func TestProcessRunTimeoutKillsGroup(t *testing.T) {
	p := NewProcess(nil, logging.Discard())
	inv := newInvocation(t, writeEngine(t, "sleep 30 & wait"))
	inv.Timeout = 200 * time.Millisecond

	start := time.Now()
	out := p.Run(context.Background(), inv)
	if !out.TimedOut {
		t.Fatalf("expected timeout, got %s", out)
	}
	if out.Succeeded() {
		t.Error("timed out run must not count as success")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %s, group was not killed", elapsed)
	}
}

func TestProcessRunStartFailure(t *testing.T) {
	p := NewProcess(nil, logging.Discard())
	inv := newInvocation(t, filepath.Join(t.TempDir(), "missing-engine"))

	out := p.Run(context.Background(), inv)
	if out.Err == nil {
		t.Fatal("expected start error")
	}
	if out.Succeeded() {
		t.Error("start failure must not count as success")
	}
}

func TestContainerArgs(t *testing.T) {
	inv := &Invocation{
		UnitID: "bldg0000001up00",
		Dir:    "/scratch/u1",
		Mounts: []Mount{{Source: "/assets/measures", Target: "measures", ReadOnly: true}},
		Args:   EngineArgs("openstudio", true),
	}

	d := NewDocker("nrel/openstudio:2.8.1", logging.Discard())
	d.User = "1000:1000"
	got := strings.Join(d.Args(inv), " ")
	want := "run --rm --name bldg0000001up00 -w /var/simdata/openstudio -v /scratch/u1:/var/simdata/openstudio " +
		"-v /assets/measures:/var/simdata/openstudio/measures:ro --user 1000:1000 nrel/openstudio:2.8.1 " +
		"openstudio run --measures_only -w in.osw"
	if got != want {
		t.Errorf("docker args\n got: %s\nwant: %s", got, want)
	}

	s := NewSingularity("/images/openstudio.simg", logging.Discard())
	got = strings.Join(s.Args(inv), " ")
	want = "exec --contain --pwd /var/simdata/openstudio -B /scratch/u1:/var/simdata/openstudio " +
		"-B /assets/measures:/var/simdata/openstudio/measures:ro /images/openstudio.simg " +
		"openstudio run --measures_only -w in.osw"
	if got != want {
		t.Errorf("singularity args\n got: %s\nwant: %s", got, want)
	}
}

func TestDockerRunsThroughBinary(t *testing.T) {
	// a fake docker that records its arguments
	fake := writeEngine(t, `echo "$@"; exit 2`)
	d := NewDocker("img", logging.Discard())
	d.Binary = fake

	inv := newInvocation(t, "openstudio")
	if err := d.Prepare(inv); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(filepath.Join(inv.Dir, "lib", "resources")); err != nil || !info.IsDir() {
		t.Fatalf("mount point not created: %v", err)
	}

	out := d.Run(context.Background(), inv)
	if out.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", out.ExitCode)
	}
	logData, _ := os.ReadFile(inv.LogPath)
	if !strings.Contains(string(logData), "--name bldg0000007up01") {
		t.Errorf("unexpected docker invocation: %q", logData)
	}
	if err := d.Cleanup(inv); err != nil {
		t.Fatal(err)
	}
}

func TestExtractMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	data, err := Extractor{}.Extract(dir, "u1")
	if !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}
	if data["_id"] != "u1" {
		t.Errorf("partial data should carry the id: %v", data)
	}

	if err := os.WriteFile(filepath.Join(dir, "out.osw"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := (Extractor{}).Extract(dir, "u1"); !errors.Is(err, ErrOutputMalformed) {
		t.Errorf("expected ErrOutputMalformed, got %v", err)
	}
}

func TestCamelCase(t *testing.T) {
	tests := map[string]string{
		"_id":                                  "_id",
		"started_at":                           "startedAt",
		"BuildExistingModel.units_represented": "buildExistingModel.unitsRepresented",
		"completed_status":                     "completedStatus",
		"already":                              "already",
		"":                                     "",
	}
	for in, want := range tests {
		if got := CamelCase(in); got != want {
			t.Errorf("CamelCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultMounts(t *testing.T) {
	root := t.TempDir()
	cfg := &project.Config{BuildstockDirectory: filepath.Join(root, "bs"), ProjectDirectory: filepath.Join(root, "proj")}

	mounts := DefaultMounts(cfg, "")
	if len(mounts) != 4 {
		t.Fatalf("expected 4 mounts without seeds, got %d", len(mounts))
	}
	if mounts[3].Target != "weather" || mounts[3].Source != filepath.Join(root, "proj", "weather") {
		t.Errorf("weather mount = %+v", mounts[3])
	}

	if err := os.MkdirAll(cfg.SeedsDir(), 0755); err != nil {
		t.Fatal(err)
	}
	mounts = DefaultMounts(cfg, "/tmp/weather")
	if len(mounts) != 5 || mounts[4].Target != "seeds" || mounts[3].Source != "/tmp/weather" {
		t.Errorf("unexpected mounts %+v", mounts)
	}
	for _, m := range mounts {
		if !m.ReadOnly {
			t.Errorf("mount %s should be read-only", m.Target)
		}
	}
}
