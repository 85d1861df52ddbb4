// Package sandbox runs the simulation engine for one work unit inside an
// isolated environment (container image or a confined local process).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/internal/cgroups"
	"github.com/psantana5/sweepbatch/pkg/project"
)

// Workdir is the engine's working directory inside the sandbox
const Workdir = "/var/simdata/openstudio"

// Mount exposes a host path inside the sandbox. Target is relative to Workdir.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Invocation describes one engine run
type Invocation struct {
	UnitID  string
	Dir     string // Scratch directory, becomes Workdir
	Mounts  []Mount
	Args    []string
	Timeout time.Duration
	LogPath string
	Limits  cgroups.Limits
}

// Outcome reports how the engine run ended. A failed run is data, not an error.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Err      error // Set only when the engine could not be started
}

// Succeeded reports a clean zero exit
func (o Outcome) Succeeded() bool {
	return o.Err == nil && !o.TimedOut && o.ExitCode == 0
}

func (o Outcome) String() string {
	switch {
	case o.Err != nil:
		return fmt.Sprintf("start failed: %v", o.Err)
	case o.TimedOut:
		return fmt.Sprintf("timed out after %s", o.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("exit %d after %s", o.ExitCode, o.Duration.Round(time.Millisecond))
	}
}

// Executor materializes mounts, runs the engine and tears down
type Executor interface {
	Name() string
	Prepare(inv *Invocation) error
	Run(ctx context.Context, inv *Invocation) Outcome
	Cleanup(inv *Invocation) error
}

// EngineArgs is the engine command line
func EngineArgs(engine string, measuresOnly bool) []string {
	if engine == "" {
		engine = "openstudio"
	}
	args := []string{engine, "run", "-w", "in.osw"}
	if measuresOnly {
		args = []string{engine, "run", "--measures_only", "-w", "in.osw"}
	}
	return args
}

// DefaultMounts returns the shared read-only assets every unit sees.
// weatherDir overrides the project's weather directory when set.
func DefaultMounts(cfg *project.Config, weatherDir string) []Mount {
	if weatherDir == "" {
		weatherDir = cfg.WeatherDir()
	}
	mounts := []Mount{
		{Source: cfg.MeasuresDir(), Target: "measures", ReadOnly: true},
		{Source: cfg.ResourcesDir(), Target: "lib/resources", ReadOnly: true},
		{Source: cfg.HousingCharacteristicsDir(), Target: "lib/housing_characteristics", ReadOnly: true},
		{Source: weatherDir, Target: "weather", ReadOnly: true},
	}
	if info, err := os.Stat(cfg.SeedsDir()); err == nil && info.IsDir() {
		mounts = append(mounts, Mount{Source: cfg.SeedsDir(), Target: "seeds", ReadOnly: true})
	}
	return mounts
}

// New returns the executor selected by the project's sandbox runtime
func New(cfg *project.Config, log logrus.FieldLogger) (Executor, error) {
	switch cfg.Sandbox.Runtime {
	case project.RuntimeDocker:
		return NewDocker(cfg.Sandbox.Image, log), nil
	case project.RuntimeSingularity:
		return NewSingularity(cfg.Sandbox.Image, log), nil
	case project.RuntimeProcess:
		return NewProcess(cgroups.New(""), log), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Sandbox.Runtime)
	}
}

// ProjectLimits converts sandbox settings into cgroup limits
func ProjectLimits(s project.Sandbox) cgroups.Limits {
	return cgroups.Limits{CPUMax: s.CPUMax, MemoryMax: s.MemoryMax}
}

// command is a prepared child process invocation
type command struct {
	name    string
	args    []string
	dir     string
	logPath string
	timeout time.Duration

	started   func(pid int) // called once the child is running
	onTimeout func()        // extra teardown after the group is killed
}

// run starts the child in its own process group and waits for it. The
// timeout kills the whole group. Output goes to logPath.
func run(ctx context.Context, c command) Outcome {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logFile, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("failed to open log: %w", err)}
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Dir = c.dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// negative pid signals the group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", c.name, err)}
	}
	if c.started != nil {
		c.started(cmd.Process.Pid)
	}

	err = cmd.Wait()
	out := Outcome{Duration: time.Since(start)}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		fmt.Fprintf(logFile, "\nsweepbatch: killed after %s timeout\n", c.timeout)
		if c.onTimeout != nil {
			c.onTimeout()
		}
		return out
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		out.ExitCode = -1
	}
	return out
}

// makeMountPoints creates empty directories in dir for each mount target
func makeMountPoints(dir string, mounts []Mount) error {
	for _, m := range mounts {
		if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(m.Target)), 0755); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", m.Target, err)
		}
	}
	return nil
}

// removeMountPoints deletes the top-level entry of every mount target
func removeMountPoints(dir string, mounts []Mount) error {
	var errs []error
	seen := map[string]bool{}
	for _, m := range mounts {
		top := strings.SplitN(m.Target, "/", 2)[0]
		if top == "" || seen[top] {
			continue
		}
		seen[top] = true
		if err := os.RemoveAll(filepath.Join(dir, top)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func containerPath(target string) string {
	return Workdir + "/" + strings.TrimPrefix(target, "/")
}
