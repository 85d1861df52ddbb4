// Package cluster submits shards to an on-premises batch scheduler, one
// scheduler job per shard descriptor.
package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
)

// Name is the registry name of the cluster backend
const Name = "cluster"

// Supported schedulers
const (
	Slurm = "sbatch"
	PBS   = "qsub"
)

// Runner executes a scheduler command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Stderr is folded into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Scheduler is the cluster backend
type Scheduler struct {
	cfg     *project.Config
	jobsDir string
	logDir  string
	log     logrus.FieldLogger
	metrics *metrics.Collector

	// Runner defaults to ExecRunner
	Runner Runner
}

// New creates a scheduler backend. Descriptors are read by jobs from
// jobsDir; scheduler logs go to logDir.
func New(cfg *project.Config, jobsDir, logDir string, log logrus.FieldLogger, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		jobsDir: jobsDir,
		logDir:  logDir,
		log:     log.WithField("backend", Name),
		metrics: m,
		Runner:  ExecRunner,
	}
}

func (s *Scheduler) Name() string { return Name }

func (s *Scheduler) Capacity() backend.Capacity {
	n := s.cfg.Cluster.NJobs
	if n > partition.MaxArrayShards {
		n = partition.MaxArrayShards
	}
	return backend.Capacity{
		MaxShards:        n,
		MinUnitsPerShard: s.cfg.Cluster.MinUnitsPerShard,
		TargetShards:     n,
	}
}

// Bootstrap checks that the job script and, for singularity, the image are
// present. Nothing remote is created, so repeated calls are harmless.
func (s *Scheduler) Bootstrap(ctx context.Context) ([]models.BackendResource, error) {
	var resources []models.BackendResource
	check := func(kind, path string) error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s %s: %w", kind, path, err)
		}
		resources = append(resources, models.BackendResource{
			Kind:        kind,
			LogicalName: filepath.Base(path),
			RemoteID:    path,
			State:       models.ResourceActive,
		})
		return nil
	}

	if err := check("job_script", s.cfg.Cluster.JobScript); err != nil {
		return nil, err
	}
	if s.cfg.Sandbox.Runtime == project.RuntimeSingularity {
		if err := check("sandbox_image", s.cfg.Sandbox.Image); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scheduler log directory: %w", err)
	}
	return resources, nil
}

// Submit queues one scheduler job per shard. Submission stops at the first
// scheduler error; jobs queued before it keep running.
func (s *Scheduler) Submit(ctx context.Context, shardCount int) (*backend.Handle, error) {
	ids := make([]string, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		args, err := s.Args(i)
		if err != nil {
			return nil, err
		}
		out, err := s.Runner(ctx, s.cfg.Cluster.Scheduler, args...)
		if err != nil {
			return backend.NewHandle(Name, ids, len(ids), nil), fmt.Errorf("failed to queue shard %d: %w", i, err)
		}
		id, err := ParseJobID(out)
		if err != nil {
			return backend.NewHandle(Name, ids, len(ids), nil), fmt.Errorf("shard %d: %w", i, err)
		}
		s.log.WithFields(logrus.Fields{"shard": i, "job_id": id}).Info("Queued shard")
		ids = append(ids, id)
	}
	s.metrics.ShardsSubmitted(Name, len(ids))
	return backend.NewHandle(Name, ids, len(ids), nil), nil
}

// Args builds the scheduler arguments for shard i
func (s *Scheduler) Args(i int) ([]string, error) {
	c := s.cfg.Cluster
	jobJSON := filepath.Join(s.jobsDir, partition.DescriptorName(i))
	logPath := filepath.Join(s.logDir, fmt.Sprintf("job%05d.out", i))

	var args []string
	switch c.Scheduler {
	case Slurm:
		args = append(args, fmt.Sprintf("--export=ALL,%s=%s,%s=%s",
			runenv.EnvJobJSON, jobJSON, runenv.EnvProject, s.cfg.File))
		if c.Walltime != "" {
			args = append(args, "-t", c.Walltime)
		}
		if c.Queue != "" {
			args = append(args, "-p", c.Queue)
		}
		if c.Account != "" {
			args = append(args, "-A", c.Account)
		}
		args = append(args, "-o", logPath)
	case PBS:
		args = append(args, "-v", fmt.Sprintf("%s=%s,%s=%s",
			runenv.EnvProject, s.cfg.File, runenv.EnvJobJSON, jobJSON))
		if c.Queue != "" {
			args = append(args, "-q", c.Queue)
		}
		if c.Walltime != "" {
			args = append(args, "-l", "walltime="+c.Walltime)
		}
		if c.Account != "" {
			args = append(args, "-A", c.Account)
		}
		args = append(args, "-o", logPath)
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", c.Scheduler)
	}
	args = append(args, c.ExtraArgs...)
	return append(args, c.JobScript), nil
}

var slurmJobID = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseJobID extracts the job id from sbatch ("Submitted batch job 123") or
// qsub ("123.server") output.
func ParseJobID(out []byte) (string, error) {
	if m := slurmJobID.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", errors.New("scheduler printed no job id")
}
