package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/project"
)

func testConfig(scheduler string) *project.Config {
	return &project.Config{
		File:    "/proj/project.yml",
		Sandbox: project.Sandbox{Runtime: project.RuntimeSingularity, Image: "/images/os.simg"},
		Cluster: project.ClusterConfig{
			Scheduler:        scheduler,
			NJobs:            4,
			MinUnitsPerShard: 2,
			Queue:            "short",
			Account:          "eerd",
			Walltime:         "02:00:00",
			JobScript:        "/proj/job.sh",
		},
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		scheduler string
		want      string
	}{
		{
			scheduler: Slurm,
			want: "--export=ALL,JOBJSON=/out/jobs/job00003.json,PROJECTFILE=/proj/project.yml " +
				"-t 02:00:00 -p short -A eerd -o /out/logs/job00003.out /proj/job.sh",
		},
		{
			scheduler: PBS,
			want: "-v PROJECTFILE=/proj/project.yml,JOBJSON=/out/jobs/job00003.json " +
				"-q short -l walltime=02:00:00 -A eerd -o /out/logs/job00003.out /proj/job.sh",
		},
	}
	for _, tt := range tests {
		t.Run(tt.scheduler, func(t *testing.T) {
			s := New(testConfig(tt.scheduler), "/out/jobs", "/out/logs", logging.Discard(), nil)
			args, err := s.Args(3)
			if err != nil {
				t.Fatalf("Args: %v", err)
			}
			if got := strings.Join(args, " "); got != tt.want {
				t.Errorf("args\n got: %s\nwant: %s", got, tt.want)
			}
		})
	}

	s := New(testConfig("condor"), "/out/jobs", "/out/logs", logging.Discard(), nil)
	if _, err := s.Args(0); err == nil {
		t.Error("expected error for unsupported scheduler")
	}
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		out     string
		want    string
		wantErr bool
	}{
		{out: "Submitted batch job 123456\n", want: "123456"},
		{out: "\n4242.pbs-server\n", want: "4242.pbs-server"},
		{out: "  \n", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseJobID([]byte(tt.out))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseJobID(%q) error = %v", tt.out, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseJobID(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestSubmitDetached(t *testing.T) {
	var calls [][]string
	s := New(testConfig(Slurm), "/out/jobs", t.TempDir(), logging.Discard(), nil)
	s.Runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "sbatch" {
			t.Errorf("ran %s, want sbatch", name)
		}
		calls = append(calls, args)
		return []byte(fmt.Sprintf("Submitted batch job %d\n", 100+len(calls))), nil
	}

	h, err := s.Submit(context.Background(), 3)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 scheduler calls, got %d", len(calls))
	}
	if strings.Join(h.IDs, ",") != "101,102,103" {
		t.Errorf("IDs = %v", h.IDs)
	}
	if err := h.Wait(context.Background()); !errors.Is(err, backend.ErrDetached) {
		t.Errorf("Wait() = %v, want ErrDetached", err)
	}
}

func TestSubmitStopsOnSchedulerError(t *testing.T) {
	n := 0
	s := New(testConfig(PBS), "/out/jobs", t.TempDir(), logging.Discard(), nil)
	s.Runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		n++
		if n == 2 {
			return nil, errors.New("qsub: queue is disabled")
		}
		return []byte("77.head\n"), nil
	}

	h, err := s.Submit(context.Background(), 4)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 2 || h == nil || len(h.IDs) != 1 || h.IDs[0] != "77.head" {
		t.Errorf("calls = %d, handle = %+v", n, h)
	}
}

func TestBootstrapChecksFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(Slurm)
	cfg.Cluster.JobScript = filepath.Join(dir, "job.sh")
	cfg.Sandbox.Image = filepath.Join(dir, "os.simg")
	logs := filepath.Join(dir, "logs")
	s := New(cfg, filepath.Join(dir, "jobs"), logs, logging.Discard(), nil)

	if _, err := s.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected error for missing job script")
	}

	os.WriteFile(cfg.Cluster.JobScript, []byte("#!/bin/sh\n"), 0755)
	os.WriteFile(cfg.Sandbox.Image, []byte("img"), 0644)
	for i := 0; i < 2; i++ {
		res, err := s.Bootstrap(context.Background())
		if err != nil {
			t.Fatalf("Bootstrap #%d: %v", i+1, err)
		}
		if len(res) != 2 || res[0].Kind != "job_script" || res[1].RemoteID != cfg.Sandbox.Image {
			t.Errorf("resources = %+v", res)
		}
	}
	if _, err := os.Stat(logs); err != nil {
		t.Error("log directory should be created")
	}
}

func TestCapacityCapsJobs(t *testing.T) {
	cfg := testConfig(Slurm)
	cfg.Cluster.NJobs = 50000
	c := New(cfg, "", "", logging.Discard(), nil).Capacity()
	if c.MaxShards != 10000 || c.MinUnitsPerShard != 2 {
		t.Errorf("Capacity() = %+v", c)
	}
}
