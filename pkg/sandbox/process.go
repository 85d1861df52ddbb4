package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/internal/cgroups"
)

// Process runs the engine directly. It is used when the worker itself
// already runs inside the engine image, as cloud array workers do.
// Mounts become symlinks and limits are applied through cgroups.
type Process struct {
	cgroups *cgroups.Manager
	log     logrus.FieldLogger
}

// NewProcess creates a process executor. A nil manager disables limits.
func NewProcess(mgr *cgroups.Manager, log logrus.FieldLogger) *Process {
	return &Process{cgroups: mgr, log: log}
}

func (p *Process) Name() string { return "process" }

// Prepare links every mount source into the scratch directory
func (p *Process) Prepare(inv *Invocation) error {
	for _, m := range inv.Mounts {
		link := filepath.Join(inv.Dir, filepath.FromSlash(m.Target))
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return err
		}
		if _, err := os.Lstat(link); err == nil {
			if err := os.RemoveAll(link); err != nil {
				return err
			}
		}
		if err := os.Symlink(m.Source, link); err != nil {
			return fmt.Errorf("failed to link %s: %w", m.Target, err)
		}
	}
	return nil
}

func (p *Process) Run(ctx context.Context, inv *Invocation) Outcome {
	if len(inv.Args) == 0 {
		return Outcome{ExitCode: -1, Err: errors.New("empty engine command")}
	}

	var cgroupPath string
	out := run(ctx, command{
		name:    inv.Args[0],
		args:    inv.Args[1:],
		dir:     inv.Dir,
		logPath: inv.LogPath,
		timeout: inv.Timeout,
		started: func(pid int) {
			cgroupPath = p.applyLimits(inv.UnitID, pid, inv.Limits)
		},
	})

	if cgroupPath != "" {
		if err := p.cgroups.Delete(cgroupPath); err != nil {
			p.log.WithError(err).WithField("unit", inv.UnitID).Debug("Failed to remove cgroup")
		}
	}
	return out
}

// applyLimits confines pid, best effort. It returns the group path for cleanup.
func (p *Process) applyLimits(unitID string, pid int, limits cgroups.Limits) string {
	if p.cgroups == nil || limits.Empty() {
		return ""
	}
	logger := p.log.WithField("unit", unitID)

	path, err := p.cgroups.Create(unitID)
	if err != nil || path == "" {
		logger.WithError(err).Debug("Running without cgroup limits")
		return ""
	}
	if err := p.cgroups.Join(path, pid); err != nil {
		logger.WithError(err).Debug("Failed to join cgroup")
		return path
	}
	if err := p.cgroups.Apply(path, limits); err != nil {
		logger.WithError(err).Warn("Failed to apply resource limits")
	}
	return path
}

func (p *Process) Cleanup(inv *Invocation) error {
	return removeMountPoints(inv.Dir, inv.Mounts)
}
