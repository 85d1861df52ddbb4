package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Docker runs the engine in a throwaway container per unit
type Docker struct {
	Binary string
	Image  string
	User   string // uid:gid, set on linux so outputs stay owned by the caller
	log    logrus.FieldLogger
}

// NewDocker creates a docker executor for image
func NewDocker(image string, log logrus.FieldLogger) *Docker {
	d := &Docker{Binary: "docker", Image: image, log: log}
	if runtime.GOOS == "linux" {
		d.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	return d
}

func (d *Docker) Name() string { return "docker" }

// Prepare creates mount points so bind targets exist with the caller's ownership
func (d *Docker) Prepare(inv *Invocation) error {
	return makeMountPoints(inv.Dir, inv.Mounts)
}

// Args returns the docker command line for inv
func (d *Docker) Args(inv *Invocation) []string {
	args := []string{"run", "--rm", "--name", inv.UnitID, "-w", Workdir,
		"-v", inv.Dir + ":" + Workdir}
	for _, m := range inv.Mounts {
		spec := m.Source + ":" + containerPath(m.Target)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	if d.User != "" {
		args = append(args, "--user", d.User)
	}
	args = append(args, d.Image)
	return append(args, inv.Args...)
}

func (d *Docker) Run(ctx context.Context, inv *Invocation) Outcome {
	d.log.WithFields(logrus.Fields{"unit": inv.UnitID, "image": d.Image}).Debug("Starting container")
	return run(ctx, command{
		name:    d.Binary,
		args:    d.Args(inv),
		dir:     inv.Dir,
		logPath: inv.LogPath,
		timeout: inv.Timeout,
		onTimeout: func() {
			// the client was killed, the container may still be running
			rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if out, err := exec.CommandContext(rmCtx, d.Binary, "rm", "-f", inv.UnitID).CombinedOutput(); err != nil {
				d.log.WithError(err).WithField("output", string(out)).Warn("Failed to remove timed out container")
			}
		},
	})
}

func (d *Docker) Cleanup(inv *Invocation) error {
	return removeMountPoints(inv.Dir, inv.Mounts)
}

// Singularity runs the engine from a local image file on cluster nodes
type Singularity struct {
	Binary string
	Image  string
	log    logrus.FieldLogger
}

// NewSingularity creates a singularity executor for the image file
func NewSingularity(image string, log logrus.FieldLogger) *Singularity {
	return &Singularity{Binary: "singularity", Image: image, log: log}
}

func (s *Singularity) Name() string { return "singularity" }

func (s *Singularity) Prepare(inv *Invocation) error {
	return makeMountPoints(inv.Dir, inv.Mounts)
}

// Args returns the singularity command line for inv
func (s *Singularity) Args(inv *Invocation) []string {
	args := []string{"exec", "--contain", "--pwd", Workdir, "-B", inv.Dir + ":" + Workdir}
	for _, m := range inv.Mounts {
		spec := m.Source + ":" + containerPath(m.Target)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-B", spec)
	}
	args = append(args, s.Image)
	return append(args, inv.Args...)
}

func (s *Singularity) Run(ctx context.Context, inv *Invocation) Outcome {
	s.log.WithFields(logrus.Fields{"unit": inv.UnitID, "image": s.Image}).Debug("Starting singularity")
	return run(ctx, command{
		name:    s.Binary,
		args:    s.Args(inv),
		dir:     inv.Dir,
		logPath: inv.LogPath,
		timeout: inv.Timeout,
	})
}

func (s *Singularity) Cleanup(inv *Invocation) error {
	return removeMountPoints(inv.Dir, inv.Mounts)
}
