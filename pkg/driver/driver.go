// Package driver orchestrates a sweep end to end: validate the project,
// sample cases, partition the work, stage it, provision the backend, submit,
// wait and post-process. The worker side of a shard lives in shard.go.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/sampler"
	"github.com/psantana5/sweepbatch/pkg/sandbox"
	"github.com/psantana5/sweepbatch/pkg/sink"
	"github.com/psantana5/sweepbatch/pkg/storage"
	"github.com/psantana5/sweepbatch/pkg/tracing"
	"github.com/psantana5/sweepbatch/pkg/workflow"
)

// Mode selects how much of the pipeline Run executes
type Mode int

const (
	Full Mode = iota
	SamplingOnly
	ValidateOnly
	PostprocessOnly
	UploadOnly
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case SamplingOnly:
		return "sampling_only"
	case ValidateOnly:
		return "validate_only"
	case PostprocessOnly:
		return "postprocess_only"
	case UploadOnly:
		return "upload_only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Report describes what a Run did
type Report struct {
	Mode      Mode
	Backend   string
	Cases     int
	Units     int
	Shards    int
	Resources []models.BackendResource
	Handle    *backend.Handle
	Archive   string // post-processed output, if produced
	Uploaded  int    // objects sent by UploadOnly
}

// Driver runs one project. Zero-valued collaborators are filled by New.
type Driver struct {
	Project       *project.Config
	Env           *runenv.Env
	Sampler       sampler.Sampler
	Builder       workflow.Builder
	Backend       backend.Backend // resolved from Registry by name when nil
	Store         storage.ObjectStore
	PostProcessor PostProcessor
	Registry      *backend.Registry

	// Executor replaces the project's sandbox runtime for in-process shards
	Executor sandbox.Executor

	// StageWorkers bounds parallel weather compression, 0 for the default
	StageWorkers int

	mu        sync.Mutex
	deliverer *sink.Deliverer
}

// New creates a driver for cfg. env.OutputDir and the storage location
// default to the project's.
func New(cfg *project.Config, env *runenv.Env) *Driver {
	if env.OutputDir == "" {
		env.OutputDir = cfg.OutputDirectory
	}
	if env.Bucket == "" {
		env.Bucket = cfg.AWS.S3.Bucket
		env.Prefix = cfg.AWS.S3.Prefix
	}
	if env.Region == "" {
		env.Region = cfg.AWS.Region
	}

	d := &Driver{
		Project: cfg,
		Env:     env,
		Sampler: &sampler.Precomputed{
			Source:    cfg.Baseline.BuildstockCSV,
			OutputDir: cfg.OutputDirectory,
			Expected:  cfg.Baseline.NDatapoints,
		},
		Builder: workflow.NewResidential(cfg),
	}
	if cfg.Backend != project.BackendAWS {
		d.PostProcessor = NewArchive(cfg, env)
	}
	d.Registry = d.registry()
	return d
}

// Run executes mode. Any validation, staging or bootstrap error stops it.
func (d *Driver) Run(ctx context.Context, mode Mode) (*Report, error) {
	rep := &Report{Mode: mode, Backend: d.Project.Backend}
	log := d.Env.Log.WithFields(logrus.Fields{"mode": mode.String(), "backend": d.Project.Backend})

	ctx, span := d.Env.Tracer.StartSpan(ctx, "driver.run",
		tracing.AttrJob.String(d.Project.JobName),
		tracing.AttrMode.String(mode.String()),
		tracing.AttrBackend.String(d.Project.Backend),
	)
	err := d.run(ctx, mode, rep, log)
	tracing.End(span, err)
	return rep, err
}

func (d *Driver) run(ctx context.Context, mode Mode, rep *Report, log logrus.FieldLogger) error {
	switch mode {
	case PostprocessOnly:
		return d.postProcess(ctx, rep, log)
	case UploadOnly:
		return d.upload(ctx, rep, log)
	}

	if err := d.Project.Validate(true); err != nil {
		return err
	}
	if mode == ValidateOnly {
		log.Info("Project is valid")
		return nil
	}

	if _, err := d.stageCharacteristics(); err != nil {
		return fmt.Errorf("failed to stage housing characteristics: %w", err)
	}
	table, err := d.Sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sampling failed: %w", err)
	}
	rep.Cases = table.Len()
	log.WithField("cases", rep.Cases).Info("Case table ready")
	if mode == SamplingOnly {
		return nil
	}

	be, err := d.backend()
	if err != nil {
		return err
	}
	rep.Backend = be.Name()

	shards, err := d.plan(table, be.Capacity(), rep)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		log.Info("Case table produced no work units, nothing to submit")
		return nil
	}
	log.WithFields(logrus.Fields{"units": rep.Units, "shards": rep.Shards}).Info("Work partitioned")

	if be.Name() == awsbatch.Name {
		if err := d.stage(ctx, shards, log); err != nil {
			return fmt.Errorf("staging failed: %w", err)
		}
	}

	resources, err := be.Bootstrap(ctx)
	rep.Resources = resources
	if err != nil {
		return fmt.Errorf("%s bootstrap failed: %w", be.Name(), err)
	}

	handle, err := be.Submit(ctx, len(shards))
	rep.Handle = handle
	if err != nil {
		return fmt.Errorf("%s submit failed: %w", be.Name(), err)
	}
	log.WithField("ids", handle.IDs).Info("Shards submitted")

	if handle.Detached() {
		log.Info("Backend runs detached, check progress with the status command")
		return nil
	}

	waitErr := handle.Wait(ctx)
	if err := d.closeDeliverer(); err != nil {
		log.WithError(err).Warn("Failed to close result sink")
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return waitErr
		}
		log.WithError(waitErr).Error("Some shards failed")
	}
	return errors.Join(waitErr, d.postProcess(ctx, rep, log))
}

// plan enumerates every unit and splits them to fit the backend
func (d *Driver) plan(table *sampler.CaseTable, capacity backend.Capacity, rep *Report) ([]models.Shard, error) {
	units := partition.Enumerate(table.IDs(), len(d.Project.Upgrades))
	shards := partition.Partition(units, partition.Plan{
		TargetShards:     capacity.TargetShards,
		MaxShards:        capacity.MaxShards,
		MinUnitsPerShard: capacity.MinUnitsPerShard,
		Seed:             d.Project.Seed,
	})
	rep.Units = len(units)
	rep.Shards = len(shards)
	if len(shards) == 0 {
		return nil, nil
	}

	// descriptors of an earlier, larger partition must not linger
	if err := os.RemoveAll(d.Env.JobsDir()); err != nil {
		return nil, err
	}
	if _, err := partition.WriteDescriptors(d.Env.JobsDir(), shards); err != nil {
		return nil, err
	}
	return shards, nil
}

func (d *Driver) backend() (backend.Backend, error) {
	if d.Backend != nil {
		return d.Backend, nil
	}
	be, err := d.Registry.Get(d.Project.Backend)
	if err != nil {
		return nil, err
	}
	d.Backend = be
	return be, nil
}

func (d *Driver) postProcess(ctx context.Context, rep *Report, log logrus.FieldLogger) error {
	if d.PostProcessor == nil {
		log.Info("No post-processor for this backend, results stay in the sink")
		return nil
	}
	out, err := d.PostProcessor.PostProcess(ctx)
	if err != nil {
		return fmt.Errorf("post-processing failed: %w", err)
	}
	rep.Archive = out
	log.WithField("archive", out).Info("Results archived")
	return nil
}

// upload sends the archive and the local results tree to the object store
func (d *Driver) upload(ctx context.Context, rep *Report, log logrus.FieldLogger) error {
	store, err := d.objectStore(ctx)
	if err != nil {
		return err
	}
	results := d.Env.ResultsDir()
	if _, err := os.Stat(results); err != nil {
		return fmt.Errorf("nothing to upload: %w", err)
	}
	n, err := storage.UploadDir(ctx, store, results, d.Env.Key("results"), nil)
	rep.Uploaded = n
	if err != nil {
		return fmt.Errorf("upload failed after %d files: %w", n, err)
	}
	log.WithFields(logrus.Fields{"files": n, "prefix": d.Env.Key("results")}).Info("Results uploaded")
	return nil
}

// Close releases the shared result sink, if one was opened
func (d *Driver) Close() error {
	return d.closeDeliverer()
}

func (d *Driver) closeDeliverer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deliverer == nil {
		return nil
	}
	err := d.deliverer.Close()
	d.deliverer = nil
	return err
}

// stagedCharacteristicsDir is where the case table and the characteristic
// files are assembled for the engine
func (d *Driver) stagedCharacteristicsDir() string {
	return filepath.Join(d.Project.OutputDirectory, "housing_characteristics")
}
