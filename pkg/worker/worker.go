// Package worker executes the units of one shard sequentially: prepare the
// sandbox, run the engine, extract, upload, deliver and clean up. A failing
// unit never stops the shard.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/internal/cgroups"
	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/sandbox"
	"github.com/psantana5/sweepbatch/pkg/sink"
	"github.com/psantana5/sweepbatch/pkg/storage"
	"github.com/psantana5/sweepbatch/pkg/tracing"
	"github.com/psantana5/sweepbatch/pkg/workflow"
)

// LogName is the engine log kept in every unit directory
const LogName = "engine.log"

// DefaultMinFreeDisk triggers a low-disk warning before a unit starts
const DefaultMinFreeDisk = 2 << 30

// Config wires a shard worker
type Config struct {
	Env         *runenv.Env
	Executor    sandbox.Executor
	Builder     workflow.Builder
	Extractor   sandbox.Extractor
	Deliverer   *sink.Deliverer
	Store       storage.ObjectStore // optional; raw outputs are uploaded when set
	Mounts      []sandbox.Mount
	EngineArgs  []string
	Timeout     time.Duration
	Limits      cgroups.Limits
	UnitsDir    string // parent of the per-unit directories
	MinFreeDisk uint64
}

// Summary counts unit outcomes of one Run
type Summary struct {
	Succeeded   int
	Failed      int
	Skipped     int
	Undelivered int
}

// Total is the number of units looked at
func (s Summary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped + s.Undelivered
}

// ShardWorker runs shards
type ShardWorker struct {
	cfg Config
	log logrus.FieldLogger
}

// New validates cfg and creates a worker
func New(cfg Config) (*ShardWorker, error) {
	switch {
	case cfg.Env == nil:
		return nil, errors.New("worker: run environment is required")
	case cfg.Executor == nil:
		return nil, errors.New("worker: executor is required")
	case cfg.Builder == nil:
		return nil, errors.New("worker: workflow builder is required")
	case cfg.Deliverer == nil:
		return nil, errors.New("worker: deliverer is required")
	case cfg.UnitsDir == "":
		return nil, errors.New("worker: units directory is required")
	}
	if len(cfg.EngineArgs) == 0 {
		cfg.EngineArgs = sandbox.EngineArgs("openstudio", false)
	}
	if cfg.MinFreeDisk == 0 {
		cfg.MinFreeDisk = DefaultMinFreeDisk
	}
	return &ShardWorker{cfg: cfg, log: cfg.Env.Log}, nil
}

// Run processes every unit of shard in order. It returns an error only when
// ctx is cancelled; unit failures are counted in the summary.
func (w *ShardWorker) Run(ctx context.Context, shard models.Shard) (Summary, error) {
	var sum Summary
	log := w.log.WithField("shard", shard.ID)
	log.WithField("units", len(shard.Units)).Info("Starting shard")

	w.cfg.Env.Metrics.ShardStarted()
	defer w.cfg.Env.Metrics.ShardDone()

	if err := os.MkdirAll(w.cfg.UnitsDir, 0755); err != nil {
		return sum, fmt.Errorf("failed to create units directory: %w", err)
	}

	for _, unit := range shard.Units {
		if err := ctx.Err(); err != nil {
			log.WithField("summary", fmt.Sprintf("%+v", sum)).Warn("Shard interrupted")
			return sum, err
		}
		w.checkDisk(log)

		switch w.runUnit(ctx, unit) {
		case models.UnitSucceeded:
			sum.Succeeded++
		case models.UnitFailed:
			sum.Failed++
		case models.UnitAbsent:
			sum.Skipped++
		default:
			sum.Undelivered++
		}
	}

	log.WithFields(logrus.Fields{
		"succeeded":   sum.Succeeded,
		"failed":      sum.Failed,
		"skipped":     sum.Skipped,
		"undelivered": sum.Undelivered,
	}).Info("Shard complete")
	return sum, nil
}

// UnitDir is the scratch directory of a unit
func (w *ShardWorker) UnitDir(unit models.WorkUnit) string {
	return filepath.Join(w.cfg.UnitsDir, unit.ID())
}

// runUnit returns the terminal state written, UnitAbsent for a skipped unit
// and UnitRunning when the result could not be delivered.
func (w *ShardWorker) runUnit(ctx context.Context, unit models.WorkUnit) models.UnitState {
	id := unit.ID()
	dir := w.UnitDir(unit)
	log := w.log.WithField("unit", id)

	ctx, span := w.cfg.Env.Tracer.StartSpan(ctx, "unit.run", tracing.AttrUnit.String(id))
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	// Resume
	marker := readMarker(dir)
	if marker.Valid(id) && models.IsTerminalState(marker.State) {
		log.WithField("state", marker.State).Debug("Unit already finished, skipping")
		w.cfg.Env.Metrics.UnitFinished("skipped", 0)
		return models.UnitAbsent
	}
	attempt := 1
	if _, err := os.Stat(dir); err == nil {
		if marker.Valid(id) {
			attempt = marker.Attempt + 1
		}
		log.Warn("Removing incomplete unit directory")
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).Error("Failed to remove incomplete unit directory")
		}
	}

	result := models.SandboxResult{Unit: unit, Status: models.StatusFailed, ExitCode: -1}
	inv := &sandbox.Invocation{
		UnitID:  id,
		Dir:     dir,
		Mounts:  w.cfg.Mounts,
		Args:    w.cfg.EngineArgs,
		Timeout: w.cfg.Timeout,
		LogPath: filepath.Join(dir, LogName),
		Limits:  w.cfg.Limits,
	}
	running := models.StateMarker{Unit: id, State: models.UnitRunning, Attempt: attempt}

	uploaded := false
	if err := w.prepare(inv, unit, running); err != nil {
		log.WithError(err).Error("Failed to prepare unit")
		result.Error = err.Error()
		w.cleanup(inv, log)
	} else {
		outcome := w.cfg.Executor.Run(ctx, inv)
		w.cleanup(inv, log)
		result.ExitCode = outcome.ExitCode
		result.Duration = outcome.Duration

		data, err := w.cfg.Extractor.Extract(dir, id)
		result.Output = data
		switch {
		case !outcome.Succeeded():
			result.Error = outcome.String()
		case err != nil:
			result.Error = err.Error()
		case data["completedStatus"] != sandbox.CompletedSuccess:
			result.Error = fmt.Sprintf("engine reported completed_status %v", data["completedStatus"])
		default:
			result.Status = models.StatusSucceeded
		}

		if err := compact(dir); err != nil {
			log.WithError(err).Warn("Failed to compact unit outputs")
		}
		uploaded = w.upload(ctx, dir, id, log)
	}

	result.LogReference = inv.LogPath
	if uploaded {
		result.LogReference = w.cfg.Env.ResultKey(id, LogName)
	}

	// Deliver, then record the terminal state
	rec := sink.NewRecord(result)
	if _, err := w.cfg.Deliverer.Deliver(ctx, rec); err != nil {
		spanErr = err
		log.WithError(err).Error("Result could not be delivered")
		return models.UnitRunning
	}

	final := models.UnitSucceeded
	if result.Status != models.StatusSucceeded {
		final = models.UnitFailed
		spanErr = errors.New(result.Error)
		log.WithFields(logrus.Fields{"exit_code": result.ExitCode, "reason": result.Error}).Warn("Unit failed")
	} else {
		log.WithField("duration", result.Duration.Round(time.Millisecond)).Info("Unit succeeded")
	}

	if err := writeMarker(dir, &running, models.StateMarker{
		Unit: id, State: final, Attempt: attempt, ExitCode: result.ExitCode, Reason: result.Error,
	}); err != nil {
		log.WithError(err).Error("Failed to write terminal marker")
	}
	w.cfg.Env.Metrics.UnitFinished(string(final), result.Duration)

	if uploaded {
		if err := pruneOutputs(dir, LogName); err != nil {
			log.WithError(err).Warn("Failed to remove uploaded outputs")
		}
	}
	return final
}

func (w *ShardWorker) prepare(inv *sandbox.Invocation, unit models.WorkUnit, running models.StateMarker) error {
	if err := os.MkdirAll(filepath.Join(inv.Dir, "run"), 0755); err != nil {
		return err
	}
	osw, err := w.cfg.Builder.Build(inv.UnitID, unit)
	if err != nil {
		return fmt.Errorf("failed to build input descriptor: %w", err)
	}
	data, err := json.MarshalIndent(osw, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(inv.Dir, "in.osw"), data, 0644); err != nil {
		return err
	}
	if err := writeMarker(inv.Dir, nil, running); err != nil {
		return err
	}
	return w.cfg.Executor.Prepare(inv)
}

// cleanup removes whatever the executor materialized, even after a partial Prepare
func (w *ShardWorker) cleanup(inv *sandbox.Invocation, log logrus.FieldLogger) {
	if err := w.cfg.Executor.Cleanup(inv); err != nil {
		log.WithError(err).Warn("Failed to remove mount points")
	}
}

// upload sends the unit directory to the object store, without the state marker
func (w *ShardWorker) upload(ctx context.Context, dir, id string, log logrus.FieldLogger) bool {
	if w.cfg.Store == nil {
		return false
	}
	marker := filepath.ToSlash(filepath.Join("run", filepath.Base(MarkerPath(dir))))
	skip := func(rel string, d fs.DirEntry) bool {
		return rel == marker || d.Type()&fs.ModeSymlink != 0
	}
	n, err := storage.UploadDir(ctx, w.cfg.Store, dir, w.cfg.Env.Key("results", id), skip)
	if err != nil {
		log.WithError(err).Error("Failed to upload unit outputs")
		return false
	}
	log.WithField("files", n).Debug("Uploaded unit outputs")
	return true
}

func (w *ShardWorker) checkDisk(log logrus.FieldLogger) {
	usage, err := disk.Usage(w.cfg.UnitsDir)
	if err != nil {
		return
	}
	if usage.Free < w.cfg.MinFreeDisk {
		log.WithFields(logrus.Fields{
			"free_bytes": usage.Free,
			"path":       w.cfg.UnitsDir,
		}).Warn("Low disk space on worker")
	}
}
