package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/backend/cluster"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/sampler"
	"github.com/psantana5/sweepbatch/pkg/sandbox"
	"github.com/psantana5/sweepbatch/pkg/sink"
	"github.com/psantana5/sweepbatch/pkg/storage"
	"github.com/psantana5/sweepbatch/pkg/tracing"
	"github.com/psantana5/sweepbatch/pkg/worker"
	"github.com/psantana5/sweepbatch/pkg/workflow"
)

// DefaultScratchDir is where cloud workers unpack assets and run units
const DefaultScratchDir = "/var/simdata/sweepbatch"

// ShardSpec tells a worker process which shard to run and how to reach its inputs
type ShardSpec struct {
	Backend string

	// cluster
	ProjectFile string
	JobJSON     string

	// aws
	Vars       runenv.WorkerVars
	ScratchDir string
	Store      storage.ObjectStore // nil opens the bucket in Vars
	Firehose   sink.FirehoseAPI    // nil opens a client for Vars.Region

	// Executor replaces the project's sandbox runtime
	Executor sandbox.Executor

	Log     logrus.FieldLogger
	Metrics *metrics.Collector
	Tracer  *tracing.Provider
}

// RunShard is the worker side of a submitted shard
func RunShard(ctx context.Context, spec ShardSpec) (worker.Summary, error) {
	switch spec.Backend {
	case cluster.Name:
		return runClusterShard(ctx, spec)
	case awsbatch.Name:
		return runCloudShard(ctx, spec)
	default:
		return worker.Summary{}, fmt.Errorf("backend %q does not run separate worker processes", spec.Backend)
	}
}

func (s ShardSpec) env(jobName string) *runenv.Env {
	env := runenv.New(jobName, s.Log)
	env.Metrics = s.Metrics
	if s.Tracer != nil {
		env.Tracer = s.Tracer
	}
	return env
}

func (s ShardSpec) executor(cfg *project.Config, log logrus.FieldLogger) (sandbox.Executor, error) {
	if s.Executor != nil {
		return s.Executor, nil
	}
	return sandbox.New(cfg, log)
}

// runClusterShard reads the project and the descriptor from the shared
// filesystem and writes results into a per-shard database.
func runClusterShard(ctx context.Context, spec ShardSpec) (worker.Summary, error) {
	if spec.ProjectFile == "" || spec.JobJSON == "" {
		return worker.Summary{}, fmt.Errorf("cluster worker needs %s and %s", runenv.EnvProject, runenv.EnvJobJSON)
	}
	cfg, err := project.Load(spec.ProjectFile)
	if err != nil {
		return worker.Summary{}, err
	}
	desc, err := partition.ReadDescriptor(spec.JobJSON)
	if err != nil {
		return worker.Summary{}, err
	}

	env := spec.env(cfg.JobName)
	env.OutputDir = cfg.OutputDirectory
	env = env.WithLog(env.Log.WithFields(logrus.Fields{"backend": cluster.Name, "shard": desc.JobNum}))

	exec, err := spec.executor(cfg, env.Log)
	if err != nil {
		return worker.Summary{}, err
	}
	del, err := newDeliverer(cfg, env, cluster.Name, desc.JobNum, sink.Clients{})
	if err != nil {
		return worker.Summary{}, err
	}
	defer del.Close()

	wc := workerConfig(cfg, env, exec, del)
	wc.Mounts = localMounts(filepath.Join(cfg.OutputDirectory, "housing_characteristics"), sandbox.DefaultMounts(cfg, ""))
	wc.UnitsDir = env.ResultsDir()
	return runWorker(ctx, wc, desc)
}

// runCloudShard pulls the staged inputs of one array child from the object
// store, runs it in scratch space and streams results to the delivery stream.
func runCloudShard(ctx context.Context, spec ShardSpec) (worker.Summary, error) {
	vars := spec.Vars
	env := spec.env(vars.JobName)
	env.Bucket, env.Prefix, env.Region = vars.Bucket, vars.Prefix, vars.Region
	env = env.WithLog(env.Log.WithFields(logrus.Fields{"backend": awsbatch.Name, "shard": vars.ArrayIndex}))

	store, fh, err := cloudClients(ctx, spec)
	if err != nil {
		return worker.Summary{}, err
	}

	root := spec.ScratchDir
	if root == "" {
		root = DefaultScratchDir
	}
	assets := filepath.Join(root, "assets")
	env.OutputDir = root

	cfgJSON, err := storage.GetBytes(ctx, store, env.Key(ConfigName))
	if err != nil {
		return worker.Summary{}, fmt.Errorf("fetch project: %w", err)
	}
	cfg, err := project.LoadJSON(cfgJSON)
	if err != nil {
		return worker.Summary{}, err
	}
	descJSON, err := storage.GetBytes(ctx, store, env.JobKey(vars.ArrayIndex))
	if err != nil {
		return worker.Summary{}, fmt.Errorf("fetch descriptor %d: %w", vars.ArrayIndex, err)
	}
	desc, err := partition.DecodeDescriptor(descJSON)
	if err != nil {
		return worker.Summary{}, err
	}

	if err := fetchAssets(ctx, store, env, assets, desc); err != nil {
		return worker.Summary{}, err
	}

	exec, err := spec.executor(cfg, env.Log)
	if err != nil {
		return worker.Summary{}, err
	}
	del, err := newDeliverer(cfg, env, awsbatch.Name, desc.JobNum, sink.Clients{Firehose: fh, Store: store, Prefix: env.Prefix})
	if err != nil {
		return worker.Summary{}, err
	}
	defer del.Close()

	wc := workerConfig(cfg, env, exec, del)
	wc.Store = store
	wc.Mounts = bundleMounts(assets)
	wc.UnitsDir = filepath.Join(root, "units")
	return runWorker(ctx, wc, desc)
}

// fetchAssets unpacks the asset archive and the weather files the shard's
// cases reference
func fetchAssets(ctx context.Context, store storage.ObjectStore, env *runenv.Env, dir string, desc partition.Descriptor) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	rc, err := store.Get(ctx, env.Key(AssetsName))
	if err != nil {
		return fmt.Errorf("fetch assets: %w", err)
	}
	err = storage.Unbundle(rc, dir)
	rc.Close()
	if err != nil {
		return fmt.Errorf("unpack assets: %w", err)
	}

	table, err := sampler.LoadCaseTable(filepath.Join(dir, "lib", "housing_characteristics", CaseTable))
	if err != nil {
		return err
	}
	weather := filepath.Join(dir, "weather")
	if err := os.MkdirAll(weather, 0755); err != nil {
		return err
	}
	names := table.WeatherFiles(caseIDs(desc))
	if err := storage.FetchWeather(ctx, store, env.Prefix, names, weather); err != nil {
		return fmt.Errorf("fetch weather: %w", err)
	}
	env.Log.WithField("weather_files", len(names)).Info("Assets ready")
	return nil
}

func cloudClients(ctx context.Context, spec ShardSpec) (storage.ObjectStore, sink.FirehoseAPI, error) {
	store, fh := spec.Store, spec.Firehose
	if store != nil && fh != nil {
		return store, fh, nil
	}
	awsCfg, err := awsbatch.LoadAWSConfig(ctx, spec.Vars.Region)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		store = storage.NewS3Store(s3.NewFromConfig(awsCfg), spec.Vars.Bucket)
	}
	if fh == nil {
		fh = firehose.NewFromConfig(awsCfg)
	}
	return store, fh, nil
}

// workerConfig is the part of a shard worker's setup shared by every backend
func workerConfig(cfg *project.Config, env *runenv.Env, exec sandbox.Executor, del *sink.Deliverer) worker.Config {
	reporting := make([]string, 0, len(cfg.ReportingMeasures))
	for _, m := range cfg.ReportingMeasures {
		reporting = append(reporting, m.MeasureDirName)
	}
	return worker.Config{
		Env:        env,
		Executor:   exec,
		Builder:    workflow.NewResidential(cfg),
		Extractor:  sandbox.Extractor{ReportingMeasures: reporting},
		Deliverer:  del,
		EngineArgs: sandbox.EngineArgs(cfg.Sandbox.Engine, cfg.Sandbox.MeasuresOnly),
		Timeout:    cfg.Sandbox.Timeout.Duration,
		Limits:     sandbox.ProjectLimits(cfg.Sandbox),
	}
}

func runWorker(ctx context.Context, wc worker.Config, desc partition.Descriptor) (worker.Summary, error) {
	w, err := worker.New(wc)
	if err != nil {
		return worker.Summary{}, err
	}
	ctx, span := wc.Env.Tracer.StartSpan(ctx, "shard.run", tracing.AttrShard.Int(desc.JobNum))
	sum, err := w.Run(ctx, desc.Shard())
	tracing.End(span, err)
	return sum, err
}

// caseIDs returns the distinct cases of a descriptor in ascending order
func caseIDs(desc partition.Descriptor) []int {
	seen := map[int]bool{}
	var ids []int
	for _, u := range desc.Batch {
		if !seen[u.CaseID] {
			seen[u.CaseID] = true
			ids = append(ids, u.CaseID)
		}
	}
	sort.Ints(ids)
	return ids
}
