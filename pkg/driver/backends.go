package driver

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/psantana5/sweepbatch/pkg/backend"
	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/backend/cluster"
	"github.com/psantana5/sweepbatch/pkg/backend/local"
	"github.com/psantana5/sweepbatch/pkg/partition"
	"github.com/psantana5/sweepbatch/pkg/sandbox"
	"github.com/psantana5/sweepbatch/pkg/sink"
)

// registry wires the three execution backends to this driver's project
func (d *Driver) registry() *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(local.Name, func() (backend.Backend, error) {
		return local.New(d.Project.Local.NJobs, d.Project.Local.NShards, d.runLocalShard, d.Env.Log, d.Env.Metrics), nil
	})
	reg.Register(cluster.Name, func() (backend.Backend, error) {
		logDir := filepath.Join(d.Project.OutputDirectory, "logs")
		return cluster.New(d.Project, d.Env.JobsDir(), logDir, d.Env.Log, d.Env.Metrics), nil
	})
	reg.Register(awsbatch.Name, func() (backend.Backend, error) {
		awsCfg, err := awsbatch.LoadAWSConfig(context.Background(), d.Env.Region)
		if err != nil {
			return nil, err
		}
		return awsbatch.New(d.Project, d.Env, awsbatch.NewClients(awsCfg)), nil
	})
	return reg
}

// runLocalShard is the in-process shard runner of the local pool. All shards
// share one deliverer and the project's executor.
func (d *Driver) runLocalShard(ctx context.Context, shardID int) error {
	desc, err := partition.ReadDescriptor(filepath.Join(d.Env.JobsDir(), partition.DescriptorName(shardID)))
	if err != nil {
		return err
	}
	del, err := d.sharedDeliverer()
	if err != nil {
		return err
	}
	exec := d.Executor
	if exec == nil {
		if exec, err = sandbox.New(d.Project, d.Env.Log); err != nil {
			return err
		}
	}

	env := d.Env.WithLog(d.Env.Log.WithField("shard", shardID))
	cfg := workerConfig(d.Project, env, exec, del)
	cfg.Builder = d.Builder
	cfg.Mounts = localMounts(d.stagedCharacteristicsDir(), sandbox.DefaultMounts(d.Project, ""))
	cfg.UnitsDir = d.Env.ResultsDir()

	sum, err := runWorker(ctx, cfg, desc)
	if err != nil {
		return err
	}
	if sum.Undelivered > 0 {
		return fmt.Errorf("%d results undelivered", sum.Undelivered)
	}
	return nil
}

func (d *Driver) sharedDeliverer() (*sink.Deliverer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deliverer != nil {
		return d.deliverer, nil
	}
	del, err := newDeliverer(d.Project, d.Env, local.Name, 0, sink.Clients{})
	if err != nil {
		return nil, err
	}
	d.deliverer = del
	return del, nil
}
