package driver

import (
	"fmt"
	"path/filepath"

	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/backend/cluster"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/sink"
)

// ResultsDBName is the shared SQLite sink of local runs
const ResultsDBName = "results.db"

// BackupDirName holds records the primary sink refused
const BackupDirName = "backup"

// ShardDBName is the per-shard SQLite sink of cluster runs. Shards on
// different nodes never write the same file.
func ShardDBName(shardID int) string {
	return fmt.Sprintf("results_job%05d.db", shardID)
}

// sinkConfig resolves the primary writer for a worker of backendName
func sinkConfig(cfg *project.Config, env *runenv.Env, backendName string, shardID int) sink.Config {
	sc := sink.Config{
		Type: cfg.Sink.Type,
		DSN:  cfg.Sink.DSN,
		Path: cfg.Sink.Path,
		Rate: cfg.Sink.RatePerSecond,
	}
	switch backendName {
	case awsbatch.Name:
		if sc.Type == "" {
			sc.Type = sink.TypeFirehose
		}
		sc.Stream = awsbatch.NewNames(env.JobName, env.Bucket).FirehoseStream
	case cluster.Name:
		if sc.Type == "" {
			sc.Type = sink.TypeSQLite
		}
		if sc.Type == sink.TypeSQLite && sc.Path == "" {
			sc.Path = filepath.Join(env.ResultsDir(), ShardDBName(shardID))
		}
	default:
		if sc.Type == "" {
			sc.Type = sink.TypeSQLite
		}
		if sc.Type == sink.TypeSQLite && sc.Path == "" {
			sc.Path = filepath.Join(env.ResultsDir(), ResultsDBName)
		}
	}
	if sc.Type == sink.TypeFile && sc.Path == "" {
		sc.Path = filepath.Join(env.ResultsDir(), "records")
	}
	return sc
}

// backupDir is where refused records land on a shared filesystem
func backupDir(cfg *project.Config, env *runenv.Env) string {
	if cfg.Sink.BackupDir != "" {
		return cfg.Sink.BackupDir
	}
	return filepath.Join(env.ResultsDir(), BackupDirName)
}

// newDeliverer opens the primary and backup writers. Cloud workers back up
// to the object store, everyone else to a record directory.
func newDeliverer(cfg *project.Config, env *runenv.Env, backendName string, shardID int, clients sink.Clients) (*sink.Deliverer, error) {
	primary, err := sink.OpenWriter(sinkConfig(cfg, env, backendName, shardID), clients)
	if err != nil {
		return nil, fmt.Errorf("failed to open result sink: %w", err)
	}

	var backup sink.Writer
	if backendName == awsbatch.Name && clients.Store != nil {
		backup = sink.NewS3Writer(clients.Store, env.Prefix)
	} else {
		backup = &sink.FileWriter{Dir: backupDir(cfg, env)}
	}

	rc := sink.DefaultRetry()
	if cfg.Sink.MaxRetries > 0 {
		rc.MaxRetries = cfg.Sink.MaxRetries
	}
	return &sink.Deliverer{
		Primary: primary,
		Backup:  backup,
		Retry:   rc,
		Log:     env.Log,
		Metrics: env.Metrics,
	}, nil
}
