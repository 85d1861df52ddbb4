package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/backend/cluster"
	"github.com/psantana5/sweepbatch/pkg/driver"
	"github.com/psantana5/sweepbatch/pkg/runenv"
)

// workerCmd is the entry point of array children and cluster jobs
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one shard of a submitted sweep",
	Long: `Run the shard assigned to this process. Cloud array children take their
shard from AWS_BATCH_JOB_ARRAY_INDEX and their inputs from S3_BUCKET/S3_PREFIX;
cluster jobs read PROJECTFILE and JOBJSON.`,
	Args: cobra.NoArgs,
	RunE: runWorkerCmd,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.String("backend", awsbatch.Name, "backend that started this worker: aws or cluster")
	f.String("project", "", "project file (default $"+runenv.EnvProject+")")
	f.String("job", "", "shard descriptor (default $"+runenv.EnvJobJSON+")")
	f.String("scratch-dir", driver.DefaultScratchDir, "scratch space for cloud workers")
}

func runWorkerCmd(cmd *cobra.Command, args []string) error {
	backendName, _ := cmd.Flags().GetString("backend")
	shard := driver.ShardSpec{Backend: backendName}

	switch backendName {
	case awsbatch.Name:
		vars, err := runenv.FromEnviron(os.Getenv)
		if err != nil {
			return err
		}
		shard.Vars = vars
		shard.ScratchDir, _ = cmd.Flags().GetString("scratch-dir")
	case cluster.Name:
		shard.ProjectFile = flagOrEnv(cmd, "project", runenv.EnvProject)
		shard.JobJSON = flagOrEnv(cmd, "job", runenv.EnvJobJSON)
	default:
		return fmt.Errorf("backend %q has no worker processes", backendName)
	}

	s, err := newSession("worker")
	if err != nil {
		return err
	}
	defer s.stop.Shutdown()
	shard.Log, shard.Metrics, shard.Tracer = s.log, s.metrics, s.tracer

	ctx, cancel := s.stop.Context(cmd.Context())
	defer cancel()

	sum, err := driver.RunShard(ctx, shard)
	if err != nil {
		s.log.WithError(err).Error("Worker failed")
		return err
	}
	s.log.WithFields(logrus.Fields{
		"succeeded":   sum.Succeeded,
		"failed":      sum.Failed,
		"skipped":     sum.Skipped,
		"undelivered": sum.Undelivered,
	}).Info("Worker finished")

	if sum.Undelivered > 0 {
		return fmt.Errorf("%d results could not be delivered", sum.Undelivered)
	}
	return nil
}

func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}
