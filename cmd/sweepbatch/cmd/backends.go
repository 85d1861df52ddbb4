package cmd

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sweepbatch/pkg/backend/awsbatch"
	"github.com/psantana5/sweepbatch/pkg/backend/cluster"
	"github.com/psantana5/sweepbatch/pkg/backend/local"
	"github.com/psantana5/sweepbatch/pkg/driver"
	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/runenv"
)

var backendDescriptions = map[string]string{
	local.Name:    "in-process worker pool, attached",
	cluster.Name:  "one sbatch/qsub job per shard, detached",
	awsbatch.Name: "cloud array job with delivery stream, attached",
}

// backendsCmd lists the registered backends
var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List execution backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := driver.New(&project.Config{}, runenv.New("backends", logging.Discard()))

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("Backend", "Description")
		for _, name := range d.Registry.Names() {
			table.Append(name, backendDescriptions[name])
		}
		table.Render()
		fmt.Fprintf(cmd.OutOrStdout(), "\nLocal pool default size: %d\n", local.DefaultWorkers())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
