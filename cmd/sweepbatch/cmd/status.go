package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/worker"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <project.yml>",
	Short: "Show unit states of a run",
	Long:  `Read the state markers under the project's results directory and summarize them.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("units", false, "list every unit that is not succeeded")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := project.Load(args[0])
	if err != nil {
		return err
	}
	dir := filepath.Join(cfg.OutputDirectory, "results")
	markers, err := worker.ScanMarkers(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	out := cmd.OutOrStdout()
	if len(markers) == 0 {
		fmt.Fprintf(out, "No units found under %s\n", dir)
		return nil
	}

	counts := map[models.UnitState]int{}
	for _, m := range markers {
		counts[m.State]++
	}
	table := tablewriter.NewWriter(out)
	table.Header("State", "Units")
	for _, state := range []models.UnitState{models.UnitSucceeded, models.UnitFailed, models.UnitRunning} {
		table.Append(string(state), fmt.Sprint(counts[state]))
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal units: %d\n", len(markers))

	if list, _ := cmd.Flags().GetBool("units"); list {
		table := tablewriter.NewWriter(out)
		table.Header("Unit", "State", "Attempt", "Exit", "Updated", "Reason")
		for _, m := range markers {
			if m.State == models.UnitSucceeded {
				continue
			}
			table.Append(m.Unit, string(m.State), fmt.Sprint(m.Attempt), fmt.Sprint(m.ExitCode),
				m.UpdatedAt.Format(time.RFC3339), m.Reason)
		}
		table.Render()
	}
	return nil
}
