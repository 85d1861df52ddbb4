package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/sweepbatch/pkg/driver"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/project"
	"github.com/psantana5/sweepbatch/pkg/shutdown"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <project.yml>",
	Short: "Run a sweep",
	Long: `Validate the project, sample the case table, partition the simulations,
provision the backend and submit. Attached backends are waited for and their
results archived.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd.Flags())
	viper.BindPFlag("backend", runCmd.Flags().Lookup("backend"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("backend", "", "override the project's backend: local, cluster or aws")
	f.Bool("samplingonly", false, "only validate and sample")
	f.Bool("validateonly", false, "only validate the project")
	f.Bool("postprocessonly", false, "only archive existing results")
	f.Bool("uploadonly", false, "only upload the results directory to the object store")
	f.IntP("jobs", "j", 0, "local worker pool size (default: logical CPUs)")
	f.Bool("measures_only", false, "apply measures without simulating")
	f.Int64("seed", 0, "shuffle seed for reproducible partitions")
	f.String("metrics-addr", "", "serve /metrics and /health on this address")
}

// runMode picks the mode from the *only flags; at most one may be set
func runMode(cmd *cobra.Command) (driver.Mode, error) {
	flags := []struct {
		name string
		mode driver.Mode
	}{
		{"samplingonly", driver.SamplingOnly},
		{"validateonly", driver.ValidateOnly},
		{"postprocessonly", driver.PostprocessOnly},
		{"uploadonly", driver.UploadOnly},
	}
	mode, set := driver.Full, ""
	for _, f := range flags {
		on, _ := cmd.Flags().GetBool(f.name)
		if !on {
			continue
		}
		if set != "" {
			return driver.Full, fmt.Errorf("--%s and --%s are mutually exclusive", set, f.name)
		}
		mode, set = f.mode, f.name
	}
	return mode, nil
}

// applyOverrides folds command-line settings into the loaded project
func applyOverrides(cmd *cobra.Command, cfg *project.Config) {
	if viper.IsSet("backend") {
		if b := viper.GetString("backend"); b != "" {
			cfg.Backend = b
		}
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Local.NJobs, _ = cmd.Flags().GetInt("jobs")
	}
	if on, _ := cmd.Flags().GetBool("measures_only"); on {
		cfg.Sandbox.MeasuresOnly = true
	}
	if cmd.Flags().Changed("seed") {
		seed, _ := cmd.Flags().GetInt64("seed")
		cfg.Seed = &seed
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, err := runMode(cmd)
	if err != nil {
		return err
	}
	cfg, err := project.Load(args[0])
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)

	s, err := newSession("run")
	if err != nil {
		return err
	}
	defer s.stop.Shutdown()

	ctx, cancel := s.stop.Context(cmd.Context())
	defer cancel()

	if addr := viper.GetString("metrics_addr"); addr != "" {
		srv := s.metrics.Serve(addr, s.log)
		s.stop.Register("metrics server", func(ctx context.Context) error {
			return metrics.StopServer(ctx, srv)
		})
	}

	d := driver.New(cfg, s.env(cfg.JobName))
	s.stop.Register("result sink", shutdown.Closer(d))

	rep, err := d.Run(ctx, mode)
	if rep != nil {
		printReport(cmd.OutOrStdout(), rep)
	}
	if err != nil {
		if errors.Is(err, project.ErrInvalid) {
			s.log.WithError(err).Error("Project is invalid")
		} else {
			s.log.WithError(err).Error("Run failed")
		}
		return err
	}
	return nil
}

func printReport(w io.Writer, rep *driver.Report) {
	fmt.Fprintf(w, "mode: %s  backend: %s\n", rep.Mode, rep.Backend)
	if rep.Cases > 0 {
		fmt.Fprintf(w, "cases: %d  units: %d  shards: %d\n", rep.Cases, rep.Units, rep.Shards)
	}

	if len(rep.Resources) > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("Kind", "Name", "Remote ID", "State")
		for _, r := range rep.Resources {
			table.Append(r.Kind, r.LogicalName, r.RemoteID, string(r.State))
		}
		table.Render()
	}

	if rep.Handle != nil {
		fmt.Fprintf(w, "submitted %d shards as %v\n", rep.Handle.Shards, rep.Handle.IDs)
	}
	if rep.Archive != "" {
		fmt.Fprintf(w, "results archived to %s\n", rep.Archive)
	}
	if rep.Uploaded > 0 {
		fmt.Fprintf(w, "uploaded %d files\n", rep.Uploaded)
	}
}
