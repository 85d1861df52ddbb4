package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/sweepbatch/pkg/logging"
	"github.com/psantana5/sweepbatch/pkg/metrics"
	"github.com/psantana5/sweepbatch/pkg/runenv"
	"github.com/psantana5/sweepbatch/pkg/shutdown"
	"github.com/psantana5/sweepbatch/pkg/tracing"
)

// Version is set at build time
var Version = "dev"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sweepbatch",
	Short: "Run parametric simulation sweeps",
	Long: `sweepbatch samples a building stock, partitions the simulations into shards
and runs them on a local worker pool, an HPC scheduler or a cloud array-job queue.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sweepbatch/config.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-dir", "", "also write logs to <dir>/<command>.log")
	pf.String("otlp-endpoint", "", "OTLP HTTP collector host:port, empty disables tracing")
	pf.String("textfile", "", "write metrics in node-exporter textfile format at exit")

	for _, name := range []string{"log-level", "log-format", "log-dir", "otlp-endpoint", "textfile"} {
		viper.BindPFlag(configKey(name), pf.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".sweepbatch"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SWEEPBATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

// configKey maps a flag name to its viper key
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

// session is the ambient stack of one command: logger, metrics, tracing and
// the shutdown hooks that flush them.
type session struct {
	log     *logrus.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider
	stop    *shutdown.Manager
}

func newSession(component string) (*session, error) {
	opts := logging.Options{
		Level: viper.GetString("log_level"),
		JSON:  viper.GetString("log_format") == "json",
	}

	s := &session{metrics: metrics.NewCollector()}
	var closeLog func(context.Context) error
	if dir := viper.GetString("log_dir"); dir != "" {
		fl, err := logging.NewFileLogger(dir, component, opts)
		if err != nil {
			return nil, err
		}
		s.log = fl.Logger
		closeLog = shutdown.Closer(fl)
	} else {
		log, err := logging.NewLogger(opts)
		if err != nil {
			return nil, err
		}
		s.log = log
	}

	s.stop = shutdown.New(30*time.Second, s.log)
	if closeLog != nil {
		s.stop.Register("log file", closeLog)
	}

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "sweepbatch",
		ServiceVersion: Version,
		Component:      component,
		OTLPEndpoint:   viper.GetString("otlp_endpoint"),
	}, s.log)
	if err != nil {
		return nil, err
	}
	s.tracer = tp
	s.stop.Register("tracer", tp.Shutdown)

	if path := viper.GetString("textfile"); path != "" {
		s.stop.Register("metrics textfile", func(context.Context) error {
			return s.metrics.WriteTextfile(path)
		})
	}
	return s, nil
}

// env builds the run context for jobName
func (s *session) env(jobName string) *runenv.Env {
	env := runenv.New(jobName, s.log)
	env.Tracer = s.tracer
	env.Metrics = s.metrics
	return env
}
