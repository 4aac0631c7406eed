package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tendant/chunked-content-pipeline/internal/logging"
	"github.com/tendant/chunked-content-pipeline/pkg/runner"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:          "pipeline-worker",
	Short:        "Chunked content pipeline worker",
	Long:         "Accepts chunked uploads, assembles them and drives every upload through validation, processing and storage on DBOS.",
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	bindGlobalFlags(rootCmd.PersistentFlags(), &flags)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newStatusCmd())
}

func bindGlobalFlags(fs *pflag.FlagSet, f *globalFlags) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file (defaults to $PIPELINE_CONFIG)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format override (json, console)")
}

// loadConfig reads the configuration and builds the process logger
func loadConfig() (*runner.Config, zerolog.Logger, error) {
	cfg, err := runner.LoadConfig(flags.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format), nil
}
