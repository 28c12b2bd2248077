// Package cmd wires the denoiser subcommands onto a cobra root command.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"denoiser/internal/config"
	applog "denoiser/internal/log"
	"denoiser/pkg/build"

	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand once the root has loaded
// the configuration.
type app struct {
	configPath string
	logLevel   string
	verbose    bool

	cfg *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	buildInfo := build.GetBuildFlags()

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
	rootCmd.SetVersionTemplate(buildInfo.String() + "\n")

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to a YAML config file (default: ./config.yaml or ./denoiser.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Show verbose output (same as --log-level debug)")

	rootCmd.AddCommand(
		newTrainCommand(a),
		newServeCommand(a),
		newServeModelCommand(a),
		newDenoiseCommand(a),
		newEvaluateCommand(a),
		newRecordCommand(a),
		newDevicesCommand(a),
		newConfigCommand(a),
	)
	return rootCmd
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// load reads the configuration and applies the logging settings.
func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.verbose {
		level = "debug"
	}
	parsed, ok := applog.ParseLevel(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	applog.SetOutput(os.Stderr, strings.EqualFold(cfg.LogFormat, "json"))
	applog.SetLevel(parsed)
	applog.Debugf("%s", build.GetBuildFlags())
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
