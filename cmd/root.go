// Package cmd implements the chatdispatch command line.
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/models"
)

const AppName = "chatdispatch"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
	debug      bool
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           AppName,
		Short:         "Send one chat request to any configured LLM backend",
		Long:          `chatdispatch normalizes a message list for the selected model, dispatches it through the configured fallback chain, and prints the reply or streams it as it arrives.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd, g.verbose)
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "settings file (default "+config.DefaultPath()+")")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "dump upstream responses to stderr")

	root.AddCommand(newGenerateCmd(g), newModelsCmd(g), newConfigCmd(g))
	return root
}

func setupLogging(cmd *cobra.Command, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadSettings reads the settings file and applies command-line overrides.
func (g *globalFlags) loadSettings() (*config.Settings, error) {
	s, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		s.Verbose = true
	}
	if g.debug {
		s.Debug = true
	}
	return s, nil
}

func newRegistry(s *config.Settings) (*models.Registry, error) {
	custom, err := s.Descriptors()
	if err != nil {
		return nil, err
	}
	return models.NewRegistry(custom...)
}
