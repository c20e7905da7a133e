package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/n0madic/go-chatdispatch/internal/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect the dispatcher settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.loadSettings()
			if err != nil {
				return err
			}
			out, err := s.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the settings file for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.loadSettings()
			if err != nil {
				return err
			}
			errs := s.Validate()
			if len(errs) == 0 {
				if _, err := newRegistry(s); err != nil {
					errs = append(errs, err)
				}
			}
			w := cmd.OutOrStdout()
			if len(errs) == 0 {
				color.New(color.FgGreen).Fprintln(w, "Configuration is valid")
				return nil
			}
			red := color.New(color.FgRed)
			for _, e := range errs {
				red.Fprintln(w, "  -", e)
			}
			return fmt.Errorf("%d configuration problem(s): %w", len(errs), errors.Join(errs...))
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Run: func(cmd *cobra.Command, _ []string) {
			p := g.configPath
			if p == "" {
				p = config.DefaultPath()
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
		},
	}

	c.AddCommand(show, validate, path)
	return c
}
