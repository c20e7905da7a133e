package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/n0madic/go-chatdispatch/internal/models"
)

func newModelsCmd(g *globalFlags) *cobra.Command {
	var (
		format   string
		discover string
		apiKey   string
	)
	c := &cobra.Command{
		Use:   "models",
		Short: "List known models or discover the models of an endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := g.loadSettings()
			if err != nil {
				return err
			}
			reg, err := newRegistry(settings)
			if err != nil {
				return err
			}
			if discover != "" {
				ids, err := reg.Discover(cmd.Context(), discover, apiKey)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			var want models.Format
			if format != "" {
				if want, err = models.ParseFormat(format); err != nil {
					return err
				}
			}
			printModels(cmd.OutOrStdout(), reg.All(), want, settings.Model)
			return nil
		},
	}
	c.Flags().StringVar(&format, "format", "", "only list models of this request format")
	c.Flags().StringVar(&discover, "discover", "", "OpenAI-compatible base URL to query for models")
	c.Flags().StringVar(&apiKey, "api-key", "", "bearer token for --discover")
	return c
}

func printModels(w io.Writer, all []models.Descriptor, format models.Format, current string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORMAT\tPROVIDER\tFLAGS")
	bold := color.New(color.FgGreen, color.Bold)
	for _, d := range all {
		if format != "" && d.Format != format {
			continue
		}
		id := d.ID
		if d.ID == current {
			id = bold.Sprint(d.ID + " *")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, d.Format, d.Provider, strings.Join(d.Flags.Names(), ","))
	}
	tw.Flush()
}
