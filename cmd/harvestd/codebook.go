package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/harvestd/internal/daktela"
)

func newCodebookCmd(root *rootOptions, use, short string, list func(*daktela.Client, context.Context) ([]daktela.CodebookEntry, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `. Either column is accepted by the --category and
--status filters of the run command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			client, err := a.client()
			if err != nil {
				return err
			}
			entries, err := list(client, ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTITLE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
