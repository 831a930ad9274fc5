package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newSanitizeCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sanitize [file]",
		Short: "Sanitize text from a file or stdin",
		Long: `Run the activity sanitizer on free text: HTML is flattened, quoted
replies and signatures are cut, and e-mails, phone numbers and credentials
are replaced with placeholders. No ticketing API access is needed.

Examples:
  # Sanitize a saved e-mail
  harvestd sanitize mail.html

  # From stdin, with details
  pbpaste | harvestd sanitize --json -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				content, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", args[0], err)
				}
			}
			if len(content) == 0 {
				return fmt.Errorf("no content to sanitize")
			}

			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			san, err := a.sanitizer()
			if err != nil {
				return err
			}

			res := san.Sanitize(string(content))
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(out, res.Text)
			if res.Redactions > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "[harvestd] Redacted %d value(s)\n", res.Redactions)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}
