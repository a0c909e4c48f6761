package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/orchestrator"
)

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the exported site attributes",
		Long: `Print the attributes the modules export, rendered as the attribute file
would be. Nothing is checked or written.

Modules whose settings cannot be parsed are left out and the command fails
after printing the rest.`,
		Example: `  # Print the attribute file
  siteconf export

  # As a JSON object
  siteconf export --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, false, func(a *app) error {
				doc, err := a.settings()
				if err != nil {
					return err
				}
				o, err := a.orchestrator(ctx, orchestrator.Config{})
				if err != nil {
					return err
				}

				attrs, exportErr := o.Export(ctx, doc)
				if attrs == nil {
					return exportErr
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if err := printJSON(out, attrs); err != nil {
						return err
					}
				} else if _, err := out.Write(fileutil.RenderAttributes(attrs)); err != nil {
					return err
				}
				return exportErr
			})
		},
	}

	return cmd
}
