package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/orchestrator"
)

func newConfigureCommand() *cobra.Command {
	var (
		dryRun bool
		only   []string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure the site from its settings",
		Long: `Configure the site from its INI settings.

Every module parses its section and checks its values first. Any problem,
or a site policy violation of error severity, stops the run before anything
is written. Otherwise the modules configure in order, the attribute file is
written and the required services are enabled.

--only restricts the run to the named modules. The attribute file is left
unchanged in that case.`,
		Example: `  # Configure the site
  siteconf configure

  # Check what would happen, writing nothing
  siteconf configure --dry-run

  # Reconfigure only the PBS job manager
  siteconf configure --only pbs

  # Stage the generated files below a directory
  siteconf configure --root /tmp/stage --settings ./config.d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				doc, err := a.settings()
				if err != nil {
					return err
				}
				o, err := a.orchestrator(ctx, orchestrator.Config{DryRun: dryRun, Only: only})
				if err != nil {
					return err
				}

				res, runErr := o.Run(ctx, doc)
				out := cmd.OutOrStdout()
				if jsonOutput {
					if err := printJSON(out, res); err != nil {
						return err
					}
				} else {
					printRunResult(out, res)
				}

				if runErr != nil {
					return runErr
				}
				if !res.Success() {
					return fmt.Errorf("run %s finished %s", res.ID, res.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "parse and check only; write nothing")
	cmd.Flags().StringSliceVar(&only, "only", nil, fmt.Sprintf("configure only these modules %v", orchestrator.ModuleNames()))

	return cmd
}
