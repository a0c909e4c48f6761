package commands

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/orchestrator"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the site facts",
		Long: `Show the facts every module shares during a run.

Facts are resolved once per run from the settings and the package database:
  - group: OSG or OSG-ITB, from [Site Information]
  - compute_element: whether a CE package is installed
  - gateway: gram, htcondor-ce, both or none, from [Gateway] or packages
  - managed_fork: the raw [Managed Fork] enabled flag`,
		Example: `  # Show facts for the configured settings
  siteconf facts

  # As JSON
  siteconf facts --json`,
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
				f, err := o.Facts(ctx, doc)
				if err != nil {
					return err
				}
				managedFork := facts.ManagedForkEnabled(doc)

				out := cmd.OutOrStdout()
				if jsonOutput {
					values := f.Map()
					values["managed_fork"] = managedFork
					return printJSON(out, values)
				}

				t := newTable(out)
				t.AppendHeader(table.Row{"Fact", "Value"})
				t.AppendRows([]table.Row{
					{"group", f.Group.String()},
					{"compute_element", strconv.FormatBool(f.ComputeElement)},
					{"gateway", string(f.Gateway)},
					{"managed_fork", strconv.FormatBool(managedFork)},
				})
				t.Render()
				return nil
			})
		},
	}

	return cmd
}
