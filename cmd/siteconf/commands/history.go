package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs",
		Long: `Show the runs recorded in the state database, newest first.

Each run records its status, the site facts, every module's outcome and the
files and services it changed.`,
		Example: `  # List the last 20 runs
  siteconf history

  # Show one run in detail
  siteconf history show 6f1c...

  # Keep only the 10 newest runs
  siteconf history prune --keep 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, runs)
				}
				printRuns(out, runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to list")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeleteCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				d := runDetail{}
				if d.Run, err = store.GetRun(ctx, args[0]); err != nil {
					return err
				}
				if d.Facts, err = store.GetFacts(ctx, d.Run.ID); err != nil {
					return err
				}
				if d.Modules, err = store.ListModuleResults(ctx, d.Run.ID); err != nil {
					return err
				}
				if d.Changes, err = store.ListChanges(ctx, d.Run.ID); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, d)
				}
				printRunDetail(out, &d)
				return nil
			})
		},
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete one run from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				if err := store.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
				return nil
			})
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				removed, err := store.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s)\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 10, "number of runs to keep")

	return cmd
}

// runDetail is everything recorded about one run.
type runDetail struct {
	Run     *stores.Run            `json:"run"`
	Facts   map[string]string      `json:"facts"`
	Modules []*stores.ModuleRecord `json:"modules"`
	Changes []*stores.Change       `json:"changes"`
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return formatDuration(r.CompletedAt.Sub(r.StartedAt))
}

func runMode(r *stores.Run) string {
	switch {
	case r.ValidateOnly:
		return "validate"
	case r.DryRun:
		return "dry-run"
	}
	return "configure"
}

func countJSON(raw string) int {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return 0
	}
	return len(items)
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No runs recorded"))
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Started", "Mode", "Status", "Duration", "Problems"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			runMode(r),
			colorStatus(string(r.Status)),
			runDuration(r),
			countJSON(r.Problems),
		})
	}
	t.Render()
}

func printRunDetail(w io.Writer, d *runDetail) {
	r := d.Run
	fmt.Fprintf(w, "Run:      %s\n", r.ID)
	fmt.Fprintf(w, "Status:   %s\n", colorStatus(string(r.Status)))
	fmt.Fprintf(w, "Mode:     %s\n", runMode(r))
	fmt.Fprintf(w, "Settings: %s\n", r.SettingsPath)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", runDuration(r))
	if r.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *r.Error)
	}

	if len(d.Facts) > 0 {
		keys := make([]string, 0, len(d.Facts))
		for k := range d.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		t := newTable(w)
		t.AppendHeader(table.Row{"Fact", "Value"})
		for _, k := range keys {
			t.AppendRow(table.Row{k, d.Facts[k]})
		}
		t.Render()
	}

	fmt.Fprintln(w)
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Module", "Status", "Phase", "Duration", "Problems"})
	for _, m := range d.Modules {
		t.AppendRow(table.Row{
			strconv.Itoa(m.Position + 1),
			m.Module,
			colorStatus(string(m.Status)),
			m.Phase,
			formatDuration(m.Duration),
			countJSON(m.Problems),
		})
	}
	t.Render()

	var problems []engine.Problem
	if err := json.Unmarshal([]byte(r.Problems), &problems); err == nil {
		printProblems(w, problems)
	}

	if len(d.Changes) > 0 {
		fmt.Fprintln(w)
		t := newTable(w)
		t.AppendHeader(table.Row{"Kind", "Target", "Detail"})
		for _, c := range d.Changes {
			t.AppendRow(table.Row{c.Kind, c.Target, c.Detail})
		}
		t.Render()
	}
}
