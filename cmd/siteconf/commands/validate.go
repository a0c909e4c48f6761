package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/orchestrator"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the site settings",
		Long: `Validate the site settings without configuring anything.

This command checks:
  - INI syntax and option types
  - Required options and enabled values
  - Paths, contacts, port ranges and monitoring destinations
  - Site policies (OPA/rego)

With --watch the settings and policy files are validated again whenever
they change, until interrupted.`,
		Example: `  # Validate the configured settings
  siteconf validate

  # Validate a settings directory
  siteconf validate --settings ./config.d

  # Revalidate on every change
  siteconf validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, true, func(a *app) error {
				out := cmd.OutOrStdout()
				err := validateOnce(ctx, a, out)
				if !watch {
					return err
				}
				if err != nil {
					fmt.Fprintln(out, text.FgRed.Sprint(err.Error()))
				}
				return watchSettings(ctx, a, out)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate when settings or policies change")

	return cmd
}

// validateOnce runs every module through parse and check and reports the
// outcome. The returned error is non-nil when the settings are not valid.
func validateOnce(ctx context.Context, a *app, out io.Writer) error {
	doc, err := a.settings()
	if err != nil {
		return err
	}
	o, err := a.orchestrator(ctx, orchestrator.Config{ValidateOnly: true})
	if err != nil {
		return err
	}
	res, err := o.Run(ctx, doc)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printRunResult(out, res)
	}
	if !res.Success() {
		return fmt.Errorf("settings are not valid (%s)", res.Status)
	}
	if !jsonOutput {
		fmt.Fprintln(out, text.FgGreen.Sprint("Settings are valid"))
	}
	return nil
}

// watchSettings revalidates on every change to the settings or policy files
// until ctx is cancelled.
func watchSettings(ctx context.Context, a *app, out io.Writer) error {
	paths := append([]string{a.cfg.Settings}, a.cfg.Policy.Paths...)
	w, err := fileutil.NewWatcher(paths,
		fileutil.WatchSuffixes(".ini", ".rego", ".json"),
		fileutil.WatchLogger(a.logger),
	)
	if err != nil {
		return err
	}
	defer w.Close()

	a.logger.Info().Strs("paths", paths).Msg("Watching for changes")
	err = w.Run(ctx, func(changed []string) {
		a.logger.Info().Strs("changed", changed).Msg("Revalidating")
		if err := validateOnce(ctx, a, out); err != nil {
			fmt.Fprintln(out, text.FgRed.Sprint(err.Error()))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
