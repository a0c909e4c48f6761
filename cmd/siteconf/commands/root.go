package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	settingsPath string
	rootDir      string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "siteconf",
		Short: "siteconf - OSG site configuration",
		Long: `siteconf configures an OSG site from its INI settings.

Each configuration module reads its section of the settings, checks the
values against the host and then writes the job manager, network and
monitoring configuration. The merged attributes are written to the
attribute file and the services the site needs are enabled.

A run that finds invalid settings configures nothing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "siteconf config file (default /etc/siteconf/siteconf.yaml)")
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "INI settings file or directory (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "prefix for every generated path, for staging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
