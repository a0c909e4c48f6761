package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/config"
	"github.com/openfroyo/siteconf/pkg/orchestrator"
	"github.com/openfroyo/siteconf/pkg/policy"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/stores"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// app holds what the commands share: the tool config with flag overrides
// applied, telemetry and, when state is enabled, the run history.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     stores.Store
}

// loadApp loads the tool config, applies the global flags and starts
// telemetry. The history store is opened only when withHistory is set.
func loadApp(ctx context.Context, withHistory bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if settingsPath != "" {
		cfg.Settings = settingsPath
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog()}

	if withHistory && cfg.State.Enabled {
		if err := a.openStore(ctx); err != nil {
			_ = a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.State.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	return nil
}

// requireStore returns the history store or an error when state is off.
func (a *app) requireStore() (stores.Store, error) {
	if a.store == nil {
		return nil, errors.New("run history is disabled (state.enabled is false)")
	}
	return a.store, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// settings loads the INI settings document.
func (a *app) settings() (*settings.INIDocument, error) {
	doc, err := settings.Load(a.cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings from %s: %w", a.cfg.Settings, err)
	}
	a.logger.Debug().Strs("sources", doc.Sources()).Msg("Settings loaded")
	return doc, nil
}

// policies builds the policy engine with the configured policy files and
// disabled policies.
func (a *app) policies(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, policy.NewLoader(a.logger), a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range a.cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// serviceController returns the configured service backend.
func (a *app) serviceController(runner probe.Runner) probe.ServiceController {
	if a.cfg.Probe.ServiceBackend == "dbus" {
		return probe.NewDBusController(a.logger)
	}
	return probe.NewSystemctlController(runner, a.logger)
}

// orchestrator wires an orchestrator to the host probes, policies, telemetry
// and history.
func (a *app) orchestrator(ctx context.Context, cfg orchestrator.Config) (*orchestrator.Orchestrator, error) {
	policies, err := a.policies(ctx)
	if err != nil {
		return nil, err
	}

	cfg.SettingsPath = a.cfg.Settings
	cfg.AttributesFile = a.cfg.AttributesFile
	cfg.Root = a.cfg.Root
	cfg.Paths = a.cfg.Paths.ModulePaths()
	cfg.Retention = a.cfg.State.Retention

	runner := probe.NewExecRunner(a.cfg.Probe.Timeout)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithPackages(probe.NewRPMProber(runner, a.logger)),
		orchestrator.WithServices(a.serviceController(runner)),
		orchestrator.WithResolver(net.DefaultResolver),
		orchestrator.WithPolicies(policies),
		orchestrator.WithMetrics(a.telemetry.Metrics),
		orchestrator.WithTracer(a.telemetry.Tracer),
	}
	if a.store != nil {
		opts = append(opts, orchestrator.WithStore(a.store))
	}
	return orchestrator.New(cfg, opts...), nil
}

// withApp runs fn with a loaded app and closes it afterwards.
func withApp(ctx context.Context, withHistory bool, fn func(*app) error) error {
	a, err := loadApp(ctx, withHistory)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Shutdown failed")
		}
	}()
	return fn(a)
}
