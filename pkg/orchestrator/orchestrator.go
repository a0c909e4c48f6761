// Package orchestrator runs the configuration modules of one site over a
// settings document. It resolves the site facts once, builds the modules in
// their fixed order and takes each through parse, check and configure. The
// run's aggregate outcome, its exported attributes and the services that
// must be enabled are returned as an engine.RunResult.
package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/modules"
	"github.com/openfroyo/siteconf/pkg/policy"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/stores"
	"github.com/openfroyo/siteconf/pkg/telemetry"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// Config controls what a run does.
type Config struct {
	// SettingsPath is recorded in the run history.
	SettingsPath string

	// AttributesFile receives the exported attributes. Empty skips it.
	AttributesFile string

	// Root prefixes every generated path.
	Root string

	// Paths are the host files modules touch.
	Paths modules.Paths

	// DryRun stops after the check phase: nothing is written and no service
	// is enabled.
	DryRun bool

	// ValidateOnly is a dry run made to validate settings. It is recorded
	// as such in the history.
	ValidateOnly bool

	// Only restricts the run to the named modules (by name or section,
	// case-insensitive). Empty runs every module.
	Only []string

	// Retention is how many runs the history keeps; 0 keeps all.
	Retention int
}

// Orchestrator runs the modules.
type Orchestrator struct {
	cfg Config

	logger   zerolog.Logger
	packages probe.PackageProber
	services probe.ServiceController
	resolver validation.Resolver
	policies *policy.Engine
	store    stores.Store
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	getenv   func(string) string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.With().Str("component", "orchestrator").Logger() }
}

// WithPackages sets the package prober used for the site facts.
func WithPackages(p probe.PackageProber) Option {
	return func(o *Orchestrator) { o.packages = p }
}

// WithServices sets the service controller.
func WithServices(sc probe.ServiceController) Option {
	return func(o *Orchestrator) { o.services = sc }
}

// WithResolver sets the host name resolver used by checks.
func WithResolver(r validation.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithPolicies enables site policy evaluation.
func WithPolicies(e *policy.Engine) Option {
	return func(o *Orchestrator) { o.policies = e }
}

// WithStore records every run in the history.
func WithStore(s stores.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithMetrics records run metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer records spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithGetenv replaces os.Getenv for module defaults.
func WithGetenv(getenv func(string) string) Option {
	return func(o *Orchestrator) { o.getenv = getenv }
}

// New creates an Orchestrator. Without WithPackages and WithServices it
// probes rpm and systemctl on the local host.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.ValidateOnly {
		cfg.DryRun = true
	}
	if cfg.Paths == (modules.Paths{}) {
		cfg.Paths = modules.DefaultPaths()
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: zerolog.Nop(),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.packages == nil || o.services == nil {
		runner := probe.NewExecRunner(probe.DefaultTimeout)
		if o.packages == nil {
			o.packages = probe.NewRPMProber(runner, o.logger)
		}
		if o.services == nil {
			o.services = probe.NewSystemctlController(runner, o.logger)
		}
	}
	if o.tracer == nil {
		o.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "siteconf", "", "")
	}
	return o
}

// newModules creates the modules in their fixed order. The Managed Fork flag
// is read from the raw document once and handed to the job managers.
func newModules(deps modules.Deps, managedFork bool) []modules.Module {
	return []modules.Module{
		modules.NewManagedFork(deps),
		modules.NewPBS(deps, managedFork),
		modules.NewCondor(deps, managedFork),
		modules.NewNetwork(deps),
		modules.NewMonitoring(deps),
	}
}

func (o *Orchestrator) newWriter(observer fileutil.Observer) *fileutil.Writer {
	return fileutil.NewWriter(
		fileutil.WithRoot(o.cfg.Root),
		fileutil.WithLogger(o.logger),
		fileutil.WithObserver(observer),
	)
}

func (o *Orchestrator) deps(f *facts.SiteFacts, w *fileutil.Writer, logger zerolog.Logger) modules.Deps {
	return modules.Deps{
		Facts:    f,
		Writer:   w,
		Logger:   logger,
		Paths:    o.cfg.Paths,
		Resolver: o.resolver,
		Getenv:   o.getenv,
	}
}

// selection returns which modules run. Naming a module that cannot be
// configured on its own is an error.
func (o *Orchestrator) selection(mods []modules.Module) ([]bool, error) {
	selected := make([]bool, len(mods))
	if len(o.cfg.Only) == 0 {
		for i := range selected {
			selected[i] = true
		}
		return selected, nil
	}

	for _, name := range o.cfg.Only {
		found := false
		for i, m := range mods {
			if !strings.EqualFold(name, m.Name()) && !strings.EqualFold(name, m.Section()) {
				continue
			}
			if !m.SeparatelyConfigurable() {
				return nil, fmt.Errorf("module %s cannot be configured on its own", m.Name())
			}
			selected[i] = true
			found = true
		}
		if !found {
			return nil, fmt.Errorf("unknown module %q (known: %s)", name, strings.Join(ModuleNames(), ", "))
		}
	}
	return selected, nil
}

// ModuleNames lists the modules in run order.
func ModuleNames() []string {
	mods := newModules(modules.Deps{}, false)
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name()
	}
	return names
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Microsecond)
}
