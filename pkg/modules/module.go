// Package modules contains the configuration modules. Each module owns one
// section of the settings document and goes through parse, check and
// configure in that order. Only Configure has side effects, and every file it
// touches goes through fileutil.Writer.
package modules

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// Module is one configuration concern.
type Module interface {
	// Name is the human-readable module name.
	Name() string

	// Section is the settings section the module reads.
	Section() string

	// Parse determines enablement and resolves every option. It reads only
	// doc and the site facts.
	Parse(doc settings.Document) error

	// CheckAttributes validates resolved values and reports every problem.
	CheckAttributes(ctx context.Context) engine.CheckResult

	// Configure applies the module. It must be idempotent.
	Configure(ctx context.Context) error

	Enabled() bool
	Ignored() bool

	// Attributes is the exported mapping name -> value.
	Attributes() map[string]string

	// EnabledServices lists OS services that must end up enabled.
	EnabledServices() []string

	// DefaultJobManager names the gatekeeper default this module will set,
	// or "" when it sets none.
	DefaultJobManager() string

	// SeparatelyConfigurable reports whether the module may be selected on
	// its own.
	SeparatelyConfigurable() bool
}

// Paths are the host locations modules read and generate. They are logical
// host paths; the Writer maps them below its staging root.
type Paths struct {
	GridServices       string
	GlobusConfig       string
	BlahConfig         string
	HTCondorCESentinel string
	CEMonConfig        string
	GlobusFirewall     string
	ProfileSh          string
	ProfileCsh         string
}

// DefaultPaths returns the standard host locations.
func DefaultPaths() Paths {
	return Paths{
		GridServices:       "/etc/grid-services",
		GlobusConfig:       "/etc/globus",
		BlahConfig:         "/etc/blah.config",
		HTCondorCESentinel: "/var/lib/osg/htcondor-ce-configured",
		CEMonConfig:        "/etc/glite-ce-monitor/cemonitor-config.xml",
		GlobusFirewall:     "/var/lib/osg/globus-firewall",
		ProfileSh:          "/etc/profile.d/osg.sh",
		ProfileCsh:         "/etc/profile.d/osg.csh",
	}
}

// Deps are the collaborators shared by every module of a run.
type Deps struct {
	Facts    *facts.SiteFacts
	Writer   *fileutil.Writer
	Logger   zerolog.Logger
	Paths    Paths
	Resolver validation.Resolver
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

func (d Deps) getenv(key string) string {
	if d.Getenv != nil {
		return d.Getenv(key)
	}
	return os.Getenv(key)
}

// Base carries the state every module shares. Modules embed it.
type Base struct {
	name    string
	section string
	enabled bool
	ignored bool

	deps   Deps
	logger zerolog.Logger
}

func newBase(name, section string, deps Deps) Base {
	if deps.Facts == nil {
		deps.Facts = &facts.SiteFacts{}
	}
	if deps.Writer == nil {
		deps.Writer = fileutil.NewWriter(fileutil.WithLogger(deps.Logger))
	}
	if deps.Paths == (Paths{}) {
		deps.Paths = DefaultPaths()
	}
	return Base{
		name:    name,
		section: section,
		deps:    deps,
		logger: deps.Logger.With().
			Str("module", name).
			Str("section", section).
			Logger(),
	}
}

// Name implements Module.
func (b *Base) Name() string { return b.name }

// Section implements Module.
func (b *Base) Section() string { return b.section }

// Enabled implements Module.
func (b *Base) Enabled() bool { return b.enabled }

// Ignored implements Module.
func (b *Base) Ignored() bool { return b.ignored }

// SeparatelyConfigurable implements Module.
func (b *Base) SeparatelyConfigurable() bool { return true }

// DefaultJobManager implements Module.
func (b *Base) DefaultJobManager() string { return "" }

// active reports whether the check and configure phases should run.
func (b *Base) active() bool {
	return b.enabled && !b.ignored
}

// setStatus reads the enabled key of a present section. A missing key means
// enabled; "ignore" means enabled but ignored. It returns whether option
// resolution should continue.
func (b *Base) setStatus(doc settings.Document) (bool, error) {
	b.enabled, b.ignored = false, false

	raw, ok := doc.Get(b.section, "enabled")
	switch {
	case !ok:
		b.enabled = true
	case strings.EqualFold(strings.TrimSpace(raw), "ignore"):
		b.enabled = true
		b.ignored = true
	default:
		v, err := settings.ParseBool(raw)
		if err != nil {
			return false, engine.NewSettingError("invalid value for enabled", err).
				WithModule(b.name).WithSection(b.section).WithOption("enabled")
		}
		b.enabled = v
	}

	if b.ignored {
		b.logger.Warn().Msg("Section is ignored, settings will not be applied")
	}
	return b.active(), nil
}

// resolve resolves opts and warns about keys in the section that none of them
// recognise.
func (b *Base) resolve(doc settings.Document, opts []settings.Resolvable) error {
	if err := settings.ResolveAll(doc, b.section, opts...); err != nil {
		return b.withContext(err, "")
	}
	b.warnUnknown(doc, settings.Keys(opts...))
	return nil
}

func (b *Base) warnUnknown(doc settings.Document, known []string) {
	for _, key := range UnknownKeys(doc, b.section, known) {
		b.logger.Warn().Str("option", key).Msg("Found unknown option")
	}
}

// UnknownKeys returns the keys declared in section that are neither known,
// "enabled", nor inherited from DEFAULT.
func UnknownKeys(doc settings.Document, section string, known []string) []string {
	skip := map[string]bool{"enabled": true}
	for _, k := range known {
		skip[strings.ToLower(k)] = true
	}
	for _, k := range doc.Defaults() {
		skip[strings.ToLower(k)] = true
	}

	var unknown []string
	for _, k := range doc.Options(section) {
		if !skip[strings.ToLower(k)] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// withContext adds this module's name, section and, when given, option to an
// engine error in err's chain.
func (b *Base) withContext(err error, option string) error {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return err
	}
	ee.WithModule(b.name).WithSection(b.section)
	if option != "" {
		ee.WithOption(option)
	}
	return err
}

// problem logs and records a check failure.
func (b *Base) problem(res *engine.CheckResult, option, format string, args ...any) {
	res.Addf(b.name, b.section, option, format, args...)
	p := res.Problems[len(res.Problems)-1]
	b.logger.Error().Str("option", option).Msg(p.Message)
}

// skipConfigure logs why configure is a no-op and returns true when it is.
func (b *Base) skipConfigure() bool {
	if b.ignored {
		b.logger.Warn().Msg("Configuration ignored")
		return true
	}
	if !b.enabled {
		b.logger.Debug().Msg("Not enabled")
		return true
	}
	return false
}

// configureError wraps err as a ConfigureError for this module.
func (b *Base) configureError(message string, err error) *engine.EngineError {
	return engine.NewConfigureError(message, err).WithModule(b.name).WithSection(b.section)
}

// export returns the mapped values of opts when the module is active.
func (b *Base) export(opts []settings.Resolvable) map[string]string {
	if !b.active() {
		return map[string]string{}
	}
	return settings.Export(opts...)
}

// sortedServices de-duplicates and sorts service names.
func sortedServices(services ...string) []string {
	seen := make(map[string]bool, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
