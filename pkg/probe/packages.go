package probe

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// PackageProber answers whether a package is installed.
type PackageProber interface {
	Installed(ctx context.Context, name string) bool
}

// RPMProber queries the RPM database through rpm -q.
type RPMProber struct {
	runner Runner
	logger zerolog.Logger
}

// NewRPMProber creates an RPMProber.
func NewRPMProber(runner Runner, logger zerolog.Logger) *RPMProber {
	return &RPMProber{
		runner: runner,
		logger: logger.With().Str("component", "probe").Logger(),
	}
}

// Installed implements PackageProber. Any failure to query is reported as not
// installed.
func (p *RPMProber) Installed(ctx context.Context, name string) bool {
	res, err := p.runner.Run(ctx, "rpm", "-q", "--queryformat", "%{NAME}\n", name)
	if err != nil {
		p.logger.Warn().Err(err).Str("package", name).Msg("Package probe failed, assuming not installed")
		return false
	}
	// Multilib and multi-version installs print one line per instance.
	first, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	installed := res.ExitCode == 0 && strings.TrimSpace(first) == name
	p.logger.Debug().Str("package", name).Bool("installed", installed).Msg("Package probed")
	return installed
}

// AnyInstalled reports whether at least one of names is installed.
func AnyInstalled(ctx context.Context, p PackageProber, names ...string) bool {
	for _, n := range names {
		if p.Installed(ctx, n) {
			return true
		}
	}
	return false
}

// StaticPackages is a PackageProber over a fixed set, used for staging runs
// and tests.
type StaticPackages map[string]bool

// Installed implements PackageProber.
func (s StaticPackages) Installed(_ context.Context, name string) bool {
	return s[name]
}
