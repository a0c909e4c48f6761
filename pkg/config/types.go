package config

import (
	"time"

	"github.com/openfroyo/siteconf/pkg/modules"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// Config is siteconf's own configuration. It says where things are; the site
// itself is described by the INI settings document.
type Config struct {
	// Settings is the INI settings file or directory.
	Settings string `yaml:"settings" validate:"required"`

	// AttributesFile receives the exported attribute mapping.
	AttributesFile string `yaml:"attributes_file" validate:"required"`

	// Root prefixes every generated path. Empty writes to the live host.
	Root string `yaml:"root"`

	// Paths are the generated and edited host files.
	Paths PathsConfig `yaml:"paths"`

	// State configures the run history database.
	State StateConfig `yaml:"state"`

	// Probe configures package and service probes.
	Probe ProbeConfig `yaml:"probe"`

	// Policy configures site policies.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// PathsConfig lists the host files modules touch.
type PathsConfig struct {
	GridServices       string `yaml:"grid_services" validate:"required"`
	GlobusConfig       string `yaml:"globus_config" validate:"required"`
	BlahConfig         string `yaml:"blah_config" validate:"required"`
	HTCondorCESentinel string `yaml:"htcondor_ce_sentinel" validate:"required"`
	CEMonConfig        string `yaml:"cemon_config" validate:"required"`
	GlobusFirewall     string `yaml:"globus_firewall" validate:"required"`
	ProfileSh          string `yaml:"profile_sh" validate:"required"`
	ProfileCsh         string `yaml:"profile_csh" validate:"required"`
}

// StateConfig configures the run history.
type StateConfig struct {
	// Enabled turns run recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// Retention is how many runs to keep; 0 keeps every run.
	Retention int `yaml:"retention" validate:"gte=0"`
}

// ProbeConfig configures the probe boundary.
type ProbeConfig struct {
	// Timeout bounds one external probe.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// ServiceBackend selects how services are enabled.
	ServiceBackend string `yaml:"service_backend" validate:"oneof=systemctl dbus"`
}

// PolicyConfig configures site policies.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories of them.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Disabled names policies to turn off, built-in ones included.
	Disabled []string `yaml:"disabled" validate:"dive,required"`
}

// ModulePaths converts the configured paths for the modules package.
func (p PathsConfig) ModulePaths() modules.Paths {
	return modules.Paths{
		GridServices:       p.GridServices,
		GlobusConfig:       p.GlobusConfig,
		BlahConfig:         p.BlahConfig,
		HTCondorCESentinel: p.HTCondorCESentinel,
		CEMonConfig:        p.CEMonConfig,
		GlobusFirewall:     p.GlobusFirewall,
		ProfileSh:          p.ProfileSh,
		ProfileCsh:         p.ProfileCsh,
	}
}

func pathsFrom(p modules.Paths) PathsConfig {
	return PathsConfig{
		GridServices:       p.GridServices,
		GlobusConfig:       p.GlobusConfig,
		BlahConfig:         p.BlahConfig,
		HTCondorCESentinel: p.HTCondorCESentinel,
		CEMonConfig:        p.CEMonConfig,
		GlobusFirewall:     p.GlobusFirewall,
		ProfileSh:          p.ProfileSh,
		ProfileCsh:         p.ProfileCsh,
	}
}
