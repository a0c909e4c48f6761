package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/siteconf/pkg/modules"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

const (
	// DefaultPath is read when no configuration file is named. It may be
	// absent.
	DefaultPath = "/etc/siteconf/siteconf.yaml"

	DefaultSettings       = "/etc/osg/config.d"
	DefaultAttributesFile = "/etc/osg/osg-attributes.conf"
	DefaultStatePath      = "/var/lib/siteconf/state.db"
	DefaultRetention      = 50
)

var validate = validator.New()

// Default returns a configuration with every value set.
func Default() *Config {
	return &Config{
		Settings:       DefaultSettings,
		AttributesFile: DefaultAttributesFile,
		Paths:          pathsFrom(modules.DefaultPaths()),
		State: StateConfig{
			Enabled:   true,
			Path:      DefaultStatePath,
			Retention: DefaultRetention,
		},
		Probe: ProbeConfig{
			Timeout:        probe.DefaultTimeout,
			ServiceBackend: "systemctl",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path over the defaults. An empty path reads
// DefaultPath and tolerates its absence; a named file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
