package modules

import (
	"context"
	"errors"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// NetworkOptions are the settings of the [Network] section.
type NetworkOptions struct {
	SourceRange     *settings.Option[string]
	SourceStateFile *settings.Option[string]
	PortRange       *settings.Option[string]
	PortStateFile   *settings.Option[string]
}

func (o *NetworkOptions) list() []settings.Resolvable {
	return []settings.Resolvable{o.SourceRange, o.SourceStateFile, o.PortRange, o.PortStateFile}
}

// Network exports the Globus firewall port ranges to login shells and
// services.
type Network struct {
	Base
	Options NetworkOptions
}

// NewNetwork creates the Network module.
func NewNetwork(deps Deps) *Network {
	return &Network{
		Base: newBase("Network", "Network", deps),
		Options: NetworkOptions{
			SourceRange:     settings.Opt[string]("source_range").WithDefault("").WithMapping("GLOBUS_TCP_SOURCE_RANGE"),
			SourceStateFile: settings.Opt[string]("source_state_file").WithDefault("").WithMapping("GLOBUS_TCP_SOURCE_RANGE_STATE_FILE"),
			PortRange:       settings.Opt[string]("port_range").WithDefault("").WithMapping("GLOBUS_TCP_PORT_RANGE"),
			PortStateFile:   settings.Opt[string]("port_state_file").WithDefault("").WithMapping("GLOBUS_TCP_PORT_RANGE_STATE_FILE"),
		},
	}
}

// Parse implements Module.
func (n *Network) Parse(doc settings.Document) error {
	if !doc.HasSection(n.section) {
		n.enabled = false
		n.logger.Debug().Msg("Network section not found in settings")
		return nil
	}

	proceed, err := n.setStatus(doc)
	if err != nil || !proceed {
		return err
	}
	return n.resolve(doc, n.Options.list())
}

// CheckAttributes implements Module.
func (n *Network) CheckAttributes(_ context.Context) engine.CheckResult {
	var res engine.CheckResult
	if !n.active() {
		return res
	}

	for _, opt := range []*settings.Option[string]{n.Options.SourceStateFile, n.Options.PortStateFile} {
		if validation.Blank(opt.Value()) {
			continue
		}
		if !validation.ValidLocation(opt.Value()) {
			n.problem(&res, opt.Name, "Invalid location: %s", opt.Value())
		}
	}

	for _, opt := range []*settings.Option[string]{n.Options.SourceRange, n.Options.PortRange} {
		if validation.Blank(opt.Value()) {
			continue
		}
		if _, _, err := validation.ParsePortRange(opt.Value()); err != nil {
			n.problem(&res, opt.Name, "%v", err)
		}
	}

	if !validation.Blank(n.Options.SourceStateFile.Value()) && validation.Blank(n.Options.SourceRange.Value()) {
		n.problem(&res, "source_state_file", "If you specify a source_state_file, source_range must be given")
	}
	if !validation.Blank(n.Options.PortStateFile.Value()) && validation.Blank(n.Options.PortRange.Value()) {
		n.problem(&res, "port_state_file", "If you specify a port_state_file, port_range must be given")
	}
	return res
}

// environment returns the GLOBUS_TCP_* variables to export, in a fixed order.
func (n *Network) environment() []envVar {
	var vars []envVar
	add := func(rng, state *settings.Option[string]) {
		if validation.Blank(rng.Value()) {
			return
		}
		vars = append(vars, envVar{Name: rng.Mapping, Value: rng.Value()})
		if !validation.Blank(state.Value()) {
			vars = append(vars, envVar{Name: state.Mapping, Value: state.Value()})
		}
	}
	add(n.Options.SourceRange, n.Options.SourceStateFile)
	add(n.Options.PortRange, n.Options.PortStateFile)
	return vars
}

// Configure implements Module. All three files are attempted even when one
// fails.
func (n *Network) Configure(_ context.Context) error {
	if n.skipConfigure() {
		return nil
	}

	script := envScript{Header: fileutil.GeneratedHeader(n.section), Vars: n.environment()}
	sh, err := render("env.sh", script)
	if err != nil {
		return n.configureError("failed to render environment script", err)
	}
	csh, err := render("env.csh", script)
	if err != nil {
		return n.configureError("failed to render environment script", err)
	}

	targets := []struct {
		path     string
		contents []byte
	}{
		{n.deps.Paths.GlobusFirewall, sh},
		{n.deps.Paths.ProfileSh, sh},
		{n.deps.Paths.ProfileCsh, csh},
	}

	var errs []error
	for _, t := range targets {
		if _, err := n.deps.Writer.WriteFile(t.path, t.contents); err != nil {
			n.logger.Error().Err(err).Str("path", t.path).Msg("Error writing file")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return n.configureError("failed to write network environment files", errors.Join(errs...))
	}
	return nil
}

// Attributes implements Module.
func (n *Network) Attributes() map[string]string {
	if !n.active() {
		return map[string]string{}
	}
	out := make(map[string]string)
	for _, v := range n.environment() {
		out[v.Name] = v.Value
	}
	return out
}

// EnabledServices implements Module.
func (n *Network) EnabledServices() []string { return nil }
