package modules

import (
	"context"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// ManagedForkOptions are the settings of the [Managed Fork] section.
type ManagedForkOptions struct {
	AcceptLimited  *settings.Option[bool]
	CondorLocation *settings.Option[string]
}

func (o *ManagedForkOptions) list() []settings.Resolvable {
	return []settings.Resolvable{o.AcceptLimited, o.CondorLocation}
}

// ManagedFork runs fork jobs through condor-cron and makes the managed fork
// jobmanager the gatekeeper default.
type ManagedFork struct {
	Base
	Options ManagedForkOptions
}

const managedForkServiceFile = "jobmanager-managedfork"

// NewManagedFork creates the Managed Fork module.
func NewManagedFork(deps Deps) *ManagedFork {
	m := &ManagedFork{Base: newBase("Managed Fork", facts.ManagedForkSection, deps)}
	m.Options = ManagedForkOptions{
		AcceptLimited:  settings.Opt[bool]("accept_limited").WithDefault(false),
		CondorLocation: settings.Opt[string]("condor_location").WithDefault(CondorLocation(m.deps.getenv)),
	}
	return m
}

// Parse implements Module.
func (m *ManagedFork) Parse(doc settings.Document) error {
	if !doc.HasSection(m.section) {
		m.enabled = false
		m.logger.Debug().Msg("Section not in settings")
		return nil
	}

	proceed, err := m.setStatus(doc)
	if err != nil || !proceed {
		return err
	}
	return m.resolve(doc, m.Options.list())
}

// CheckAttributes implements Module.
func (m *ManagedFork) CheckAttributes(_ context.Context) engine.CheckResult {
	var res engine.CheckResult
	if !m.active() {
		return res
	}
	if !validation.ValidLocation(m.Options.CondorLocation.Value()) {
		m.problem(&res, "condor_location", "Non-existent location given: %s", m.Options.CondorLocation.Value())
	}
	return res
}

// Configure implements Module.
func (m *ManagedFork) Configure(_ context.Context) error {
	if m.skipConfigure() {
		return nil
	}
	if !m.deps.Facts.Gateway.GRAM() {
		m.logger.Info().Msg("GRAM gateway not in use, nothing to configure")
		return nil
	}

	jm := jobManager{Base: m.Base, lrms: "managedfork", serviceFile: managedForkServiceFile}
	if err := jm.editServiceFile(m.Options.AcceptLimited.Value(), false); err != nil {
		return err
	}
	return m.setDefaultJobManager(JobManagerManagedFork)
}

// Attributes implements Module.
func (m *ManagedFork) Attributes() map[string]string {
	return m.export(m.Options.list())
}

// EnabledServices implements Module.
func (m *ManagedFork) EnabledServices() []string {
	if !m.active() {
		return nil
	}
	return sortedServices(append([]string{"condor-cron"}, m.deps.Facts.Gateway.Services()...)...)
}

// DefaultJobManager implements Module.
func (m *ManagedFork) DefaultJobManager() string {
	if !m.active() || !m.deps.Facts.Gateway.GRAM() {
		return ""
	}
	return JobManagerManagedFork
}
