package modules

import (
	"bytes"
	"context"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/settings"
)

// SubscriptionBundle is a built-in set of monitoring destinations.
type SubscriptionBundle struct {
	RessServers string
	BDIIServers string
}

// Built-in bundles selected by the site group.
var (
	ProductionBundle = SubscriptionBundle{
		RessServers: "https://osg-ress-1.fnal.gov:8443/ig/services/CEInfoCollector[OLD_CLASSAD]",
		BDIIServers: "http://is1.grid.iu.edu:14001[RAW],http://is2.grid.iu.edu:14001[RAW]",
	}
	ITBBundle = SubscriptionBundle{
		RessServers: "https://osg-ress-4.fnal.gov:8443/ig/services/CEInfoCollector[OLD_CLASSAD]",
		BDIIServers: "http://is1.grid.iu.edu:14001[RAW],http://is2.grid.iu.edu:14001[RAW]",
	}
)

// BundleFor returns the bundle for a group: ITB for OSG-ITB, production
// otherwise.
func BundleFor(g facts.Group) SubscriptionBundle {
	if g == facts.GroupITB {
		return ITBBundle
	}
	return ProductionBundle
}

// MonitoringOptions are the settings of the [Cemon] section.
type MonitoringOptions struct {
	RessServers *settings.Option[string]
	BDIIServers *settings.Option[string]
}

func (o *MonitoringOptions) list() []settings.Resolvable {
	return []settings.Resolvable{o.RessServers, o.BDIIServers}
}

// Monitoring subscribes the CE monitor to the information services.
type Monitoring struct {
	Base
	Options MonitoringOptions

	// AutoConfigured is set when the section was absent on a compute element
	// and the group bundle was used.
	AutoConfigured bool

	bdii []Subscription
	ress []Subscription
}

// NewMonitoring creates the Monitoring module.
func NewMonitoring(deps Deps) *Monitoring {
	return &Monitoring{
		Base: newBase("CEMon", "Cemon", deps),
		Options: MonitoringOptions{
			RessServers: settings.Req[string]("ress_servers"),
			BDIIServers: settings.Req[string]("bdii_servers"),
		},
	}
}

// Parse implements Module.
func (m *Monitoring) Parse(doc settings.Document) error {
	f := m.deps.Facts

	if !doc.HasSection(m.section) {
		if !f.ComputeElement {
			m.enabled = false
			m.logger.Debug().Msg("Section not in settings")
			return nil
		}
		return m.autoConfigure()
	}

	proceed, err := m.setStatus(doc)
	if err != nil || !proceed {
		return err
	}

	if f.ComputeElement {
		bundle := BundleFor(f.Group)
		m.Options.RessServers.WithDefault(bundle.RessServers)
		m.Options.BDIIServers.WithDefault(bundle.BDIIServers)
	}
	if err := m.resolve(doc, m.Options.list()); err != nil {
		return err
	}
	return m.parseServers(m.Options.RessServers.Value(), m.Options.BDIIServers.Value())
}

func (m *Monitoring) autoConfigure() error {
	m.logger.Info().Msg("Section missing on a compute element, autoconfiguring")

	group, err := m.deps.Facts.RequireGroup(m.section)
	if err != nil {
		return m.withContext(err, "")
	}

	m.enabled = true
	m.AutoConfigured = true
	bundle := BundleFor(group)
	m.Options.RessServers.Set(bundle.RessServers)
	m.Options.BDIIServers.Set(bundle.BDIIServers)
	return m.parseServers(bundle.RessServers, bundle.BDIIServers)
}

func (m *Monitoring) parseServers(ress, bdii string) error {
	var err error
	if m.ress, err = ParseServers(ress); err != nil {
		return m.withContext(err, "ress_servers")
	}
	if m.bdii, err = ParseServers(bdii); err != nil {
		return m.withContext(err, "bdii_servers")
	}
	return nil
}

// Subscriptions returns the BDII subscriptions followed by the ReSS ones.
func (m *Monitoring) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(m.bdii)+len(m.ress))
	out = append(out, m.bdii...)
	return append(out, m.ress...)
}

// CheckAttributes implements Module.
func (m *Monitoring) CheckAttributes(ctx context.Context) engine.CheckResult {
	var res engine.CheckResult
	if !m.active() {
		return res
	}
	for _, sub := range m.bdii {
		for _, p := range CheckSubscription(ctx, m.deps.Resolver, sub) {
			m.problem(&res, "bdii_servers", "%s", p)
		}
	}
	for _, sub := range m.ress {
		for _, p := range CheckSubscription(ctx, m.deps.Resolver, sub) {
			m.problem(&res, "ress_servers", "%s", p)
		}
	}
	return res
}

// Configure implements Module. Destinations already present in the monitor
// configuration, or subscribed earlier in the same call, are skipped.
func (m *Monitoring) Configure(_ context.Context) error {
	if m.skipConfigure() {
		return nil
	}

	path := m.deps.Paths.CEMonConfig
	raw, err := m.deps.Writer.ReadFile(path)
	if err != nil {
		return m.configureError("error reading monitor configuration "+path, err)
	}
	subscribed, err := SubscribedURLs(bytes.NewReader(raw))
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Monitor configuration is not well-formed")
	}

	for _, sub := range m.Subscriptions() {
		if subscribed[sub.URI] {
			m.logger.Debug().Str("uri", sub.URI).Msg("Already subscribed")
			continue
		}
		m.logger.Info().
			Str("uri", sub.URI).
			Str("dialect", string(sub.Dialect)).
			Msg("Subscribing")

		outcome, err := InstallConsumer(m.deps.Writer, path, sub.URI, SubscriptionTopic, sub.Dialect)
		if err != nil {
			return m.withContext(err, "")
		}
		if outcome == ConsumerExists {
			m.logger.Info().Str("uri", sub.URI).Msg("Consumer subscription already exists")
		}
		// A destination listed under both server options is subscribed once.
		subscribed[sub.URI] = true
	}
	return nil
}

// Attributes implements Module.
func (m *Monitoring) Attributes() map[string]string {
	return m.export(m.Options.list())
}

// EnabledServices implements Module.
func (m *Monitoring) EnabledServices() []string { return nil }

// SeparatelyConfigurable implements Module.
func (m *Monitoring) SeparatelyConfigurable() bool { return false }
