// Package facts resolves the site-wide facts shared by every configuration
// module of a run: the deployment group, whether the host is a compute
// element, and which job gateways it runs.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/settings"
)

// Group is the deployment tier of a site.
type Group string

const (
	GroupOSG     Group = "OSG"
	GroupITB     Group = "OSG-ITB"
	GroupUnknown Group = ""
)

// ParseGroup maps the raw [Site Information] group value to a Group.
func ParseGroup(raw string) Group {
	switch strings.TrimSpace(raw) {
	case string(GroupOSG):
		return GroupOSG
	case string(GroupITB):
		return GroupITB
	}
	return GroupUnknown
}

// String returns the group name, or "unknown".
func (g Group) String() string {
	if g == GroupUnknown {
		return "unknown"
	}
	return string(g)
}

// Gateway is the set of job gateways present on the host.
type Gateway string

const (
	GatewayNone       Gateway = "none"
	GatewayGRAM       Gateway = "gram"
	GatewayHTCondorCE Gateway = "htcondor-ce"
	GatewayBoth       Gateway = "both"
)

// NewGateway builds a Gateway from the two flags.
func NewGateway(gram, htcondor bool) Gateway {
	switch {
	case gram && htcondor:
		return GatewayBoth
	case gram:
		return GatewayGRAM
	case htcondor:
		return GatewayHTCondorCE
	}
	return GatewayNone
}

// GRAM reports whether the globus gatekeeper is in use.
func (g Gateway) GRAM() bool { return g == GatewayGRAM || g == GatewayBoth }

// HTCondorCE reports whether HTCondor-CE is in use.
func (g Gateway) HTCondorCE() bool { return g == GatewayHTCondorCE || g == GatewayBoth }

// Services returns the OS services that back the gateway.
func (g Gateway) Services() []string {
	var s []string
	if g.GRAM() {
		s = append(s, "globus-gatekeeper")
	}
	if g.HTCondorCE() {
		s = append(s, "condor-ce")
	}
	return s
}

// Sections and keys read while resolving facts.
const (
	SiteInformationSection = "Site Information"
	GatewaySection         = "Gateway"
	ManagedForkSection     = "Managed Fork"
)

// Packages probed while resolving facts.
var (
	ComputeElementPackages = []string{"osg-ce", "osg-htcondor-ce"}
	GRAMPackages           = []string{"globus-gatekeeper"}
	HTCondorCEPackages     = []string{"htcondor-ce"}
)

// SiteFacts are computed once per run and shared read-only by every module.
type SiteFacts struct {
	Group          Group   `json:"group"`
	ComputeElement bool    `json:"compute_element"`
	Gateway        Gateway `json:"gateway"`
}

// Resolve computes the site facts from doc and the package database. The
// gateway kind comes from the [Gateway] section when present and from package
// probes otherwise.
func Resolve(ctx context.Context, doc settings.Document, packages probe.PackageProber) (*SiteFacts, error) {
	f := &SiteFacts{}

	if raw, ok := doc.Get(SiteInformationSection, "group"); ok {
		f.Group = ParseGroup(raw)
	}

	f.ComputeElement = probe.AnyInstalled(ctx, packages, ComputeElementPackages...)

	if doc.HasSection(GatewaySection) {
		gram := settings.Opt[bool]("gram_gateway_enabled").WithDefault(false)
		htcondor := settings.Opt[bool]("htcondor_gateway_enabled").WithDefault(true)
		if err := settings.ResolveAll(doc, GatewaySection, gram, htcondor); err != nil {
			return nil, err
		}
		f.Gateway = NewGateway(gram.Value(), htcondor.Value())
	} else {
		f.Gateway = NewGateway(
			probe.AnyInstalled(ctx, packages, GRAMPackages...),
			probe.AnyInstalled(ctx, packages, HTCondorCEPackages...),
		)
	}

	return f, nil
}

// RequireGroup returns the group, or a SettingError when a compute element
// has none.
func (f *SiteFacts) RequireGroup(section string) (Group, error) {
	if f.Group == GroupUnknown {
		return GroupUnknown, engine.NewSettingError(
			fmt.Sprintf("group must be set to %s or %s in the %s section on a compute element",
				GroupOSG, GroupITB, SiteInformationSection), nil).
			WithSection(section)
	}
	return f.Group, nil
}

// Map flattens the facts for storage and policy input.
func (f *SiteFacts) Map() map[string]any {
	return map[string]any{
		"group":           f.Group.String(),
		"compute_element": f.ComputeElement,
		"gateway":         string(f.Gateway),
	}
}

// ManagedForkEnabled reads [Managed Fork] enabled from the raw document. A
// missing section, missing key, or non-boolean value is false.
func ManagedForkEnabled(doc settings.Document) bool {
	if !doc.HasSection(ManagedForkSection) {
		return false
	}
	raw, ok := doc.Get(ManagedForkSection, "enabled")
	if !ok {
		return false
	}
	v, err := settings.ParseBool(raw)
	return err == nil && v
}
