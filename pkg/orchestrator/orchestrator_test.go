package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/policy"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/stores"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

const attributesFile = "/etc/osg/osg-attributes.conf"

const cemonConfig = `<?xml version="1.0" encoding="UTF-8"?>
<service id="CEMonitor">
  <publisher id="OSG_CE" />
</service>
`

type staticResolver map[string]bool

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if s[host] {
		return []string{"192.0.2.1"}, nil
	}
	return nil, errors.New("no such host")
}

var allHosts = staticResolver{
	"osg-ress-1.fnal.gov": true,
	"osg-ress-4.fnal.gov": true,
	"is1.grid.iu.edu":     true,
	"is2.grid.iu.edu":     true,
}

// site is a staged GRAM compute element.
type site struct {
	root     string
	pbs      string
	services *probe.RecordingController
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{
		root:     t.TempDir(),
		pbs:      t.TempDir(),
		services: probe.NewRecordingController(),
	}

	service := "stderr_log,local_cred - /usr/sbin/globus-job-manager globus-job-manager -conf /etc/globus/globus-gram-job-manager.conf -type %s\n"
	s.write(t, "/etc/grid-services/available/jobmanager-pbs-seg", fmt.Sprintf(service, "pbs"))
	s.write(t, "/etc/grid-services/available/jobmanager-condor", fmt.Sprintf(service, "condor"))
	s.write(t, "/etc/grid-services/available/jobmanager-managedfork", fmt.Sprintf(service, "managedfork"))
	s.write(t, "/etc/grid-services/available/jobmanager-fork-poll", fmt.Sprintf(service, "fork"))
	s.write(t, "/etc/globus/globus-pbs.conf", "")
	s.write(t, "/etc/glite-ce-monitor/cemonitor-config.xml", cemonConfig)

	bin := filepath.Join(s.pbs, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	for _, name := range []string{"qsub", "qstat", "qdel"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}
	return s
}

func (s *site) path(p string) string { return filepath.Join(s.root, p) }

func (s *site) write(t *testing.T, p, contents string) {
	t.Helper()
	full := s.path(p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
}

func (s *site) read(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(s.path(p))
	require.NoError(t, err)
	return string(b)
}

func (s *site) exists(p string) bool {
	_, err := os.Lstat(s.path(p))
	return err == nil
}

// doc is a valid GRAM site running PBS and Network.
func (s *site) doc() settings.MapDocument {
	return settings.MapDocument{
		"Site Information": {"group": "OSG"},
		"Gateway":          {"gram_gateway_enabled": "true", "htcondor_gateway_enabled": "false"},
		"PBS": {
			"pbs_location": s.pbs,
			"job_contact":  "ce.example.org/jobmanager-pbs",
			"util_contact": "ce.example.org:2119/jobmanager-pbs",
		},
		"Network": {"port_range": "40000,41000"},
	}
}

func (s *site) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	cfg.Root = s.root
	if cfg.AttributesFile == "" {
		cfg.AttributesFile = attributesFile
	}
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithPackages(probe.StaticPackages{"osg-ce": true}),
		WithServices(s.services),
		WithResolver(allHosts),
		WithGetenv(func(string) string { return "" }),
	}
	return New(cfg, append(base, opts...)...)
}

func newStore(t *testing.T) stores.Store {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPolicies(t *testing.T) *policy.Engine {
	t.Helper()
	eng, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func statuses(res *engine.RunResult) map[string]engine.ModuleStatus {
	out := make(map[string]engine.ModuleStatus)
	for _, m := range res.Modules {
		out[m.Module] = m.Status
	}
	return out
}

func module(t *testing.T, res *engine.RunResult, name string) engine.ModuleResult {
	t.Helper()
	m, ok := res.Module(name)
	require.True(t, ok, "module %s not in result", name)
	return m
}

func TestRunConfiguresSite(t *testing.T) {
	s := newSite(t)
	o := s.orchestrator(Config{}, WithPolicies(newPolicies(t)))

	res, err := o.Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, res.Status)
	assert.True(t, res.Success())
	assert.Empty(t, res.Problems)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.ID)
	assert.False(t, res.CompletedAt.Before(res.StartedAt))

	assert.Equal(t, map[string]engine.ModuleStatus{
		"Managed Fork": engine.ModuleStatusDisabled,
		"PBS":          engine.ModuleStatusOK,
		"Condor":       engine.ModuleStatusDisabled,
		"Network":      engine.ModuleStatusOK,
		"CEMon":        engine.ModuleStatusOK,
	}, statuses(res))

	// Modules are reported in run order.
	var names []string
	for _, m := range res.Modules {
		names = append(names, m.Module)
	}
	assert.Equal(t, ModuleNames(), names)
	assert.Equal(t, engine.PhaseConfigure, module(t, res, "PBS").Phase)

	assert.Equal(t, "PBS", res.Attributes["OSG_JOB_MANAGER"])
	assert.Equal(t, "40000,41000", res.Attributes["GLOBUS_TCP_PORT_RANGE"])

	attrs := s.read(t, attributesFile)
	assert.Contains(t, attrs, "OSG_JOB_MANAGER=\"PBS\"\n")
	assert.Contains(t, attrs, "export GLOBUS_TCP_PORT_RANGE\n")

	assert.Contains(t, s.read(t, "/etc/profile.d/osg.sh"), "export GLOBUS_TCP_PORT_RANGE='40000,41000'\n")
	assert.Contains(t, s.read(t, "/etc/glite-ce-monitor/cemonitor-config.xml"), "is1.grid.iu.edu")
	target, err := os.Readlink(s.path("/etc/grid-services/jobmanager"))
	require.NoError(t, err)
	assert.Equal(t, "available/jobmanager-fork-poll", target)

	assert.Equal(t, []string{"globus-gatekeeper", "globus-gridftp-server"}, res.Services)
	assert.Equal(t, res.Services, s.services.Enabled())
}

func TestRunIsIdempotent(t *testing.T) {
	s := newSite(t)
	o := s.orchestrator(Config{})

	_, err := o.Run(context.Background(), s.doc())
	require.NoError(t, err)
	first := s.read(t, attributesFile)
	sh := s.read(t, "/etc/profile.d/osg.sh")

	res, err := o.Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, res.Status)
	assert.Equal(t, first, s.read(t, attributesFile))
	assert.Equal(t, sh, s.read(t, "/etc/profile.d/osg.sh"))

	// Services enabled by the first run are not enabled again.
	assert.Equal(t, []string{"globus-gatekeeper", "globus-gridftp-server"}, s.services.Calls())
}

func TestRunInvalidSettings(t *testing.T) {
	s := newSite(t)
	doc := s.doc()
	doc["Network"] = map[string]string{"port_range": "40000"}

	res, err := s.orchestrator(Config{}).Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusInvalid, res.Status)
	assert.False(t, res.Success())

	require.Len(t, res.Problems, 1)
	assert.Equal(t, "Network", res.Problems[0].Module)
	assert.Equal(t, "port_range", res.Problems[0].Option)

	network := module(t, res, "Network")
	assert.Equal(t, engine.ModuleStatusFailed, network.Status)
	assert.Equal(t, engine.PhaseCheck, network.Phase)
	assert.Len(t, network.Problems, 1)

	// Nothing is configured.
	assert.Equal(t, engine.PhaseCheck, module(t, res, "PBS").Phase)
	assert.False(t, s.exists(attributesFile))
	assert.False(t, s.exists("/etc/profile.d/osg.sh"))
	assert.False(t, s.exists("/etc/grid-services/jobmanager"))
	assert.Empty(t, s.services.Calls())
}

func TestRunBlockingPolicy(t *testing.T) {
	s := newSite(t)

	dir := t.TempDir()
	rego := `package site.local

import rego.v1

deny contains violation if {
	some m in input.modules
	m.name == "Network"
	violation := {
		"message": "firewall ranges are managed centrally",
		"severity": "error",
		"module": m.name,
	}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "central-firewall.rego"), []byte(rego), 0o644))
	policies := newPolicies(t)
	require.NoError(t, policies.LoadPolicies(context.Background(), policy.NewLoader(zerolog.Nop()), []string{dir}))

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "siteconf"})
	require.NoError(t, err)

	res, err := s.orchestrator(Config{}, WithPolicies(policies), WithMetrics(metrics)).
		Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusInvalid, res.Status)

	require.Len(t, res.Problems, 1)
	p := res.Problems[0]
	assert.Equal(t, "Network", p.Module)
	assert.Equal(t, "Network", p.Section)
	assert.Equal(t, "central-firewall: firewall ranges are managed centrally", p.Message)
	assert.Len(t, module(t, res, "Network").Problems, 1)

	assert.False(t, s.exists(attributesFile))
	assert.Empty(t, s.services.Calls())

	count, err := testutil.GatherAndCount(metrics.Registry(), "siteconf_policy_violations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunWarningPolicyDoesNotBlock(t *testing.T) {
	s := newSite(t)
	doc := s.doc()
	delete(doc, "PBS")

	res, err := s.orchestrator(Config{}, WithPolicies(newPolicies(t))).Run(context.Background(), doc)
	require.NoError(t, err)

	// ce-has-jobmanager only warns.
	assert.Equal(t, engine.RunStatusSucceeded, res.Status)
	assert.Empty(t, res.Problems)
}

func TestRunParseErrorIsPartial(t *testing.T) {
	s := newSite(t)
	doc := s.doc()
	delete(doc["PBS"], "job_contact")

	res, err := s.orchestrator(Config{}).Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusPartial, res.Status)

	pbs := module(t, res, "PBS")
	assert.Equal(t, engine.ModuleStatusFailed, pbs.Status)
	assert.Equal(t, engine.PhaseParse, pbs.Phase)
	assert.Contains(t, pbs.Error, "job_contact")

	// The others still configure.
	assert.Equal(t, engine.ModuleStatusOK, module(t, res, "Network").Status)
	assert.True(t, s.exists("/etc/profile.d/osg.sh"))
	assert.NotContains(t, res.Attributes, "OSG_JOB_MANAGER")
	assert.Empty(t, res.Services)
}

func TestRunServiceFailureIsPartial(t *testing.T) {
	s := newSite(t)
	s.services.FailOn("globus-gatekeeper", errors.New("unit not found"))

	res, err := s.orchestrator(Config{}).Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusPartial, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, []string{"globus-gridftp-server"}, s.services.Enabled())
}

func TestRunDryRun(t *testing.T) {
	s := newSite(t)

	res, err := s.orchestrator(Config{DryRun: true}).Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, res.Status)
	assert.Equal(t, "PBS", res.Attributes["OSG_JOB_MANAGER"])

	assert.False(t, s.exists(attributesFile))
	assert.False(t, s.exists("/etc/profile.d/osg.sh"))
	assert.Empty(t, s.read(t, "/etc/globus/globus-pbs.conf"))
	assert.Empty(t, s.services.Calls())
	assert.Empty(t, res.Services)
}

func TestRunOnly(t *testing.T) {
	t.Run("selected module", func(t *testing.T) {
		s := newSite(t)
		res, err := s.orchestrator(Config{Only: []string{"network"}}).Run(context.Background(), s.doc())
		require.NoError(t, err)
		assert.Equal(t, engine.RunStatusSucceeded, res.Status)

		// Unselected modules are parsed and checked but not configured.
		assert.Equal(t, map[string]engine.ModuleStatus{
			"Managed Fork": engine.ModuleStatusDisabled,
			"PBS":          engine.ModuleStatusOK,
			"Condor":       engine.ModuleStatusDisabled,
			"Network":      engine.ModuleStatusOK,
			"CEMon":        engine.ModuleStatusOK,
		}, statuses(res))
		assert.Equal(t, engine.PhaseCheck, module(t, res, "PBS").Phase)
		assert.Equal(t, engine.PhaseConfigure, module(t, res, "Network").Phase)
		assert.Equal(t, "PBS", res.Attributes["OSG_JOB_MANAGER"])

		assert.True(t, s.exists("/etc/profile.d/osg.sh"))
		assert.Empty(t, s.read(t, "/etc/globus/globus-pbs.conf"))
		assert.Equal(t, cemonConfig, s.read(t, "/etc/glite-ce-monitor/cemonitor-config.xml"))
		assert.False(t, s.exists("/etc/grid-services/jobmanager"))
		assert.Empty(t, res.Services)
		assert.Empty(t, s.services.Calls())
		// A partial selection leaves the attribute file alone.
		assert.False(t, s.exists(attributesFile))
	})

	t.Run("by section", func(t *testing.T) {
		s := newSite(t)
		res, err := s.orchestrator(Config{Only: []string{"managed fork", "PBS"}}).Run(context.Background(), s.doc())
		require.NoError(t, err)
		assert.Equal(t, engine.ModuleStatusDisabled, module(t, res, "Managed Fork").Status)
		assert.Equal(t, engine.ModuleStatusOK, module(t, res, "PBS").Status)
		assert.Equal(t, engine.PhaseConfigure, module(t, res, "PBS").Phase)
		assert.Equal(t, engine.PhaseCheck, module(t, res, "Network").Phase)
		assert.False(t, s.exists("/etc/profile.d/osg.sh"))
	})

	t.Run("unselected section is checked", func(t *testing.T) {
		s := newSite(t)
		doc := s.doc()
		doc["PBS"]["pbs_location"] = "/does/not/exist"

		res, err := s.orchestrator(Config{Only: []string{"network"}}).Run(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, engine.RunStatusInvalid, res.Status)
		require.NotEmpty(t, res.Problems)
		assert.Equal(t, "PBS", res.Problems[0].Module)

		pbs := module(t, res, "PBS")
		assert.Equal(t, engine.ModuleStatusFailed, pbs.Status)
		assert.Equal(t, engine.PhaseCheck, pbs.Phase)
		assert.False(t, s.exists("/etc/profile.d/osg.sh"))
	})

	t.Run("unselected module joins site policies", func(t *testing.T) {
		s := newSite(t)
		doc := s.doc()
		// An enabled Managed Fork without an explicit enabled key leaves PBS
		// on the fork default, so the two defaults conflict.
		doc["Managed Fork"] = map[string]string{"condor_location": s.pbs}

		res, err := s.orchestrator(Config{Only: []string{"pbs"}}, WithPolicies(newPolicies(t))).
			Run(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, engine.RunStatusInvalid, res.Status)
		require.Len(t, res.Problems, 1)
		assert.Contains(t, res.Problems[0].Message, "single-default-jobmanager")
		assert.False(t, s.exists("/etc/grid-services/jobmanager"))
		assert.Empty(t, s.read(t, "/etc/globus/globus-pbs.conf"))
	})

	t.Run("unselected parse failure", func(t *testing.T) {
		s := newSite(t)
		doc := s.doc()
		delete(doc["PBS"], "job_contact")

		res, err := s.orchestrator(Config{Only: []string{"network"}}).Run(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, engine.RunStatusPartial, res.Status)
		assert.Equal(t, engine.PhaseParse, module(t, res, "PBS").Phase)
		assert.True(t, s.exists("/etc/profile.d/osg.sh"))
	})

	tests := []struct {
		name string
		only []string
		want string
	}{
		{name: "not separately configurable", only: []string{"cemon"}, want: "cannot be configured on its own"},
		{name: "unknown", only: []string{"slurm"}, want: `unknown module "slurm"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSite(t)
			res, err := s.orchestrator(Config{Only: tt.only}).Run(context.Background(), s.doc())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, engine.RunStatusFailed, res.Status)
			assert.Equal(t, err.Error(), res.Error)
			assert.False(t, s.exists("/etc/profile.d/osg.sh"))
		})
	}
}

func TestRunCancelled(t *testing.T) {
	s := newSite(t)
	store := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.orchestrator(Config{}, WithStore(store)).Run(ctx, s.doc())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.RunStatusCancelled, res.Status)
	for _, m := range res.Modules {
		assert.Equal(t, engine.ModuleStatusSkipped, m.Status, m.Module)
	}
	assert.False(t, s.exists("/etc/profile.d/osg.sh"))

	// The cancelled run is still recorded.
	run, err := store.GetRun(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, run.Status)
}

func TestRunHistory(t *testing.T) {
	s := newSite(t)
	store := newStore(t)
	ctx := context.Background()

	o := s.orchestrator(Config{SettingsPath: "/etc/osg/config.d", Retention: 2}, WithStore(store))
	res, err := o.Run(ctx, s.doc())
	require.NoError(t, err)

	run, err := store.GetRun(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.Equal(t, "/etc/osg/config.d", run.SettingsPath)
	assert.Nil(t, run.Error)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, `["globus-gatekeeper","globus-gridftp-server"]`, run.Services)
	assert.Contains(t, run.Attributes, `"OSG_JOB_MANAGER":"PBS"`)

	records, err := store.ListModuleResults(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "Managed Fork", records[0].Module)
	assert.Equal(t, engine.ModuleStatusOK, records[1].Status)

	siteFacts, err := store.GetFacts(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"group":           "OSG",
		"compute_element": "true",
		"gateway":         string(facts.GatewayGRAM),
		"managed_fork":    "false",
	}, siteFacts)

	changes, err := store.ListChanges(ctx, res.ID)
	require.NoError(t, err)
	targets := make(map[string]stores.ChangeKind)
	for _, c := range changes {
		targets[c.Target] = c.Kind
	}
	assert.Equal(t, stores.ChangeFile, targets[attributesFile])
	assert.Equal(t, stores.ChangeService, targets["globus-gatekeeper"])

	// An unchanged rerun records no file changes, and retention prunes.
	for i := 0; i < 2; i++ {
		res, err = o.Run(ctx, s.doc())
		require.NoError(t, err)
	}
	changes, err = store.ListChanges(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)

	runs, err := store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunTracing(t *testing.T) {
	s := newSite(t)
	exporter := tracetest.NewInMemoryExporter()
	tracer := telemetry.NewTracerWithExporter(exporter, "siteconf-test")

	_, err := s.orchestrator(Config{Only: []string{"Network"}}, WithTracer(tracer)).Run(context.Background(), s.doc())
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, span := range exporter.GetSpans() {
		counts[span.Name]++
	}
	// Every module parses and checks; only the selection configures.
	assert.Equal(t, map[string]int{
		"module.parse":     5,
		"module.check":     5,
		"module.configure": 1,
		"siteconf.run":     1,
	}, counts)
}

func TestExport(t *testing.T) {
	s := newSite(t)
	o := s.orchestrator(Config{})

	attrs, err := o.Export(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, "PBS", attrs["OSG_JOB_MANAGER"])
	assert.Equal(t, s.pbs, attrs["OSG_PBS_LOCATION"])
	assert.Equal(t, "40000,41000", attrs["GLOBUS_TCP_PORT_RANGE"])
	assert.False(t, s.exists(attributesFile))

	doc := s.doc()
	delete(doc["PBS"], "util_contact")
	attrs, err = o.Export(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PBS")
	assert.NotContains(t, attrs, "OSG_JOB_MANAGER")
	assert.Equal(t, "40000,41000", attrs["GLOBUS_TCP_PORT_RANGE"])
}

func TestFacts(t *testing.T) {
	s := newSite(t)
	f, err := s.orchestrator(Config{}).Facts(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, &facts.SiteFacts{
		Group:          facts.GroupOSG,
		ComputeElement: true,
		Gateway:        facts.GatewayGRAM,
	}, f)

	doc := s.doc()
	doc["Gateway"]["gram_gateway_enabled"] = "maybe"
	_, err = s.orchestrator(Config{}).Facts(context.Background(), doc)
	require.Error(t, err)
}

func TestRunValidateOnly(t *testing.T) {
	s := newSite(t)
	store := newStore(t)

	res, err := s.orchestrator(Config{ValidateOnly: true}, WithStore(store)).Run(context.Background(), s.doc())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, res.Status)
	assert.False(t, s.exists("/etc/profile.d/osg.sh"))

	run, err := store.GetRun(context.Background(), res.ID)
	require.NoError(t, err)
	assert.True(t, run.ValidateOnly)
	assert.True(t, run.DryRun)
}
