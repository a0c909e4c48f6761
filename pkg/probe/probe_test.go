package probe

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRunner struct {
	results map[string]Result
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return Result{}, err
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return Result{ExitCode: 1}, nil
}

func TestRPMProber(t *testing.T) {
	query := "rpm -q --queryformat %{NAME}\n "
	runner := &fakeRunner{
		results: map[string]Result{
			query + "osg-ce":      {Stdout: "osg-ce\n"},
			query + "htcondor-ce": {Stdout: "package htcondor-ce is not installed\n", ExitCode: 1},

			// Two installed instances print the name twice.
			query + "glite-ce-cream-client-api-c": {Stdout: "glite-ce-cream-client-api-c\nglite-ce-cream-client-api-c\n"},
		},
		errs: map[string]error{
			query + "globus-gatekeeper": errors.New("rpm timed out"),
		},
	}
	p := NewRPMProber(runner, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		pkg  string
		want bool
	}{
		{"osg-ce", true},
		{"htcondor-ce", false},
		{"globus-gatekeeper", false},
		{"glite-ce-cream-client-api-c", true},
		{"unknown", false},
	}
	for _, tt := range tests {
		if got := p.Installed(ctx, tt.pkg); got != tt.want {
			t.Errorf("Installed(%s) = %v, want %v", tt.pkg, got, tt.want)
		}
	}

	if !AnyInstalled(ctx, p, "osg-htcondor-ce", "osg-ce") {
		t.Error("AnyInstalled() = false")
	}
}

func TestSystemctlController(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]Result{
			"systemctl is-enabled condor-cron":       {Stdout: "enabled\n"},
			"systemctl is-enabled globus-gatekeeper": {Stdout: "disabled\n", ExitCode: 1},
			"systemctl enable globus-gatekeeper":     {},
			"systemctl enable condor-ce":             {Stderr: "Failed to enable unit", ExitCode: 1},
		},
	}
	sc := NewSystemctlController(runner, zerolog.Nop())

	results := EnableAll(context.Background(), sc, []string{"condor-cron", "globus-gatekeeper", "condor-ce"})
	actions := make([]string, 0, len(results))
	for _, r := range results {
		actions = append(actions, r.Action)
	}
	want := []string{ActionAlreadyEnabled, ActionEnabled, ActionFailed}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("EnableAll() actions = %v, want %v", actions, want)
	}
	if results[2].Err == nil {
		t.Error("expected error for failing enable")
	}
}

func TestRecordingController(t *testing.T) {
	rc := NewRecordingController("condor-cron")
	rc.FailOn("condor-ce", errors.New("boom"))

	EnableAll(context.Background(), rc, []string{"condor-cron", "globus-gridftp-server", "condor-ce"})

	if got := rc.Calls(); !reflect.DeepEqual(got, []string{"globus-gridftp-server", "condor-ce"}) {
		t.Errorf("Calls() = %v", got)
	}
	if got := rc.Enabled(); !reflect.DeepEqual(got, []string{"condor-cron", "globus-gridftp-server"}) {
		t.Errorf("Enabled() = %v", got)
	}
}

func TestExecRunner(t *testing.T) {
	r := NewExecRunner(0)
	if r.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %s, want %s", r.Timeout, DefaultTimeout)
	}

	res, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Run() = %+v", res)
	}

	short := NewExecRunner(50 * time.Millisecond)
	if _, err := short.Run(context.Background(), "sleep", "5"); err == nil {
		t.Error("Run() expected timeout error")
	}

	if _, err := r.Run(context.Background(), "/nonexistent/binary"); err == nil {
		t.Error("Run() expected error for missing binary")
	}
}

func TestUnitName(t *testing.T) {
	if got := unitName("condor-ce"); got != "condor-ce.service" {
		t.Errorf("unitName() = %s", got)
	}
	if got := unitName("fetch-crl-cron.timer"); got != "fetch-crl-cron.timer" {
		t.Errorf("unitName() = %s", got)
	}
}
