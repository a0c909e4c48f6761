package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func ceFacts(group string) map[string]any {
	return map[string]any{"group": group, "compute_element": true, "gateway": "gram"}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"ce-has-jobmanager", "ce-requires-group", "single-default-jobmanager"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluate_DefaultJobManager(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		modules       []ModuleInput
		expectAllowed bool
	}{
		{
			name: "single fork default",
			modules: []ModuleInput{
				{Name: "PBS", Enabled: true, DefaultJobManager: "fork"},
				{Name: "Condor", Enabled: true, DefaultJobManager: "fork"},
			},
			expectAllowed: true,
		},
		{
			name: "managed fork alone",
			modules: []ModuleInput{
				{Name: "Managed Fork", Enabled: true, DefaultJobManager: "managed-fork"},
				{Name: "PBS", Enabled: true},
			},
			expectAllowed: true,
		},
		{
			name: "conflicting defaults",
			modules: []ModuleInput{
				{Name: "Managed Fork", Enabled: true, DefaultJobManager: "managed-fork"},
				{Name: "PBS", Enabled: true, DefaultJobManager: "fork"},
			},
			expectAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), &Input{Facts: ceFacts("OSG"), Modules: tt.modules})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(result.Errors) > 0 {
				t.Fatalf("Unexpected evaluation errors: %v", result.Errors)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if !tt.expectAllowed {
				blocking := result.Blocking()
				if len(blocking) != 1 {
					t.Fatalf("Expected one blocking violation, got %d", len(blocking))
				}
				if blocking[0].Policy != "single-default-jobmanager" {
					t.Errorf("Unexpected policy %s", blocking[0].Policy)
				}
				if !strings.Contains(blocking[0].Message, "Managed Fork sets managed-fork") ||
					!strings.Contains(blocking[0].Message, "PBS sets fork") {
					t.Errorf("Message does not name both modules: %s", blocking[0].Message)
				}
			}
		})
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), &Input{
		Facts:   ceFacts("unknown"),
		Modules: []ModuleInput{{Name: "PBS", Enabled: true, Ignored: true}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Warnings must not block the run")
	}

	got := map[string]Severity{}
	for _, v := range result.Violations {
		got[v.Policy] = v.Severity
	}
	if got["ce-requires-group"] != SeverityWarning {
		t.Errorf("Expected ce-requires-group warning, got %v", result.Violations)
	}
	if got["ce-has-jobmanager"] != SeverityWarning {
		t.Errorf("Expected ce-has-jobmanager warning, got %v", result.Violations)
	}

	// Not a compute element: neither warning applies.
	result, err = eng.Evaluate(context.Background(), &Input{
		Facts: map[string]any{"group": "unknown", "compute_element": false, "gateway": "none"},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %v", result.Violations)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := &Input{
		Facts: ceFacts("OSG"),
		Modules: []ModuleInput{
			{Name: "Managed Fork", Enabled: true, DefaultJobManager: "managed-fork"},
			{Name: "Condor", Enabled: true, DefaultJobManager: "fork"},
		},
	}

	if err := eng.DisablePolicy("single-default-jobmanager"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Disabled policy should not be evaluated")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "single-default-jobmanager" {
			t.Error("Disabled policy listed as evaluated")
		}
	}

	if err := eng.EnablePolicy("single-default-jobmanager"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Re-enabled policy should block the run")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	custom := `package site.local

import rego.v1

# Sites must not run the Network module ignored.

deny contains msg if {
	some m in input.modules
	m.name == "Network"
	m.ignored
	msg := "Network must not be ignored"
}
`
	if err := os.WriteFile(filepath.Join(dir, "no-ignored-network.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), NewLoader(zerolog.Nop()), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("no-ignored-network")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "Sites must not run the Network module ignored." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	result, err := eng.Evaluate(context.Background(), &Input{
		Facts:   map[string]any{"compute_element": false},
		Modules: []ModuleInput{{Name: "Network", Enabled: true, Ignored: true}},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected one violation, got %v", result.Violations)
	}
	v := result.Violations[0]
	if v.Message != "Network must not be ignored" || v.Severity != SeverityWarning {
		t.Errorf("Unexpected violation %+v", v)
	}
	if !result.Allowed {
		t.Error("File policies default to warning severity")
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-ignored-network"); err == nil {
		t.Error("Reload should drop file policies")
	}
}

func TestLoadPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains msg if {\n"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), NewLoader(zerolog.Nop()), []string{path}); err == nil {
		t.Fatal("Expected compile error")
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Evaluate(ctx, &Input{Facts: ceFacts("OSG")}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
