package policy

// BuiltinPolicies returns the policies every run evaluates.
func BuiltinPolicies() []Policy {
	return []Policy{
		singleDefaultJobManagerPolicy(),
		ceRequiresGroupPolicy(),
		ceHasJobManagerPolicy(),
	}
}

// singleDefaultJobManagerPolicy rejects runs where two modules would point
// the gatekeeper default at different job managers.
func singleDefaultJobManagerPolicy() Policy {
	return Policy{
		Name:        "single-default-jobmanager",
		Description: "At most one gatekeeper default jobmanager may be configured",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package siteconf.policies.jobmanager

import rego.v1

setters contains m if {
	some m in input.modules
	m.default_job_manager != ""
}

defaults := {m.default_job_manager | some m in setters}

deny contains violation if {
	count(defaults) > 1
	names := sort([sprintf("%s sets %s", [m.name, m.default_job_manager]) | some m in setters])
	violation := {
		"message": sprintf("Conflicting gatekeeper default jobmanagers: %s", [concat(", ", names)]),
		"severity": "error",
	}
}
`,
	}
}

// ceRequiresGroupPolicy warns when a compute element has no site group.
func ceRequiresGroupPolicy() Policy {
	return Policy{
		Name:        "ce-requires-group",
		Description: "A compute element should declare its site group",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package siteconf.policies.group

import rego.v1

deny contains violation if {
	input.facts.compute_element
	not input.facts.group in {"OSG", "OSG-ITB"}
	violation := {
		"message": "group in [Site Information] should be OSG or OSG-ITB on a compute element",
		"severity": "warning",
	}
}
`,
	}
}

// ceHasJobManagerPolicy warns when a compute element enables no batch system.
func ceHasJobManagerPolicy() Policy {
	return Policy{
		Name:        "ce-has-jobmanager",
		Description: "A compute element should enable at least one batch job manager",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package siteconf.policies.batch

import rego.v1

batch_modules := {"PBS", "Condor"}

active_batch contains m.name if {
	some m in input.modules
	m.name in batch_modules
	m.enabled
	not m.ignored
}

deny contains violation if {
	input.facts.compute_element
	count(active_batch) == 0
	violation := {
		"message": "no batch job manager is enabled on this compute element",
		"severity": "warning",
	}
}
`,
	}
}
