// Package policy provides Open Policy Agent (OPA) integration for siteconf.
//
// Policies are evaluated once per run, after every module has parsed and
// before any module configures. They see the site facts and a summary of
// each module, and catch problems that span modules, which no single
// module's attribute check can see.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, &policy.Input{
//	    Facts:   siteFacts.Map(),
//	    Modules: summaries,
//	})
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Blocking() {
//	    fmt.Printf("Policy %s violated: %s\n", v.Policy, v.Message)
//	}
//
// # Built-in Policies
//
//  1. single-default-jobmanager - At most one gatekeeper default (error)
//  2. ce-requires-group - A compute element declares OSG or OSG-ITB (warning)
//  3. ce-has-jobmanager - A compute element enables a batch system (warning)
//
// # Custom Policies
//
// Site policies are loaded from .rego files, or .json files wrapping a Rego
// module, and default to warning severity:
//
//	package site.local
//
//	import rego.v1
//
//	deny contains violation if {
//	    some m in input.modules
//	    m.name == "Network"
//	    m.ignored
//	    violation := {
//	        "message": "Network must not be ignored",
//	        "severity": "error",
//	        "module": "Network",
//	    }
//	}
//
// # Severity Levels
//
//   - info and warning: reported, never block
//   - error and critical: the run is invalid and nothing is configured
package policy
