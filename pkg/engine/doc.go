// Package engine provides the shared error taxonomy and result types for the
// siteconf module lifecycle.
//
// # Overview
//
// A siteconf run applies one INI settings document to the local host. Every
// configuration module goes through three phases:
//
//  1. Parse - resolve typed options from the settings document
//  2. Check - validate the resolved attributes, collecting every problem
//  3. Configure - write generated files and record services to enable
//
// The package is a leaf: it has no dependencies on the other siteconf
// packages, so modules, the orchestrator and the stores can all share it.
//
// # Error Handling
//
// Errors are classified so the orchestrator can decide how far a failure
// propagates:
//
//   - ErrorClassSetting: missing or malformed input, stops the module's parse
//   - ErrorClassConfigure: a side effect failed, stops the module's configure
//   - ErrorClassValidation: one or more attribute checks failed
//   - ErrorClassProbe: a package or service probe could not answer
//
// Errors carry module, section and option context:
//
//	err := engine.NewSettingError("not a boolean", cause).
//	    WithSection("PBS").
//	    WithOption("seg_enabled")
//
//	if engine.IsSettingError(err) {
//	    // the module is skipped, other modules continue
//	}
//
// # Results
//
// CheckResult accumulates Problems without short-circuiting. ModuleResult and
// RunResult record the outcome of each module and of the run as a whole, and
// are what the run history store persists.
package engine
