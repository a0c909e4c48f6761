package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/modules"
	"github.com/openfroyo/siteconf/pkg/policy"
	"github.com/openfroyo/siteconf/pkg/probe"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// step is one module's progress through a run.
type step struct {
	mod      modules.Module
	selected bool
	result   engine.ModuleResult
}

// usable reports whether the module has not failed. Before parsing a module
// has no status.
func (s *step) usable() bool {
	return s.result.Status != engine.ModuleStatusFailed &&
		s.result.Status != engine.ModuleStatusSkipped
}

// configurable reports whether the module takes part in the configure phase.
func (s *step) configurable() bool {
	return s.selected && s.usable()
}

// run carries the state of one Run call.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	logger  zerolog.Logger
	result  *engine.RunResult
	history *history
	steps   []*step
}

// Run executes one configuration run over doc.
//
// Modules parse, then check, in the fixed order. Site policies see every
// parsed module. Any check problem or blocking policy violation makes the
// run invalid and nothing is configured. Otherwise each module configures;
// a module that fails does not stop the others. The attribute file is
// written and the services of the configured modules are enabled. A module
// selection narrows only the configure phase.
//
// The returned error reports a run that could not start (bad module
// selection, facts that cannot be resolved) or was cancelled; module
// failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context, doc settings.Document) (*engine.RunResult, error) {
	result := &engine.RunResult{
		ID:        uuid.NewString(),
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now(),
	}
	logger := o.logger.With().Str("run_id", result.ID).Logger()

	ctx, span := o.tracer.StartRunSpan(ctx, result.ID, o.cfg.DryRun)
	r := &run{
		o:       o,
		ctx:     ctx,
		logger:  logger,
		result:  result,
		history: newHistory(o.store, logger),
	}
	r.history.start(ctx, result, o.cfg)

	err := r.execute(doc)
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	result.CompletedAt = time.Now()
	span.SetAttributes(telemetry.AttrRunStatus.String(string(result.Status)))
	telemetry.EndSpan(span, err)

	o.metrics.RecordRun(string(result.Status), result.Success(), result.CompletedAt.Sub(result.StartedAt))
	r.history.finish(ctx, result, o.cfg.Retention)

	event := logger.Info()
	if !result.Success() {
		event = logger.Warn()
	}
	event.Str("status", string(result.Status)).
		Int("problems", len(result.Problems)).
		Dur("duration", result.CompletedAt.Sub(result.StartedAt)).
		Msg("Run finished")

	return result, err
}

func (r *run) execute(doc settings.Document) error {
	o := r.o

	siteFacts, err := facts.Resolve(r.ctx, doc, o.packages)
	if err != nil {
		r.result.Status = engine.RunStatusFailed
		return fmt.Errorf("failed to resolve site facts: %w", err)
	}
	managedFork := facts.ManagedForkEnabled(doc)
	r.logger.Info().
		Str("group", siteFacts.Group.String()).
		Bool("compute_element", siteFacts.ComputeElement).
		Str("gateway", string(siteFacts.Gateway)).
		Bool("managed_fork", managedFork).
		Msg("Site facts resolved")
	r.history.facts(r.ctx, r.result.ID, siteFacts, managedFork)

	writer := o.newWriter(r.observeWrite)
	mods := newModules(o.deps(siteFacts, writer, r.logger), managedFork)
	selected, err := o.selection(mods)
	if err != nil {
		r.result.Status = engine.RunStatusFailed
		return err
	}
	for i, m := range mods {
		s := &step{mod: m, selected: selected[i]}
		s.result = engine.ModuleResult{Module: m.Name(), Section: m.Section()}
		r.steps = append(r.steps, s)
	}
	defer r.collect()

	// Every module is parsed and checked, selected or not.
	parse := func(s *step) error { return r.parse(s, doc) }
	if err := r.forEach(engine.PhaseParse, (*step).usable, parse); err != nil {
		return err
	}
	if err := r.forEach(engine.PhaseCheck, (*step).usable, r.check); err != nil {
		return err
	}
	r.evaluatePolicies(siteFacts)

	// Attributes come from every parsed module, whatever happens next.
	r.result.Attributes = r.attributes()

	if len(r.result.Problems) > 0 {
		r.logger.Error().Int("problems", len(r.result.Problems)).
			Msg("Settings are invalid, no module will be configured")
		r.result.Status = engine.RunStatusInvalid
		return nil
	}
	if o.cfg.DryRun {
		r.logger.Info().Msg("Dry run, skipping configuration")
		r.result.Status = r.finalStatus(false)
		return nil
	}

	if err := r.forEach(engine.PhaseConfigure, (*step).configurable, r.configure); err != nil {
		return err
	}

	failures := r.writeAttributes()
	if r.enableServices() {
		failures = true
	}
	r.result.Status = r.finalStatus(failures)
	return nil
}

// forEach runs fn for every module accepted by want, checking for
// cancellation between modules. A module itself always runs to completion.
func (r *run) forEach(phase engine.Phase, want func(*step) bool, fn func(*step) error) error {
	for _, s := range r.steps {
		if !want(s) {
			continue
		}
		if err := r.ctx.Err(); err != nil {
			r.result.Status = engine.RunStatusCancelled
			r.logger.Warn().Str("phase", string(phase)).Msg("Run cancelled")
			return err
		}

		start := time.Now()
		_, span := r.o.tracer.StartPhaseSpan(r.ctx, s.mod.Name(), s.mod.Section(), string(phase))
		err := fn(s)
		d := since(start)
		s.result.Duration += d
		s.result.Phase = phase
		telemetry.EndSpan(span, err)

		status := "ok"
		if err != nil {
			status = "failed"
		}
		r.o.metrics.RecordModulePhase(s.mod.Name(), string(phase), status, d)
	}
	return nil
}

func (r *run) moduleLogger(s *step) zerolog.Logger {
	return r.logger.With().Str("module", s.mod.Name()).Str("section", s.mod.Section()).Logger()
}

func (r *run) parse(s *step, doc settings.Document) error {
	logger := r.moduleLogger(s)
	if err := s.mod.Parse(doc); err != nil {
		s.result.Status = engine.ModuleStatusFailed
		s.result.Error = err.Error()
		logger.Error().Err(err).Msg("Failed to parse settings")
		return err
	}

	switch {
	case s.mod.Ignored():
		s.result.Status = engine.ModuleStatusIgnored
	case !s.mod.Enabled():
		s.result.Status = engine.ModuleStatusDisabled
	default:
		s.result.Status = engine.ModuleStatusOK
	}
	logger.Debug().Str("status", string(s.result.Status)).Msg("Parsed")
	return nil
}

func (r *run) check(s *step) error {
	res := s.mod.CheckAttributes(r.ctx)
	if res.OK() {
		return nil
	}
	s.result.Status = engine.ModuleStatusFailed
	s.result.Problems = append(s.result.Problems, res.Problems...)
	r.result.Problems = append(r.result.Problems, res.Problems...)
	return res.Err()
}

func (r *run) configure(s *step) error {
	logger := r.moduleLogger(s)
	if err := s.mod.Configure(r.ctx); err != nil {
		s.result.Status = engine.ModuleStatusFailed
		s.result.Error = err.Error()
		logger.Error().Err(err).Msg("Failed to configure")
		return err
	}
	if s.result.Status == engine.ModuleStatusOK {
		logger.Info().Msg("Configured")
	}
	return nil
}

// evaluatePolicies adds blocking violations to the run's problems. Other
// violations and evaluation errors are only logged.
func (r *run) evaluatePolicies(siteFacts *facts.SiteFacts) {
	if r.o.policies == nil {
		return
	}

	input := &policy.Input{Facts: siteFacts.Map()}
	for _, s := range r.steps {
		if !s.usable() {
			continue
		}
		input.Modules = append(input.Modules, policy.ModuleInput{
			Name:              s.mod.Name(),
			Section:           s.mod.Section(),
			Enabled:           s.mod.Enabled(),
			Ignored:           s.mod.Ignored(),
			DefaultJobManager: s.mod.DefaultJobManager(),
			Services:          nonNil(s.mod.EnabledServices()),
		})
	}

	res, err := r.o.policies.Evaluate(r.ctx, input)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Site policies could not be evaluated")
		return
	}
	for _, e := range res.Errors {
		r.logger.Warn().Str("error", e).Msg("Site policy failed to evaluate")
	}

	for _, v := range res.Violations {
		r.o.metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		event := r.logger.Warn()
		if v.Severity.Blocking() {
			event = r.logger.Error()
			p := engine.Problem{Module: v.Module, Message: fmt.Sprintf("%s: %s", v.Policy, v.Message)}
			if s := r.find(v.Module); s != nil {
				p.Section = s.mod.Section()
				s.result.Problems = append(s.result.Problems, p)
			}
			r.result.Problems = append(r.result.Problems, p)
		}
		event.Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("module", v.Module).
			Msg(v.Message)
	}
}

func (r *run) find(name string) *step {
	for _, s := range r.steps {
		if s.mod.Name() == name {
			return s
		}
	}
	return nil
}

// attributes merges the exports of the parsed modules in run order. A key
// exported twice with different values keeps the later one.
func (r *run) attributes() map[string]string {
	merged := make(map[string]string)
	owner := make(map[string]string)
	for _, s := range r.steps {
		if !s.usable() {
			continue
		}
		for k, v := range s.mod.Attributes() {
			if prev, ok := merged[k]; ok && prev != v {
				r.logger.Warn().
					Str("attribute", k).
					Str("previous_module", owner[k]).
					Str("module", s.mod.Name()).
					Msg("Attribute exported with conflicting values, keeping the later one")
			}
			merged[k] = v
			owner[k] = s.mod.Name()
		}
	}
	return merged
}

// writeAttributes writes the attribute file on a full run. It reports
// whether writing failed.
func (r *run) writeAttributes() bool {
	path := r.o.cfg.AttributesFile
	if path == "" {
		return false
	}
	if len(r.o.cfg.Only) > 0 {
		r.logger.Info().Msg("Module selection in effect, attribute file left unchanged")
		return false
	}
	w := r.o.newWriter(r.observeWrite)
	if _, err := fileutil.WriteAttributeFile(w, path, r.result.Attributes); err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("Failed to write attribute file")
		r.result.Error = engine.NewConfigureError("failed to write attribute file", err).Error()
		return true
	}
	return false
}

// enableServices enables the sorted union of the services of every module
// that configured. It reports whether any service failed.
func (r *run) enableServices() bool {
	var all []string
	for _, s := range r.steps {
		if s.configurable() {
			all = append(all, s.mod.EnabledServices()...)
		}
	}
	r.result.Services = sortedUnique(all)
	if len(r.result.Services) == 0 {
		return false
	}

	failed := false
	for _, res := range probe.EnableAll(r.ctx, r.o.services, r.result.Services) {
		r.o.metrics.RecordService(res.Action)
		if res.Err != nil {
			failed = true
			r.logger.Error().Err(res.Err).Str("service", res.Service).Msg("Failed to enable service")
			continue
		}
		if res.Action == probe.ActionEnabled {
			r.logger.Info().Str("service", res.Service).Msg("Service enabled")
			r.history.change(r.ctx, r.result.ID, changeService(res.Service))
		}
	}
	if failed {
		err := errors.New("one or more services could not be enabled")
		if r.result.Error == "" {
			r.result.Error = err.Error()
		}
	}
	return failed
}

func (r *run) observeWrite(res fileutil.WriteResult) {
	r.o.metrics.RecordFileWritten(res.Changed)
	if res.Changed {
		r.history.change(r.ctx, r.result.ID, changeFile(res))
	}
}

// finalStatus derives the run status once no module is pending. A module
// outside the selection that failed to parse still makes the run partial.
func (r *run) finalStatus(otherFailures bool) engine.RunStatus {
	failed, succeeded := 0, 0
	for _, s := range r.steps {
		switch {
		case s.result.Status == engine.ModuleStatusFailed:
			failed++
		case s.selected:
			succeeded++
		}
	}
	switch {
	case failed == 0 && !otherFailures:
		return engine.RunStatusSucceeded
	case succeeded == 0:
		return engine.RunStatusFailed
	default:
		return engine.RunStatusPartial
	}
}

// collect copies the module results into the run result and the history.
func (r *run) collect() {
	r.result.Modules = make([]engine.ModuleResult, 0, len(r.steps))
	for i, s := range r.steps {
		if s.result.Status == "" {
			s.result.Status = engine.ModuleStatusSkipped
		}
		r.result.Modules = append(r.result.Modules, s.result)
		r.history.module(r.ctx, r.result.ID, i, s.result)
	}
}
