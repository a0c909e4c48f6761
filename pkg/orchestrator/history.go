package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/stores"
)

// history records a run in the store. Recording is best effort: a store
// failure is logged and never changes the run's outcome. Writes ignore the
// run's cancellation so a cancelled run is still recorded.
type history struct {
	store  stores.Store
	logger zerolog.Logger
	run    *stores.Run
}

func newHistory(store stores.Store, logger zerolog.Logger) *history {
	return &history{store: store, logger: logger.With().Str("component", "history").Logger()}
}

func (h *history) warn(err error, msg string) {
	if err != nil {
		h.logger.Warn().Err(err).Msg(msg)
	}
}

func (h *history) start(ctx context.Context, result *engine.RunResult, cfg Config) {
	if h.store == nil {
		return
	}
	h.run = &stores.Run{
		ID:           result.ID,
		Status:       result.Status,
		SettingsPath: cfg.SettingsPath,
		DryRun:       cfg.DryRun,
		ValidateOnly: cfg.ValidateOnly,
		StartedAt:    result.StartedAt,
	}
	if err := h.store.CreateRun(context.WithoutCancel(ctx), h.run); err != nil {
		h.warn(err, "Failed to record run")
		h.run = nil
	}
}

func (h *history) facts(ctx context.Context, runID string, f *facts.SiteFacts, managedFork bool) {
	if h.run == nil {
		return
	}
	values := map[string]string{
		"group":           f.Group.String(),
		"compute_element": strconv.FormatBool(f.ComputeElement),
		"gateway":         string(f.Gateway),
		"managed_fork":    strconv.FormatBool(managedFork),
	}
	h.warn(h.store.SaveFacts(context.WithoutCancel(ctx), runID, values), "Failed to record site facts")
}

func (h *history) module(ctx context.Context, runID string, position int, res engine.ModuleResult) {
	if h.run == nil {
		return
	}
	rec := &stores.ModuleRecord{
		RunID:    runID,
		Position: position,
		Module:   res.Module,
		Section:  res.Section,
		Status:   res.Status,
		Phase:    res.Phase,
		Problems: marshal(res.Problems, "[]"),
		Duration: res.Duration,
	}
	if res.Error != "" {
		msg := res.Error
		rec.Error = &msg
	}
	h.warn(h.store.AddModuleResult(context.WithoutCancel(ctx), rec), "Failed to record module result")
}

func (h *history) change(ctx context.Context, runID string, c *stores.Change) {
	if h.run == nil {
		return
	}
	c.RunID = runID
	h.warn(h.store.AppendChange(context.WithoutCancel(ctx), c), "Failed to record change")
}

func (h *history) finish(ctx context.Context, result *engine.RunResult, retention int) {
	if h.run == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	h.run.Status = result.Status
	h.run.Problems = marshal(result.Problems, "[]")
	h.run.Attributes = marshal(result.Attributes, "{}")
	h.run.Services = marshal(result.Services, "[]")
	if result.Error != "" {
		msg := result.Error
		h.run.Error = &msg
	}
	h.warn(h.store.CompleteRun(ctx, h.run), "Failed to complete run record")

	if retention > 0 {
		removed, err := h.store.PruneRuns(ctx, retention)
		h.warn(err, "Failed to prune run history")
		if removed > 0 {
			h.logger.Debug().Int64("removed", removed).Msg("Pruned run history")
		}
	}
}

func changeFile(res fileutil.WriteResult) *stores.Change {
	return &stores.Change{
		Kind:   stores.ChangeFile,
		Target: res.Path,
		Detail: "sha256:" + res.Checksum,
	}
}

func changeService(service string) *stores.Change {
	return &stores.Change{
		Kind:   stores.ChangeService,
		Target: service,
		Detail: "enabled",
	}
}

func marshal(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
