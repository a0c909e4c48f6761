package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/settings"
)

// Facts resolves the site facts of doc without running any module.
func (o *Orchestrator) Facts(ctx context.Context, doc settings.Document) (*facts.SiteFacts, error) {
	f, err := facts.Resolve(ctx, doc, o.packages)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve site facts: %w", err)
	}
	return f, nil
}

// Export parses every module and returns the merged attribute mapping. No
// check runs and nothing is written. Parse errors are joined; the mapping of
// the modules that parsed is still returned.
func (o *Orchestrator) Export(ctx context.Context, doc settings.Document) (map[string]string, error) {
	siteFacts, err := o.Facts(ctx, doc)
	if err != nil {
		return nil, err
	}

	r := &run{o: o, ctx: ctx, logger: o.logger, history: newHistory(nil, o.logger)}
	mods := newModules(o.deps(siteFacts, o.newWriter(nil), o.logger), facts.ManagedForkEnabled(doc))

	var errs []error
	for _, m := range mods {
		s := &step{mod: m, selected: true}
		if err := r.parse(s, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
		r.steps = append(r.steps, s)
	}
	return r.attributes(), errors.Join(errs...)
}
