package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/openfroyo/siteconf/pkg/engine"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) text.Colors {
	switch status {
	case string(engine.RunStatusSucceeded), string(engine.ModuleStatusOK):
		return text.Colors{text.FgGreen}
	case string(engine.RunStatusPartial), string(engine.RunStatusInvalid), string(engine.ModuleStatusIgnored):
		return text.Colors{text.FgYellow}
	case string(engine.RunStatusFailed), string(engine.RunStatusCancelled):
		return text.Colors{text.FgRed}
	}
	return text.Colors{text.FgHiBlack}
}

func colorStatus(status string) string {
	return statusColor(status).Sprint(status)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	return d.Round(time.Millisecond).String()
}

func printProblems(w io.Writer, problems []engine.Problem) {
	if len(problems) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", text.FgRed.Sprintf("%d problem(s):", len(problems)))
	for _, p := range problems {
		fmt.Fprintf(w, "  - [%s] %s\n", p.Module, p.String())
	}
}

// printRunResult renders the module table, problems and services of a run.
func printRunResult(w io.Writer, res *engine.RunResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Module", "Section", "Status", "Phase", "Duration"})
	for _, m := range res.Modules {
		t.AppendRow(table.Row{m.Module, m.Section, colorStatus(string(m.Status)), m.Phase, formatDuration(m.Duration)})
	}
	t.Render()

	printProblems(w, res.Problems)
	for _, m := range res.Modules {
		if m.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", text.Bold.Sprint(m.Module), m.Error)
		}
	}
	if len(res.Services) > 0 {
		fmt.Fprintf(w, "\nServices: %v\n", res.Services)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", res.Error)
	}
	fmt.Fprintf(w, "\nRun %s %s in %s\n", res.ID, colorStatus(string(res.Status)),
		formatDuration(res.CompletedAt.Sub(res.StartedAt)))
}
