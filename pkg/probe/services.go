package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog"
)

// ServiceController enables OS services and reports their enablement.
type ServiceController interface {
	IsEnabled(ctx context.Context, service string) (bool, error)
	Enable(ctx context.Context, service string) error
}

// EnableResult describes what EnableAll did for one service.
type EnableResult struct {
	Service string
	Action  string
	Err     error
}

const (
	ActionEnabled        = "enabled"
	ActionAlreadyEnabled = "already_enabled"
	ActionFailed         = "failed"
)

// EnableAll enables services in order, skipping those already enabled. It
// never stops early; per-service failures are reported in the results.
func EnableAll(ctx context.Context, sc ServiceController, services []string) []EnableResult {
	results := make([]EnableResult, 0, len(services))
	for _, svc := range services {
		enabled, err := sc.IsEnabled(ctx, svc)
		if err == nil && enabled {
			results = append(results, EnableResult{Service: svc, Action: ActionAlreadyEnabled})
			continue
		}
		if err := sc.Enable(ctx, svc); err != nil {
			results = append(results, EnableResult{Service: svc, Action: ActionFailed, Err: err})
			continue
		}
		results = append(results, EnableResult{Service: svc, Action: ActionEnabled})
	}
	return results
}

func enabledState(state string) bool {
	switch strings.TrimSpace(state) {
	case "enabled", "enabled-runtime", "static", "alias", "indirect", "generated":
		return true
	}
	return false
}

// SystemctlController drives systemctl.
type SystemctlController struct {
	runner Runner
	logger zerolog.Logger
}

// NewSystemctlController creates a SystemctlController.
func NewSystemctlController(runner Runner, logger zerolog.Logger) *SystemctlController {
	return &SystemctlController{
		runner: runner,
		logger: logger.With().Str("component", "systemctl").Logger(),
	}
}

// IsEnabled implements ServiceController.
func (c *SystemctlController) IsEnabled(ctx context.Context, service string) (bool, error) {
	res, err := c.runner.Run(ctx, "systemctl", "is-enabled", service)
	if err != nil {
		return false, err
	}
	return enabledState(res.Stdout), nil
}

// Enable implements ServiceController.
func (c *SystemctlController) Enable(ctx context.Context, service string) error {
	res, err := c.runner.Run(ctx, "systemctl", "enable", service)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("systemctl enable %s exited %d: %s", service, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	c.logger.Info().Str("service", service).Msg("Service enabled")
	return nil
}

// DBusController talks to systemd over D-Bus.
type DBusController struct {
	logger zerolog.Logger
}

// NewDBusController creates a DBusController. The connection is opened per
// call so a missing system bus only fails the probe that needs it.
func NewDBusController(logger zerolog.Logger) *DBusController {
	return &DBusController{logger: logger.With().Str("component", "systemd-dbus").Logger()}
}

func unitName(service string) string {
	if strings.Contains(service, ".") {
		return service
	}
	return service + ".service"
}

// IsEnabled implements ServiceController.
func (c *DBusController) IsEnabled(ctx context.Context, service string) (bool, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, unitName(service), "UnitFileState")
	if err != nil {
		return false, fmt.Errorf("failed to read UnitFileState of %s: %w", service, err)
	}
	state, _ := prop.Value.Value().(string)
	return enabledState(state), nil
}

// Enable implements ServiceController.
func (c *DBusController) Enable(ctx context.Context, service string) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	_, changes, err := conn.EnableUnitFilesContext(ctx, []string{unitName(service)}, false, true)
	if err != nil {
		return fmt.Errorf("failed to enable %s: %w", service, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd after enabling %s: %w", service, err)
	}
	c.logger.Info().Str("service", service).Int("changes", len(changes)).Msg("Service enabled")
	return nil
}

// RecordingController records Enable calls without touching the host. It
// backs --dry-run and the tests.
type RecordingController struct {
	mu      sync.Mutex
	enabled map[string]bool
	calls   []string
	fail    map[string]error
}

// NewRecordingController creates a RecordingController with services already
// enabled.
func NewRecordingController(alreadyEnabled ...string) *RecordingController {
	rc := &RecordingController{enabled: make(map[string]bool), fail: make(map[string]error)}
	for _, s := range alreadyEnabled {
		rc.enabled[s] = true
	}
	return rc
}

// FailOn makes Enable(service) return err.
func (r *RecordingController) FailOn(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[service] = err
}

// IsEnabled implements ServiceController.
func (r *RecordingController) IsEnabled(_ context.Context, service string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[service], nil
}

// Enable implements ServiceController.
func (r *RecordingController) Enable(_ context.Context, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, service)
	if err := r.fail[service]; err != nil {
		return err
	}
	r.enabled[service] = true
	return nil
}

// Calls returns the services Enable was called with, in order.
func (r *RecordingController) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Enabled returns the enabled services, sorted.
func (r *RecordingController) Enabled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.enabled))
	for s, ok := range r.enabled {
		if ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
