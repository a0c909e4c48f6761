package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/siteconf/pkg/engine"
)

// ChangeKind is what a recorded change touched.
type ChangeKind string

const (
	ChangeFile    ChangeKind = "file"
	ChangeService ChangeKind = "service"
)

// Run represents one configuration run.
type Run struct {
	ID           string           `json:"id"`
	Status       engine.RunStatus `json:"status"`
	SettingsPath string           `json:"settings_path"`
	DryRun       bool             `json:"dry_run"`
	ValidateOnly bool             `json:"validate_only"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Error        *string          `json:"error,omitempty"`
	Problems     string           `json:"problems"`   // JSON array of engine.Problem
	Attributes   string           `json:"attributes"` // JSON object
	Services     string           `json:"services"`   // JSON array
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ModuleRecord is the stored outcome of one module within a run.
type ModuleRecord struct {
	ID        int64               `json:"id"`
	RunID     string              `json:"run_id"`
	Position  int                 `json:"position"`
	Module    string              `json:"module"`
	Section   string              `json:"section"`
	Status    engine.ModuleStatus `json:"status"`
	Phase     engine.Phase        `json:"phase"`
	Error     *string             `json:"error,omitempty"`
	Problems  string              `json:"problems"` // JSON array
	Duration  time.Duration       `json:"duration"`
	CreatedAt time.Time           `json:"created_at"`
}

// Change is a file or service a run modified.
type Change struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Kind      ChangeKind `json:"kind"`
	Target    string     `json:"target"`
	Detail    string     `json:"detail"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store defines the interface for the run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Module results
	AddModuleResult(ctx context.Context, rec *ModuleRecord) error
	ListModuleResults(ctx context.Context, runID string) ([]*ModuleRecord, error)

	// Facts
	SaveFacts(ctx context.Context, runID string, facts map[string]string) error
	GetFacts(ctx context.Context, runID string) (map[string]string, error)

	// Changes
	AppendChange(ctx context.Context, change *Change) error
	ListChanges(ctx context.Context, runID string) ([]*Change, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
