package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/releasegate/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	Environment string
	Status      domain.RunStatus
	Limit       int
}

// RunPatch lists the mutable fields of a release run. Nil fields are left
// untouched; the checklist snapshot and required gates are never patchable.
type RunPatch struct {
	Status         *domain.RunStatus
	ReadinessScore *float64
	UpdatedAt      time.Time
}

// GatePatch lists the mutable fields of a gate result. Nil fields are left
// untouched. With MergeMetrics set, Metrics keys are merged into the stored
// metrics inside the upsert statement instead of replacing them.
type GatePatch struct {
	Status          *domain.GateStatus
	OwnerEmail      *string
	Metrics         domain.Metadata
	MergeMetrics    bool
	Notes           *string
	LastEvaluatedAt *time.Time
	UpdatedAt       time.Time
}

// ReleaseRunRepository manages release runs with an immutable checklist
// snapshot.
type ReleaseRunRepository interface {
	CreateRun(ctx context.Context, run domain.ReleaseRun) error
	GetRun(ctx context.Context, publicID string) (domain.ReleaseRun, error)
	UpdateRun(ctx context.Context, publicID string, patch RunPatch) (domain.ReleaseRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ReleaseRun, error)
}

// GateResultRepository manages per-run gate results. At most one result
// exists per (run, gate key).
type GateResultRepository interface {
	CreateGateResult(ctx context.Context, gate domain.GateResult) error
	ListGateResults(ctx context.Context, runID string) ([]domain.GateResult, error)
	// UpsertGateResult patches the result for (runID, gateKey), creating it
	// with defaults when absent, and returns the stored row.
	UpsertGateResult(ctx context.Context, runID, gateKey string, patch GatePatch) (domain.GateResult, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}
