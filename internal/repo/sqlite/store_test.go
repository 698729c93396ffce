package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/repo"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "releasegate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRun(id string, createdAt time.Time) domain.ReleaseRun {
	return domain.ReleaseRun{
		PublicID:          id,
		VersionTag:        "v1.4.0",
		Environment:       "production",
		Status:            domain.RunStatusScheduled,
		ChecklistSnapshot: checklist.DefaultTemplates(),
		Metadata:          domain.RunMetadata{RequiredGates: []string{"quality-verification", "change-management"}},
		InitiatedBy:       "releaser@example.com",
		ChangeTicket:      "CHG-42",
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "releasegate.db")
	for i := 0; i < 2; i++ {
		store, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("open pass %d: %v", i, err)
		}
		_ = store.Close()
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)

	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.VersionTag != "v1.4.0" || got.Status != domain.RunStatusScheduled {
		t.Fatalf("run=%+v", got)
	}
	if len(got.ChecklistSnapshot) != 3 {
		t.Fatalf("snapshot=%d, want 3", len(got.ChecklistSnapshot))
	}
	quality, ok := got.Template("quality-verification")
	if !ok || quality.SuccessCriteria.Enforced() != 2 {
		t.Fatalf("quality template not restored: %+v", quality)
	}
	if len(got.Metadata.RequiredGates) != 2 {
		t.Fatalf("required gates=%v", got.Metadata.RequiredGates)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at=%v, want %v", got.CreatedAt, now)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := openTempStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	_, err = store.UpdateRun(context.Background(), "missing", repo.RunPatch{})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update err=%v, want ErrNotFound", err)
	}
}

func TestUpdateRunKeepsSnapshotAndRequiredGates(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}

	status := domain.RunStatusBlocked
	score := 62.5
	updated, err := store.UpdateRun(ctx, "run-1", repo.RunPatch{Status: &status, ReadinessScore: &score, UpdatedAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("update run: %v", err)
	}
	if updated.Status != domain.RunStatusBlocked {
		t.Fatalf("status=%s", updated.Status)
	}
	if updated.Metadata.ReadinessScore != score {
		t.Fatalf("score=%v, want %v", updated.Metadata.ReadinessScore, score)
	}
	if len(updated.Metadata.RequiredGates) != 2 || len(updated.ChecklistSnapshot) != 3 {
		t.Fatalf("immutable fields changed: %+v", updated.Metadata)
	}

	only := 50.0
	updated, err = store.UpdateRun(ctx, "run-1", repo.RunPatch{ReadinessScore: &only})
	if err != nil {
		t.Fatalf("update score: %v", err)
	}
	if updated.Status != domain.RunStatusBlocked || updated.Metadata.ReadinessScore != 50 {
		t.Fatalf("partial patch=%+v", updated)
	}
}

func TestListRunsFilters(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := sampleRun(id, base.Add(time.Duration(i)*time.Minute))
		if id == "run-c" {
			run.Environment = "staging"
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, repo.RunFilter{Environment: "production"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(runs))
	}
	if runs[0].PublicID != "run-b" {
		t.Fatalf("first=%s, want run-b", runs[0].PublicID)
	}

	runs, err = store.ListRuns(ctx, repo.RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(runs) != 1 || runs[0].PublicID != "run-c" {
		t.Fatalf("limited runs=%v", runs)
	}

	runs, err = store.ListRuns(ctx, repo.RunFilter{Status: domain.RunStatusReady})
	if err != nil {
		t.Fatalf("list status: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("ready runs=%d, want 0", len(runs))
	}
}

func TestGateResultsCreateIsIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}

	gate := domain.GateResult{
		PublicID:   "gate-1",
		RunID:      "run-1",
		GateKey:    "quality-verification",
		Status:     domain.GateStatusPending,
		OwnerEmail: "qa@example.com",
		CreatedAt:  now,
	}
	if err := store.CreateGateResult(ctx, gate); err != nil {
		t.Fatalf("create gate: %v", err)
	}
	gate.PublicID = "gate-2"
	if err := store.CreateGateResult(ctx, gate); err != nil {
		t.Fatalf("create duplicate gate: %v", err)
	}

	gates, err := store.ListGateResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("list gates: %v", err)
	}
	if len(gates) != 1 || gates[0].PublicID != "gate-1" {
		t.Fatalf("gates=%+v", gates)
	}
	if gates[0].Metrics == nil || gates[0].LastEvaluatedAt != nil {
		t.Fatalf("unexpected defaults: %+v", gates[0])
	}
}

func TestUpsertGateResultPatchesAndCreates(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.CreateGateResult(ctx, domain.GateResult{
		PublicID:   "gate-1",
		RunID:      "run-1",
		GateKey:    "quality-verification",
		Status:     domain.GateStatusPending,
		OwnerEmail: "qa@example.com",
		Metrics:    domain.Metadata{"coverage": 0.95},
		CreatedAt:  now,
	}); err != nil {
		t.Fatalf("create gate: %v", err)
	}

	status := domain.GateStatusPass
	notes := "all 2 criteria satisfied"
	evaluatedAt := now.Add(time.Minute)
	got, err := store.UpsertGateResult(ctx, "run-1", "quality-verification", repo.GatePatch{
		Status:          &status,
		Notes:           &notes,
		LastEvaluatedAt: &evaluatedAt,
		UpdatedAt:       evaluatedAt,
	})
	if err != nil {
		t.Fatalf("upsert existing: %v", err)
	}
	if got.PublicID != "gate-1" || got.Status != domain.GateStatusPass || got.Notes != notes {
		t.Fatalf("upserted=%+v", got)
	}
	if got.OwnerEmail != "qa@example.com" || got.Metrics["coverage"] != 0.95 {
		t.Fatalf("unpatched fields changed: %+v", got)
	}
	if got.LastEvaluatedAt == nil || !got.LastEvaluatedAt.Equal(evaluatedAt) {
		t.Fatalf("last_evaluated_at=%v", got.LastEvaluatedAt)
	}

	owner := "change@example.com"
	created, err := store.UpsertGateResult(ctx, "run-1", "change-management", repo.GatePatch{OwnerEmail: &owner})
	if err != nil {
		t.Fatalf("upsert missing: %v", err)
	}
	if created.Status != domain.GateStatusPending || created.OwnerEmail != owner || created.PublicID == "" {
		t.Fatalf("created=%+v", created)
	}

	gates, err := store.ListGateResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("list gates: %v", err)
	}
	if len(gates) != 2 {
		t.Fatalf("gates=%d, want 2", len(gates))
	}
}

func TestUpsertGateResultMergesMetrics(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.CreateGateResult(ctx, domain.GateResult{
		PublicID:  "gate-1",
		RunID:     "run-1",
		GateKey:   "quality-verification",
		Status:    domain.GateStatusPending,
		Metrics:   domain.Metadata{"coverage": 0.8, "build": "a1"},
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("create gate: %v", err)
	}

	got, err := store.UpsertGateResult(ctx, "run-1", "quality-verification", repo.GatePatch{
		Metrics:      domain.Metadata{"coverage": 0.95, "testFailureRate": 0.01},
		MergeMetrics: true,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("merge metrics: %v", err)
	}
	if got.Metrics["coverage"] != 0.95 || got.Metrics["testFailureRate"] != 0.01 || got.Metrics["build"] != "a1" {
		t.Fatalf("metrics=%v", got.Metrics)
	}

	replaced, err := store.UpsertGateResult(ctx, "run-1", "quality-verification", repo.GatePatch{
		Metrics:   domain.Metadata{"coverage": 0.5},
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("replace metrics: %v", err)
	}
	if len(replaced.Metrics) != 1 || replaced.Metrics["coverage"] != 0.5 {
		t.Fatalf("metrics=%v, want only coverage", replaced.Metrics)
	}
}

func TestUpsertGateResultConcurrentMergesKeepAllKeys(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	if err := store.CreateRun(ctx, sampleRun("run-1", now)); err != nil {
		t.Fatalf("create run: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpsertGateResult(ctx, "run-1", "quality-verification", repo.GatePatch{
				Metrics:      domain.Metadata{fmt.Sprintf("metric%02d", i): float64(i)},
				MergeMetrics: true,
				UpdatedAt:    now,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent merge: %v", err)
		}
	}

	gates, err := store.ListGateResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("list gates: %v", err)
	}
	if len(gates) != 1 {
		t.Fatalf("gates=%d, want 1", len(gates))
	}
	if len(gates[0].Metrics) != writers {
		t.Fatalf("metrics keys=%d, want %d: %v", len(gates[0].Metrics), writers, gates[0].Metrics)
	}
}

func TestAppendAuditEvent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	first, err := store.Append(ctx, domain.AuditEvent{
		Actor:        "releaser@example.com",
		Action:       domain.AuditActionRunScheduled,
		ResourceType: domain.AuditResourceReleaseRun,
		ResourceID:   "run-1",
		Payload:      domain.Metadata{"environment": "production"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append(ctx, domain.AuditEvent{
		Actor:        "releaser@example.com",
		Action:       domain.AuditActionRunEvaluated,
		ResourceType: domain.AuditResourceReleaseRun,
		ResourceID:   "run-1",
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second <= first {
		t.Fatalf("event ids not increasing: %d then %d", first, second)
	}

	if _, err := store.Append(ctx, domain.AuditEvent{Action: "x"}); err == nil {
		t.Fatalf("expected validation error for missing actor")
	}
}
