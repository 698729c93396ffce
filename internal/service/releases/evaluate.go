package releases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/releasegate/internal/domain"
	apperrors "github.com/animus-labs/releasegate/internal/platform/errors"
	"github.com/animus-labs/releasegate/internal/readiness"
	"github.com/animus-labs/releasegate/internal/repo"
	"github.com/animus-labs/releasegate/internal/telemetry"
)

type EvaluationResult struct {
	Run   domain.ReleaseRun
	Gates []domain.GateResult
	// Readiness holds the score at full precision; Run.Metadata carries the
	// same value as persisted.
	Readiness readiness.Readiness
	// Recommendation is the status the gates imply. It differs from Run.Status
	// only for runs the engine may no longer move.
	Recommendation domain.RunStatus
}

// Evaluate re-evaluates every auto-evaluated gate of a run against its current
// metrics and persists the resulting status and readiness score.
func (s *Service) Evaluate(ctx context.Context, runID string) (result EvaluationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "releases.Evaluate", trace.WithAttributes(
		attribute.String("release.run_id", strings.TrimSpace(runID)),
	))
	defer func() { endSpan(span, err) }()

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return EvaluationResult{}, err
	}
	current, err := s.gates.ListGateResults(ctx, run.PublicID)
	if err != nil {
		return EvaluationResult{}, apperrors.Storage("list gate results", err)
	}
	byKey := make(map[string]domain.GateResult, len(current))
	for _, g := range current {
		byKey[g.GateKey] = g
	}

	now := s.now().UTC()
	gates := make([]domain.GateResult, 0, len(run.ChecklistSnapshot))
	inSnapshot := make(map[string]struct{}, len(run.ChecklistSnapshot))
	var evaluated []telemetry.GateEvaluationEvent
	for _, template := range run.ChecklistSnapshot {
		inSnapshot[template.Slug] = struct{}{}
		gate, exists := byKey[template.Slug]

		if !template.AutoEvaluated {
			if !exists {
				gate, err = s.repairGate(ctx, run.PublicID, template, now)
				if err != nil {
					return EvaluationResult{}, err
				}
			}
			gates = append(gates, gate)
			continue
		}

		outcome := readiness.Evaluate(template, gate.Metrics)
		notes := outcome.NotesText()
		status := outcome.Status
		patch := repo.GatePatch{
			Status:          &status,
			Notes:           &notes,
			LastEvaluatedAt: &now,
			UpdatedAt:       now,
		}
		if !exists {
			owner := template.DefaultOwner
			patch.OwnerEmail = &owner
		}
		updated, err := s.gates.UpsertGateResult(ctx, run.PublicID, template.Slug, patch)
		if err != nil {
			return EvaluationResult{}, apperrors.Storage("upsert gate result", err)
		}
		gates = append(gates, updated)
		evaluated = append(evaluated, telemetry.GateEvaluationEvent{
			RunID:   run.PublicID,
			GateKey: template.Slug,
			Status:  updated.Status,
		})
	}
	// Results for keys outside the snapshot are reported but never scored.
	for _, g := range current {
		if _, ok := inSnapshot[g.GateKey]; !ok {
			gates = append(gates, g)
		}
	}

	score := readiness.Score(gates, run.Metadata.RequiredGates, run.Weights())
	next := s.nextStatus(run, score.Status)
	scoreValue := score.Score
	updatedRun, err := s.runs.UpdateRun(ctx, run.PublicID, repo.RunPatch{
		Status:         &next,
		ReadinessScore: &scoreValue,
		UpdatedAt:      now,
	})
	if err != nil {
		return EvaluationResult{}, apperrors.Storage("update release run", err)
	}

	for _, event := range evaluated {
		s.recordGateEvaluation(ctx, event)
	}
	s.recordRunStatus(ctx, telemetry.RunStatusEvent{
		RunID:       updatedRun.PublicID,
		Status:      updatedRun.Status,
		Environment: updatedRun.Environment,
		Score:       scoreValue,
	})
	s.logger.Info("release run evaluated",
		"run_id", updatedRun.PublicID,
		"previous_status", string(run.Status),
		"status", string(updatedRun.Status),
		"recommendation", string(score.Status),
		"readiness_score", score.Rounded(),
		"passed", score.Passed,
		"failed", score.Failed,
		"pending", score.Pending,
	)
	span.SetAttributes(
		attribute.String("release.status", string(updatedRun.Status)),
		attribute.Float64("release.readiness_score", scoreValue),
	)

	result = EvaluationResult{
		Run:            updatedRun,
		Gates:          gates,
		Readiness:      score,
		Recommendation: score.Status,
	}
	s.archive(ctx, result, now)
	return result, nil
}

// nextStatus applies the run state machine to the status derived from gates.
func (s *Service) nextStatus(run domain.ReleaseRun, derived domain.RunStatus) domain.RunStatus {
	current := domain.NormalizeRunStatus(string(run.Status))
	if current == "" {
		current = domain.RunStatusScheduled
	}
	if domain.CanTransitionRunStatus(current, derived) {
		return derived
	}
	if current != derived {
		s.logger.Info("release run status kept",
			"run_id", run.PublicID,
			"status", string(current),
			"recommendation", string(derived),
		)
	}
	return current
}

func (s *Service) repairGate(ctx context.Context, runID string, template domain.ChecklistItemTemplate, now time.Time) (domain.GateResult, error) {
	owner := template.DefaultOwner
	gate, err := s.gates.UpsertGateResult(ctx, runID, template.Slug, repo.GatePatch{
		OwnerEmail: &owner,
		UpdatedAt:  now,
	})
	if err != nil {
		return domain.GateResult{}, apperrors.Storage("repair gate result", err)
	}
	s.logger.Warn("gate result recreated", "run_id", runID, "gate_key", template.Slug)
	return gate, nil
}

func (s *Service) archive(ctx context.Context, result EvaluationResult, evaluatedAt time.Time) {
	if s.reports == nil {
		return
	}
	if err := s.reports.ArchiveEvaluation(ctx, buildReport(result, evaluatedAt)); err != nil {
		s.logger.Warn("archive evaluation report failed", "run_id", result.Run.PublicID, "error", err)
	}
}

// BatchResult is the outcome of evaluating one run in EvaluateMany.
type BatchResult struct {
	RunID  string
	Result EvaluationResult
	Err    error
}

// EvaluateMany evaluates distinct runs in parallel, bounded by the configured
// concurrency. A failing run does not stop the others; results follow the
// order of the first occurrence of each id.
func (s *Service) EvaluateMany(ctx context.Context, runIDs []string) ([]BatchResult, error) {
	ids := make([]string, 0, len(runIDs))
	seen := make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apperrors.Validation("run_ids", "at least one run id is required")
	}

	results := make([]BatchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := s.Evaluate(ctx, id)
			results[i] = BatchResult{RunID: id, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// RecordGateMetrics merges metrics into a gate's stored metrics. The merge
// happens inside the storage upsert so concurrent pushes to one gate keep
// each other's keys. The gate's status is left for the next evaluation.
func (s *Service) RecordGateMetrics(ctx context.Context, runID, gateKey string, metrics domain.Metadata) (domain.GateResult, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return domain.GateResult{}, err
	}
	gateKey = strings.TrimSpace(gateKey)
	template, ok := run.Template(gateKey)
	if !ok {
		return domain.GateResult{}, apperrors.Validation("gate_key", fmt.Sprintf("gate %q is not part of run %s", gateKey, run.PublicID))
	}
	if len(metrics) == 0 {
		return domain.GateResult{}, apperrors.Validation("metrics", "at least one metric is required")
	}

	// Only decides whether a repaired row needs its default owner.
	current, err := s.gates.ListGateResults(ctx, run.PublicID)
	if err != nil {
		return domain.GateResult{}, apperrors.Storage("list gate results", err)
	}
	exists := false
	for _, g := range current {
		if g.GateKey == gateKey {
			exists = true
			break
		}
	}

	patch := repo.GatePatch{
		Metrics:      metrics.Clone(),
		MergeMetrics: true,
		UpdatedAt:    s.now().UTC(),
	}
	if !exists {
		owner := template.DefaultOwner
		patch.OwnerEmail = &owner
	}
	gate, err := s.gates.UpsertGateResult(ctx, run.PublicID, gateKey, patch)
	if err != nil {
		return domain.GateResult{}, apperrors.Storage("record gate metrics", err)
	}
	s.logger.Info("gate metrics recorded", "run_id", run.PublicID, "gate_key", gateKey, "metrics", len(metrics))
	return gate, nil
}
