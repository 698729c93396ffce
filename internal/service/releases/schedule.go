package releases

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/domain"
	apperrors "github.com/animus-labs/releasegate/internal/platform/errors"
	"github.com/animus-labs/releasegate/internal/telemetry"
)

// ScheduleInput describes a new release run. A nil RequiredGates selects every
// template in the checklist; a non-nil empty list requires none.
type ScheduleInput struct {
	VersionTag       string
	Environment      string
	InitiatedByEmail string
	ChangeTicket     string
	RequiredGates    []string
}

func (in ScheduleInput) normalize() (ScheduleInput, error) {
	out := ScheduleInput{
		VersionTag:       strings.TrimSpace(in.VersionTag),
		Environment:      strings.TrimSpace(in.Environment),
		InitiatedByEmail: strings.TrimSpace(in.InitiatedByEmail),
		ChangeTicket:     strings.TrimSpace(in.ChangeTicket),
	}
	switch {
	case out.VersionTag == "":
		return ScheduleInput{}, apperrors.Validation("version_tag", "version tag is required")
	case out.Environment == "":
		return ScheduleInput{}, apperrors.Validation("environment", "environment is required")
	case out.InitiatedByEmail == "":
		return ScheduleInput{}, apperrors.Validation("initiated_by_email", "initiated by email is required")
	case out.ChangeTicket == "":
		return ScheduleInput{}, apperrors.Validation("change_ticket", "change ticket is required")
	}
	if in.RequiredGates != nil {
		out.RequiredGates = make([]string, 0, len(in.RequiredGates))
		seen := make(map[string]struct{}, len(in.RequiredGates))
		for _, key := range in.RequiredGates {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.RequiredGates = append(out.RequiredGates, key)
		}
	}
	return out, nil
}

type ScheduleResult struct {
	Run   domain.ReleaseRun
	Gates []domain.GateResult
	// Warnings lists checklist configuration problems that did not block
	// scheduling.
	Warnings []string
}

// Schedule freezes the current checklist into a new run and creates a pending
// gate result for every snapshot entry.
func (s *Service) Schedule(ctx context.Context, input ScheduleInput) (result ScheduleResult, err error) {
	ctx, span := s.tracer.Start(ctx, "releases.Schedule", trace.WithAttributes(
		attribute.String("release.environment", strings.TrimSpace(input.Environment)),
	))
	defer func() { endSpan(span, err) }()

	in, err := input.normalize()
	if err != nil {
		return ScheduleResult{}, err
	}

	templates, err := s.templates.List(ctx)
	if err != nil {
		return ScheduleResult{}, apperrors.TemplateSource(err)
	}
	warnings, err := checklist.Validate(templates)
	if err != nil {
		return ScheduleResult{}, apperrors.TemplateSource(err)
	}
	for _, w := range warnings {
		s.logger.Warn("checklist configuration warning", "warning", w)
	}

	snapshot := domain.CloneTemplates(templates)
	required, err := resolveRequiredGates(in.RequiredGates, snapshot)
	if err != nil {
		return ScheduleResult{}, err
	}
	if len(required) == 0 {
		warnings = append(warnings, "run has no required gates and is vacuously ready")
		s.logger.Warn("release run scheduled without required gates", "version_tag", in.VersionTag, "environment", in.Environment)
	}

	now := s.now().UTC()
	run := domain.ReleaseRun{
		PublicID:          s.newID(),
		VersionTag:        in.VersionTag,
		Environment:       in.Environment,
		Status:            domain.RunStatusScheduled,
		ChecklistSnapshot: snapshot,
		Metadata:          domain.RunMetadata{RequiredGates: required, ReadinessScore: 0},
		InitiatedBy:       in.InitiatedByEmail,
		ChangeTicket:      in.ChangeTicket,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(attribute.String("release.run_id", run.PublicID))
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return ScheduleResult{}, apperrors.Storage("create release run", err)
	}

	gates := make([]domain.GateResult, 0, len(snapshot))
	for _, template := range snapshot {
		gate := domain.GateResult{
			PublicID:   s.newID(),
			RunID:      run.PublicID,
			GateKey:    template.Slug,
			Status:     domain.GateStatusPending,
			OwnerEmail: template.DefaultOwner,
			Metrics:    domain.Metadata{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.gates.CreateGateResult(ctx, gate); err != nil {
			return ScheduleResult{}, apperrors.Storage("create gate result", err)
		}
		gates = append(gates, gate)
	}

	s.logger.Info("release run scheduled",
		"run_id", run.PublicID,
		"version_tag", run.VersionTag,
		"environment", run.Environment,
		"gates", len(gates),
		"required_gates", len(required),
	)
	s.recordRunStatus(ctx, telemetry.RunStatusEvent{
		RunID:       run.PublicID,
		Status:      domain.RunStatusScheduled,
		Environment: run.Environment,
	})
	return ScheduleResult{Run: run.Clone(), Gates: gates, Warnings: warnings}, nil
}

func resolveRequiredGates(requested []string, snapshot []domain.ChecklistItemTemplate) ([]string, error) {
	if requested == nil {
		out := make([]string, 0, len(snapshot))
		for _, t := range snapshot {
			out = append(out, t.Slug)
		}
		return out, nil
	}
	known := make(map[string]struct{}, len(snapshot))
	for _, t := range snapshot {
		known[t.Slug] = struct{}{}
	}
	for _, key := range requested {
		if _, ok := known[key]; !ok {
			return nil, apperrors.Validation("required_gates", fmt.Sprintf("unknown gate %q", key))
		}
	}
	return append([]string{}, requested...), nil
}
