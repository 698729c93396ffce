package releases

import (
	"context"
	"time"

	"github.com/animus-labs/releasegate/internal/domain"
)

// EvaluationReport is the archived record of one evaluation.
type EvaluationReport struct {
	RunID          string           `json:"run_id"`
	VersionTag     string           `json:"version_tag"`
	Environment    string           `json:"environment"`
	ChangeTicket   string           `json:"change_ticket"`
	Status         domain.RunStatus `json:"status"`
	Recommendation domain.RunStatus `json:"recommendation"`
	ReadinessScore float64          `json:"readiness_score"`
	RequiredGates  []string         `json:"required_gates"`
	Gates          []GateReport     `json:"gates"`
	EvaluatedAt    time.Time        `json:"evaluated_at"`
}

type GateReport struct {
	GateKey       string            `json:"gate_key"`
	Status        domain.GateStatus `json:"status"`
	Required      bool              `json:"required"`
	AutoEvaluated bool              `json:"auto_evaluated"`
	Weight        float64           `json:"weight"`
	Notes         string            `json:"notes,omitempty"`
	Metrics       domain.Metadata   `json:"metrics"`
}

// ReportSink receives evaluation reports. Failures are logged by the service
// and never fail the evaluation.
type ReportSink interface {
	ArchiveEvaluation(ctx context.Context, report EvaluationReport) error
}

func buildReport(result EvaluationResult, evaluatedAt time.Time) EvaluationReport {
	run := result.Run
	required := make(map[string]struct{}, len(run.Metadata.RequiredGates))
	for _, key := range run.Metadata.RequiredGates {
		required[key] = struct{}{}
	}
	gates := make([]GateReport, 0, len(result.Gates))
	for _, g := range result.Gates {
		template, _ := run.Template(g.GateKey)
		_, isRequired := required[g.GateKey]
		gates = append(gates, GateReport{
			GateKey:       g.GateKey,
			Status:        g.Status,
			Required:      isRequired,
			AutoEvaluated: template.AutoEvaluated,
			Weight:        template.Weight,
			Notes:         g.Notes,
			Metrics:       g.Metrics.Clone(),
		})
	}
	return EvaluationReport{
		RunID:          run.PublicID,
		VersionTag:     run.VersionTag,
		Environment:    run.Environment,
		ChangeTicket:   run.ChangeTicket,
		Status:         run.Status,
		Recommendation: result.Recommendation,
		ReadinessScore: result.Readiness.Score,
		RequiredGates:  append([]string{}, run.Metadata.RequiredGates...),
		Gates:          gates,
		EvaluatedAt:    evaluatedAt.UTC(),
	}
}
