// Package telemetry records release run and gate outcomes. Recorders are
// fire-and-forget: they return nothing and callers never wait on them.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/animus-labs/releasegate/internal/domain"
)

type RunStatusEvent struct {
	RunID       string
	Status      domain.RunStatus
	Environment string
	Score       float64
}

type GateEvaluationEvent struct {
	RunID   string
	GateKey string
	Status  domain.GateStatus
}

type Recorder interface {
	RecordReleaseRunStatus(ctx context.Context, event RunStatusEvent)
	RecordReleaseGateEvaluation(ctx context.Context, event GateEvaluationEvent)
}

type NopRecorder struct{}

func (NopRecorder) RecordReleaseRunStatus(context.Context, RunStatusEvent)           {}
func (NopRecorder) RecordReleaseGateEvaluation(context.Context, GateEvaluationEvent) {}

// LogRecorder writes one structured log line per event.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) RecordReleaseRunStatus(ctx context.Context, event RunStatusEvent) {
	r.logger.InfoContext(ctx, "release run status",
		"run_id", event.RunID,
		"status", string(event.Status),
		"environment", event.Environment,
		"readiness_score", event.Score,
	)
}

func (r *LogRecorder) RecordReleaseGateEvaluation(ctx context.Context, event GateEvaluationEvent) {
	r.logger.DebugContext(ctx, "release gate evaluated",
		"run_id", event.RunID,
		"gate_key", event.GateKey,
		"status", string(event.Status),
	)
}

// OTelRecorder counts events and tracks the last readiness score through an
// OpenTelemetry meter.
type OTelRecorder struct {
	runStatus      metric.Int64Counter
	gateEvaluation metric.Int64Counter
	readiness      metric.Float64Histogram
}

func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	if meter == nil {
		return nil, errors.New("meter is required")
	}
	runStatus, err := meter.Int64Counter("releasegate.run.status",
		metric.WithDescription("Release run status recordings by status and environment."))
	if err != nil {
		return nil, err
	}
	gateEvaluation, err := meter.Int64Counter("releasegate.gate.evaluations",
		metric.WithDescription("Automated gate evaluations by gate and outcome."))
	if err != nil {
		return nil, err
	}
	readiness, err := meter.Float64Histogram("releasegate.run.readiness_score",
		metric.WithDescription("Readiness score computed per evaluation."),
		metric.WithUnit("%"))
	if err != nil {
		return nil, err
	}
	return &OTelRecorder{runStatus: runStatus, gateEvaluation: gateEvaluation, readiness: readiness}, nil
}

func (r *OTelRecorder) RecordReleaseRunStatus(ctx context.Context, event RunStatusEvent) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(event.Status)),
		attribute.String("environment", event.Environment),
	)
	r.runStatus.Add(ctx, 1, attrs)
	r.readiness.Record(ctx, event.Score, metric.WithAttributes(attribute.String("environment", event.Environment)))
}

func (r *OTelRecorder) RecordReleaseGateEvaluation(ctx context.Context, event GateEvaluationEvent) {
	r.gateEvaluation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate_key", event.GateKey),
		attribute.String("status", string(event.Status)),
	))
}

// Multi fans events out to every non-nil recorder.
type Multi []Recorder

func (m Multi) RecordReleaseRunStatus(ctx context.Context, event RunStatusEvent) {
	for _, r := range m {
		if r != nil {
			r.RecordReleaseRunStatus(ctx, event)
		}
	}
}

func (m Multi) RecordReleaseGateEvaluation(ctx context.Context, event GateEvaluationEvent) {
	for _, r := range m {
		if r != nil {
			r.RecordReleaseGateEvaluation(ctx, event)
		}
	}
}
