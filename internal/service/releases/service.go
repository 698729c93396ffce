package releases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/domain"
	apperrors "github.com/animus-labs/releasegate/internal/platform/errors"
	"github.com/animus-labs/releasegate/internal/repo"
	"github.com/animus-labs/releasegate/internal/telemetry"
)

const (
	tracerName = "github.com/animus-labs/releasegate/internal/service/releases"

	defaultConcurrency = 4
	defaultListLimit   = 50
	maxListLimit       = 500
)

type Service struct {
	templates checklist.Source
	runs      repo.ReleaseRunRepository
	gates     repo.GateResultRepository

	recorder    telemetry.Recorder
	reports     ReportSink
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	concurrency int
}

type Option func(*Service)

func WithRecorder(recorder telemetry.Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithReportSink archives a report after every successful evaluation.
func WithReportSink(sink ReportSink) Option {
	return func(s *Service) {
		s.reports = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithConcurrency bounds how many runs EvaluateMany evaluates at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func New(templates checklist.Source, runs repo.ReleaseRunRepository, gates repo.GateResultRepository, opts ...Option) *Service {
	if templates == nil || runs == nil || gates == nil {
		return nil
	}
	s := &Service{
		templates:   templates,
		runs:        runs,
		gates:       gates,
		recorder:    telemetry.NopRecorder{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		newID:       uuid.NewString,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunView is a run together with its gate results.
type RunView struct {
	Run   domain.ReleaseRun
	Gates []domain.GateResult
}

func (s *Service) GetRun(ctx context.Context, runID string) (RunView, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	gates, err := s.gates.ListGateResults(ctx, run.PublicID)
	if err != nil {
		return RunView{}, apperrors.Storage("list gate results", err)
	}
	return RunView{Run: run, Gates: gates}, nil
}

func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ReleaseRun, error) {
	if filter.Status != "" {
		normalized := domain.NormalizeRunStatus(string(filter.Status))
		if normalized == "" {
			return nil, apperrors.Validation("status", fmt.Sprintf("status unsupported: %q", filter.Status))
		}
		filter.Status = normalized
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	runs, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, apperrors.Storage("list release runs", err)
	}
	return runs, nil
}

func (s *Service) loadRun(ctx context.Context, runID string) (domain.ReleaseRun, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ReleaseRun{}, apperrors.Validation("run_id", "run id is required")
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ReleaseRun{}, apperrors.NotFound("release_run", runID)
		}
		return domain.ReleaseRun{}, apperrors.Storage("load release run", err)
	}
	return run, nil
}

// recordRunStatus and recordGateEvaluation never let a recorder failure reach
// the caller.
func (s *Service) recordRunStatus(ctx context.Context, event telemetry.RunStatusEvent) {
	defer s.recoverRecorder("run_status")
	s.recorder.RecordReleaseRunStatus(ctx, event)
}

func (s *Service) recordGateEvaluation(ctx context.Context, event telemetry.GateEvaluationEvent) {
	defer s.recoverRecorder("gate_evaluation")
	s.recorder.RecordReleaseGateEvaluation(ctx, event)
}

func (s *Service) recoverRecorder(kind string) {
	if r := recover(); r != nil {
		s.logger.Warn("metrics recorder failed", "event", kind, "error", fmt.Sprint(r))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
