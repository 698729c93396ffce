package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/platform/auth"
	apperrors "github.com/animus-labs/releasegate/internal/platform/errors"
	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	"github.com/animus-labs/releasegate/internal/repo"
	"github.com/animus-labs/releasegate/internal/service/releases"
)

const (
	actorHeader  = "X-Actor-Email"
	defaultActor = "system"

	maxBatchRuns = 100
)

type releaseAPI struct {
	logger    *slog.Logger
	service   *releases.Service
	templates checklist.Source
	audit     repo.AuditEventAppender
	now       func() time.Time
}

func newReleaseAPI(logger *slog.Logger, service *releases.Service, templates checklist.Source, audit repo.AuditEventAppender) *releaseAPI {
	return &releaseAPI{
		logger:    logger,
		service:   service,
		templates: templates,
		audit:     audit,
		now:       time.Now,
	}
}

func (api *releaseAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /release-runs", api.handleScheduleRun)
	mux.HandleFunc("GET /release-runs", api.handleListRuns)
	mux.HandleFunc("GET /release-runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /release-runs/{run_id}/evaluate", api.handleEvaluateRun)
	mux.HandleFunc("POST /release-runs:evaluate", api.handleEvaluateRuns)
	mux.HandleFunc("PUT /release-runs/{run_id}/gates/{gate_key}/metrics", api.handleRecordMetrics)

	mux.HandleFunc("GET /checklist", api.handleGetChecklist)
}

type gateView struct {
	GateID          string          `json:"gate_id"`
	GateKey         string          `json:"gate_key"`
	Status          string          `json:"status"`
	OwnerEmail      string          `json:"owner_email,omitempty"`
	Metrics         domain.Metadata `json:"metrics"`
	Notes           string          `json:"notes,omitempty"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type runView struct {
	RunID               string                         `json:"run_id"`
	VersionTag          string                         `json:"version_tag"`
	Environment         string                         `json:"environment"`
	Status              string                         `json:"status"`
	ReadinessScore      int                            `json:"readiness_score"`
	ReadinessScoreExact float64                        `json:"readiness_score_exact"`
	RequiredGates       []string                       `json:"required_gates"`
	ChecklistSnapshot   []domain.ChecklistItemTemplate `json:"checklist_snapshot"`
	InitiatedByEmail    string                         `json:"initiated_by_email"`
	ChangeTicket        string                         `json:"change_ticket"`
	CreatedAt           time.Time                      `json:"created_at"`
	UpdatedAt           time.Time                      `json:"updated_at"`
	Gates               []gateView                     `json:"gates,omitempty"`
}

func toGateView(g domain.GateResult) gateView {
	metrics := g.Metrics
	if metrics == nil {
		metrics = domain.Metadata{}
	}
	return gateView{
		GateID:          g.PublicID,
		GateKey:         g.GateKey,
		Status:          string(g.Status),
		OwnerEmail:      g.OwnerEmail,
		Metrics:         metrics,
		Notes:           g.Notes,
		LastEvaluatedAt: g.LastEvaluatedAt,
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
}

func toRunView(run domain.ReleaseRun, gates []domain.GateResult) runView {
	required := run.Metadata.RequiredGates
	if required == nil {
		required = []string{}
	}
	snapshot := run.ChecklistSnapshot
	if snapshot == nil {
		snapshot = []domain.ChecklistItemTemplate{}
	}
	view := runView{
		RunID:               run.PublicID,
		VersionTag:          run.VersionTag,
		Environment:         run.Environment,
		Status:              string(run.Status),
		ReadinessScore:      roundScore(run.Metadata.ReadinessScore),
		ReadinessScoreExact: run.Metadata.ReadinessScore,
		RequiredGates:       required,
		ChecklistSnapshot:   snapshot,
		InitiatedByEmail:    run.InitiatedBy,
		ChangeTicket:        run.ChangeTicket,
		CreatedAt:           run.CreatedAt,
		UpdatedAt:           run.UpdatedAt,
	}
	for _, g := range gates {
		view.Gates = append(view.Gates, toGateView(g))
	}
	return view
}

func roundScore(score float64) int {
	return int(math.Round(score))
}

type scheduleRunRequest struct {
	VersionTag       string    `json:"version_tag"`
	Environment      string    `json:"environment"`
	InitiatedByEmail string    `json:"initiated_by_email"`
	ChangeTicket     string    `json:"change_ticket"`
	RequiredGates    *[]string `json:"required_gates,omitempty"`
}

func (api *releaseAPI) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	input := releases.ScheduleInput{
		VersionTag:       req.VersionTag,
		Environment:      req.Environment,
		InitiatedByEmail: req.InitiatedByEmail,
		ChangeTicket:     req.ChangeTicket,
	}
	if req.RequiredGates != nil {
		input.RequiredGates = append([]string{}, (*req.RequiredGates)...)
	}

	result, err := api.service.Schedule(r.Context(), input)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	api.appendAudit(r, domain.AuditEvent{
		Action:       domain.AuditActionRunScheduled,
		ResourceType: domain.AuditResourceReleaseRun,
		ResourceID:   result.Run.PublicID,
		Payload: domain.Metadata{
			"version_tag":        result.Run.VersionTag,
			"environment":        result.Run.Environment,
			"change_ticket":      result.Run.ChangeTicket,
			"initiated_by_email": result.Run.InitiatedBy,
			"required_gates":     result.Run.Metadata.RequiredGates,
		},
	})

	warnings := result.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"run":      toRunView(result.Run, result.Gates),
		"warnings": warnings,
	})
}

func (api *releaseAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.RunFilter{
		Environment: strings.TrimSpace(query.Get("environment")),
		Status:      domain.RunStatus(strings.TrimSpace(query.Get("status"))),
		Limit:       parseIntQuery(r, "limit", 0),
	}
	runs, err := api.service.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunView(run, nil))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *releaseAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := api.service.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toRunView(view.Run, view.Gates)})
}

type evaluationView struct {
	Run            runView `json:"run"`
	Recommendation string  `json:"recommendation"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
}

func toEvaluationView(result releases.EvaluationResult) evaluationView {
	return evaluationView{
		Run:            toRunView(result.Run, result.Gates),
		Recommendation: string(result.Recommendation),
		Passed:         result.Readiness.Passed,
		Failed:         result.Readiness.Failed,
		Pending:        result.Readiness.Pending,
	}
}

func (api *releaseAPI) handleEvaluateRun(w http.ResponseWriter, r *http.Request) {
	result, err := api.service.Evaluate(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.auditEvaluation(r, result)
	api.writeJSON(w, http.StatusOK, toEvaluationView(result))
}

type evaluateRunsRequest struct {
	RunIDs []string `json:"run_ids"`
}

type batchItemView struct {
	RunID      string          `json:"run_id"`
	Evaluation *evaluationView `json:"evaluation,omitempty"`
	Error      *errorView      `json:"error,omitempty"`
}

func (api *releaseAPI) handleEvaluateRuns(w http.ResponseWriter, r *http.Request) {
	var req evaluateRunsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.RunIDs) > maxBatchRuns {
		api.writeServiceError(w, r, apperrors.Validation("run_ids", "too many run ids: max "+strconv.Itoa(maxBatchRuns)))
		return
	}

	results, err := api.service.EvaluateMany(r.Context(), req.RunIDs)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]batchItemView, 0, len(results))
	for _, res := range results {
		item := batchItemView{RunID: res.RunID}
		if res.Err != nil {
			view := api.errorView(r, res.Err)
			item.Error = &view
		} else {
			api.auditEvaluation(r, res.Result)
			view := toEvaluationView(res.Result)
			item.Evaluation = &view
		}
		out = append(out, item)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type recordMetricsRequest struct {
	Metrics domain.Metadata `json:"metrics"`
}

func (api *releaseAPI) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	var req recordMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	runID := r.PathValue("run_id")
	gateKey := r.PathValue("gate_key")
	gate, err := api.service.RecordGateMetrics(r.Context(), runID, gateKey, req.Metrics)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	keys := make([]string, 0, len(req.Metrics))
	for k := range req.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	api.appendAudit(r, domain.AuditEvent{
		Action:       domain.AuditActionGateMetrics,
		ResourceType: domain.AuditResourceReleaseRun,
		ResourceID:   gate.RunID,
		Payload: domain.Metadata{
			"gate_key":    gate.GateKey,
			"metric_keys": keys,
		},
	})
	api.writeJSON(w, http.StatusOK, map[string]any{"gate": toGateView(gate)})
}

func (api *releaseAPI) handleGetChecklist(w http.ResponseWriter, r *http.Request) {
	templates, err := api.templates.List(r.Context())
	if err != nil {
		api.writeServiceError(w, r, apperrors.TemplateSource(err))
		return
	}
	warnings, err := checklist.Validate(templates)
	if err != nil {
		api.writeServiceError(w, r, apperrors.TemplateSource(err))
		return
	}
	if templates == nil {
		templates = []domain.ChecklistItemTemplate{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"schema":   checklist.DocumentSchemaV1,
		"items":    templates,
		"warnings": warnings,
	})
}

func (api *releaseAPI) auditEvaluation(r *http.Request, result releases.EvaluationResult) {
	api.appendAudit(r, domain.AuditEvent{
		Action:       domain.AuditActionRunEvaluated,
		ResourceType: domain.AuditResourceReleaseRun,
		ResourceID:   result.Run.PublicID,
		Payload: domain.Metadata{
			"status":          string(result.Run.Status),
			"recommendation":  string(result.Recommendation),
			"readiness_score": result.Readiness.Score,
		},
	})
}

// appendAudit records event on a best-effort basis; the request has already
// succeeded when it runs.
func (api *releaseAPI) appendAudit(r *http.Request, event domain.AuditEvent) {
	if api.audit == nil {
		return
	}
	if strings.TrimSpace(event.Actor) == "" {
		event.Actor = requestActor(r)
	}
	event.OccurredAt = api.now().UTC()
	event.RequestID, _ = httpserver.RequestIDFromContext(r.Context())
	event.IP = requestIP(r.RemoteAddr)
	event.UserAgent = r.UserAgent()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	if _, err := api.audit.Append(ctx, event); err != nil {
		api.logger.Warn("audit append failed",
			"request_id", event.RequestID,
			"action", event.Action,
			"resource_id", event.ResourceID,
			"error", err,
		)
	}
}

type errorView struct {
	Code      string `json:"error"`
	Message   string `json:"message,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

func (api *releaseAPI) errorView(r *http.Request, err error) errorView {
	code := apperrors.CodeOf(err)
	view := errorView{
		Code:      strings.ToLower(string(code)),
		Retryable: code.Retryable(),
		RequestID: r.Header.Get("X-Request-Id"),
	}
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		view.Field = coded.Metadata["field"]
		switch code {
		case apperrors.CodeValidation, apperrors.CodeNotFound:
			view.Message = coded.Message
		}
	}
	return view
}

func (api *releaseAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		api.logger.Error("request failed",
			"request_id", r.Header.Get("X-Request-Id"),
			"path", r.URL.Path,
			"code", string(code),
			"error", err,
		)
	}
	api.writeJSON(w, status, api.errorView(r, err))
}

func (api *releaseAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *releaseAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// requestActor prefers the verified identity and falls back to the
// self-reported actor header when authentication is disabled.
func requestActor(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if actor := identity.Actor(); actor != "" {
			return actor
		}
	}
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}
	return defaultActor
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}
