package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/platform/auth"
	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	sqliterepo "github.com/animus-labs/releasegate/internal/repo/sqlite"
	"github.com/animus-labs/releasegate/internal/service/releases"
)

type captureAudit struct {
	mu     sync.Mutex
	next   *sqliterepo.Store
	events []domain.AuditEvent
	err    error
}

func (c *captureAudit) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.next.Append(ctx, event)
}

func (c *captureAudit) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type apiHarness struct {
	handler http.Handler
	audit   *captureAudit
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := sqliterepo.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	templates := checklist.NewCache(checklist.NewStaticSource(checklist.DefaultTemplates()), 0)
	service := releases.New(templates, store, store, releases.WithLogger(logger))
	require.NotNil(t, service)

	audit := &captureAudit{next: store}
	mux := http.NewServeMux()
	newReleaseAPI(logger, service, templates, audit).register(mux)
	return &apiHarness{handler: httpserver.Wrap(logger, serviceName, mux), audit: audit}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "release-bot@example.com")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (h *apiHarness) schedule(t *testing.T, body map[string]any) string {
	t.Helper()
	status, out := h.do(t, http.MethodPost, "/release-runs", body)
	require.Equal(t, http.StatusCreated, status, out)
	run := out["run"].(map[string]any)
	return run["run_id"].(string)
}

func scheduleBody() map[string]any {
	return map[string]any{
		"version_tag":        "v3.1.0",
		"environment":        "production",
		"initiated_by_email": "dev@example.com",
		"change_ticket":      "CHG-42",
		"required_gates":     []string{"quality-verification"},
	}
}

func TestScheduleEvaluateFlow(t *testing.T) {
	h := newAPIHarness(t)
	runID := h.schedule(t, scheduleBody())

	status, out := h.do(t, http.MethodGet, "/release-runs/"+runID, nil)
	require.Equal(t, http.StatusOK, status)
	run := out["run"].(map[string]any)
	assert.Equal(t, "scheduled", run["status"])
	assert.Len(t, run["gates"], 3)
	assert.Len(t, run["checklist_snapshot"], 3)

	status, out = h.do(t, http.MethodPut, "/release-runs/"+runID+"/gates/quality-verification/metrics", map[string]any{
		"metrics": map[string]any{"coverage": 0.93, "testFailureRate": 0.01},
	})
	require.Equal(t, http.StatusOK, status, out)
	gate := out["gate"].(map[string]any)
	assert.Equal(t, "pending", gate["status"])

	status, out = h.do(t, http.MethodPost, "/release-runs/"+runID+"/evaluate", nil)
	require.Equal(t, http.StatusOK, status, out)
	run = out["run"].(map[string]any)
	assert.Equal(t, "ready", run["status"])
	assert.Equal(t, float64(100), run["readiness_score"])
	assert.Equal(t, "ready", out["recommendation"])
	assert.Equal(t, float64(1), out["passed"])

	assert.Equal(t, []string{
		domain.AuditActionRunScheduled,
		domain.AuditActionGateMetrics,
		domain.AuditActionRunEvaluated,
	}, h.audit.actions())
	assert.Equal(t, "release-bot@example.com", h.audit.events[0].Actor)
	assert.Equal(t, "dev@example.com", h.audit.events[0].Payload["initiated_by_email"])
	assert.Equal(t, "release-bot@example.com", h.audit.events[1].Actor)
	assert.NotEmpty(t, h.audit.events[2].RequestID)
}

func TestScheduleValidationErrors(t *testing.T) {
	h := newAPIHarness(t)

	body := scheduleBody()
	delete(body, "change_ticket")
	status, out := h.do(t, http.MethodPost, "/release-runs", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", out["error"])
	assert.Equal(t, "change_ticket", out["field"])
	assert.Equal(t, false, out["retryable"])

	body = scheduleBody()
	body["required_gates"] = []string{"does-not-exist"}
	status, out = h.do(t, http.MethodPost, "/release-runs", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "required_gates", out["field"])

	body = scheduleBody()
	body["unexpected"] = true
	status, out = h.do(t, http.MethodPost, "/release-runs", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_json", out["error"])

	assert.Empty(t, h.audit.actions())
}

func TestScheduleWithoutRequiredGatesRequiresAll(t *testing.T) {
	h := newAPIHarness(t)
	body := scheduleBody()
	delete(body, "required_gates")
	status, out := h.do(t, http.MethodPost, "/release-runs", body)
	require.Equal(t, http.StatusCreated, status)
	run := out["run"].(map[string]any)
	assert.Len(t, run["required_gates"], 3)

	body["required_gates"] = []string{}
	status, out = h.do(t, http.MethodPost, "/release-runs", body)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, out["warnings"])
}

func TestEvaluateUnknownRun(t *testing.T) {
	h := newAPIHarness(t)
	status, out := h.do(t, http.MethodPost, "/release-runs/missing/evaluate", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out["error"])
	assert.NotEmpty(t, out["request_id"])
}

func TestEvaluateBlockedRun(t *testing.T) {
	h := newAPIHarness(t)
	runID := h.schedule(t, scheduleBody())
	status, _ := h.do(t, http.MethodPut, "/release-runs/"+runID+"/gates/quality-verification/metrics", map[string]any{
		"metrics": map[string]any{"coverage": 0.5, "testFailureRate": 0.01},
	})
	require.Equal(t, http.StatusOK, status)

	status, out := h.do(t, http.MethodPost, "/release-runs/"+runID+"/evaluate", nil)
	require.Equal(t, http.StatusOK, status)
	run := out["run"].(map[string]any)
	assert.Equal(t, "blocked", run["status"])
	assert.Equal(t, float64(0), run["readiness_score"])
}

func TestEvaluateBatch(t *testing.T) {
	h := newAPIHarness(t)
	first := h.schedule(t, scheduleBody())
	second := h.schedule(t, scheduleBody())

	status, out := h.do(t, http.MethodPost, "/release-runs:evaluate", map[string]any{
		"run_ids": []string{first, "missing", second},
	})
	require.Equal(t, http.StatusOK, status, out)
	results := out["results"].([]any)
	require.Len(t, results, 3)

	firstItem := results[0].(map[string]any)
	assert.Equal(t, first, firstItem["run_id"])
	assert.NotNil(t, firstItem["evaluation"])

	missing := results[1].(map[string]any)
	assert.Equal(t, "not_found", missing["error"].(map[string]any)["error"])

	status, out = h.do(t, http.MethodPost, "/release-runs:evaluate", map[string]any{"run_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "run_ids", out["field"])
}

func TestListRuns(t *testing.T) {
	h := newAPIHarness(t)
	h.schedule(t, scheduleBody())
	staging := scheduleBody()
	staging["environment"] = "staging"
	h.schedule(t, staging)

	status, out := h.do(t, http.MethodGet, "/release-runs?environment=staging", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["runs"], 1)

	status, out = h.do(t, http.MethodGet, "/release-runs?status=scheduled&limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["runs"], 2)

	status, _ = h.do(t, http.MethodGet, "/release-runs?status=shipped", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRecordMetricsRejectsUnknownGate(t *testing.T) {
	h := newAPIHarness(t)
	runID := h.schedule(t, scheduleBody())
	status, out := h.do(t, http.MethodPut, "/release-runs/"+runID+"/gates/nope/metrics", map[string]any{
		"metrics": map[string]any{"coverage": 1},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "gate_key", out["field"])
}

func TestGetChecklist(t *testing.T) {
	h := newAPIHarness(t)
	status, out := h.do(t, http.MethodGet, "/checklist", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, checklist.DocumentSchemaV1, out["schema"])
	assert.Len(t, out["items"], 3)
}

func TestAuditFailureDoesNotFailRequest(t *testing.T) {
	h := newAPIHarness(t)
	h.audit.err = errors.New("audit table locked")
	h.schedule(t, scheduleBody())
	assert.Equal(t, []string{domain.AuditActionRunScheduled}, h.audit.actions())
}

func TestAuthenticatedActorOverridesHeader(t *testing.T) {
	h := newAPIHarness(t)
	const secret = "releasegate-test-secret"
	authn, err := auth.NewHeadersAuthenticator(auth.Config{InternalSecret: secret, MaxSkew: time.Minute})
	require.NoError(t, err)
	handler := auth.Middleware{Authenticator: authn, Authorize: auth.MethodRoleAuthorizer()}.Wrap(h.handler)

	signed := auth.SignedHeaders{
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		Method:    http.MethodPost,
		Path:      "/release-runs",
		RequestID: "req-auth-1",
		Subject:   "svc-deployer",
		Email:     "deployer@example.com",
		Roles:     auth.RoleReleaser,
	}
	sig, err := auth.Sign(secret, signed)
	require.NoError(t, err)

	blob, err := json.Marshal(scheduleBody())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/release-runs", bytes.NewReader(blob))
	req.Header.Set(actorHeader, "spoofed@example.com")
	req.Header.Set("X-Request-Id", signed.RequestID)
	req.Header.Set(auth.HeaderTimestamp, signed.Timestamp)
	req.Header.Set(auth.HeaderSubject, signed.Subject)
	req.Header.Set(auth.HeaderEmail, signed.Email)
	req.Header.Set(auth.HeaderRoles, signed.Roles)
	req.Header.Set(auth.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	runID := out["run"].(map[string]any)["run_id"].(string)

	metrics, err := json.Marshal(map[string]any{"metrics": map[string]any{"coverage": 0.95}})
	require.NoError(t, err)
	path := "/release-runs/" + runID + "/gates/quality-verification/metrics"
	signed.Method = http.MethodPut
	signed.Path = path
	sig, err = auth.Sign(secret, signed)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPut, path, bytes.NewReader(metrics))
	req.Header.Set(actorHeader, "spoofed@example.com")
	req.Header.Set("X-Request-Id", signed.RequestID)
	req.Header.Set(auth.HeaderTimestamp, signed.Timestamp)
	req.Header.Set(auth.HeaderSubject, signed.Subject)
	req.Header.Set(auth.HeaderEmail, signed.Email)
	req.Header.Set(auth.HeaderRoles, signed.Roles)
	req.Header.Set(auth.HeaderSignature, sig)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	actions := h.audit.actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "deployer@example.com", h.audit.events[0].Actor)
	assert.Equal(t, "dev@example.com", h.audit.events[0].Payload["initiated_by_email"])
	assert.Equal(t, "deployer@example.com", h.audit.events[1].Actor)
}
