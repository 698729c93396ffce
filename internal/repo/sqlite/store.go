// Package sqlite provides a SQLite-backed release store for single-node
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/platform/auditlog"
	"github.com/animus-labs/releasegate/internal/platform/migrate"
	"github.com/animus-labs/releasegate/internal/repo"
	"github.com/animus-labs/releasegate/internal/repo/sqlite/migrations"
)

// Store persists release runs, gate results and audit events in SQLite. It
// implements repo.ReleaseRunRepository, repo.GateResultRepository and
// repo.AuditEventAppender.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate.Apply(ctx, sqlDB, migrate.SQLite, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PingContext reports whether the database is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

const runColumns = `run_id, version_tag, environment, status, checklist_snapshot, metadata,
	initiated_by, change_ticket, created_at, updated_at`

func (s *Store) CreateRun(ctx context.Context, run domain.ReleaseRun) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	snapshot := run.ChecklistSnapshot
	if snapshot == nil {
		snapshot = []domain.ChecklistItemTemplate{}
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode checklist snapshot: %w", err)
	}
	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO release_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(run.PublicID),
		strings.TrimSpace(run.VersionTag),
		strings.TrimSpace(run.Environment),
		string(run.Status),
		string(snapshotJSON),
		string(metadataJSON),
		strings.TrimSpace(run.InitiatedBy),
		strings.TrimSpace(run.ChangeTicket),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert release run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, publicID string) (domain.ReleaseRun, error) {
	if err := s.ready(ctx); err != nil {
		return domain.ReleaseRun{}, err
	}
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return domain.ReleaseRun{}, fmt.Errorf("run id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM release_runs WHERE run_id = ?`, publicID)
	run, err := scanRun(row)
	if err != nil {
		return domain.ReleaseRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, publicID string, patch repo.RunPatch) (domain.ReleaseRun, error) {
	if err := s.ready(ctx); err != nil {
		return domain.ReleaseRun{}, err
	}
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return domain.ReleaseRun{}, fmt.Errorf("run id is required")
	}
	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	var score sql.NullFloat64
	if patch.ReadinessScore != nil {
		score = sql.NullFloat64{Float64: *patch.ReadinessScore, Valid: true}
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`UPDATE release_runs SET
		   status = COALESCE(?, status),
		   metadata = CASE WHEN ? IS NULL THEN metadata ELSE json_set(metadata, '$.readiness_score', ?) END,
		   updated_at = ?
		 WHERE run_id = ?
		 RETURNING `+runColumns,
		status,
		score,
		score,
		toMillis(updatedAt),
		publicID,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.ReleaseRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ReleaseRun, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if env := strings.TrimSpace(filter.Environment); env != "" {
		clauses = append(clauses, "environment = ?")
		args = append(args, env)
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	query := `SELECT ` + runColumns + ` FROM release_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list release runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.ReleaseRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list release runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (domain.ReleaseRun, error) {
	var (
		run          domain.ReleaseRun
		status       string
		snapshotJSON string
		metadataJSON string
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&run.PublicID, &run.VersionTag, &run.Environment, &status, &snapshotJSON, &metadataJSON,
		&run.InitiatedBy, &run.ChangeTicket, &createdAt, &updatedAt); err != nil {
		return domain.ReleaseRun{}, err
	}
	run.Status = domain.RunStatus(status)
	run.ChecklistSnapshot = []domain.ChecklistItemTemplate{}
	if snapshotJSON != "" {
		if err := json.Unmarshal([]byte(snapshotJSON), &run.ChecklistSnapshot); err != nil {
			return domain.ReleaseRun{}, fmt.Errorf("decode checklist snapshot: %w", err)
		}
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &run.Metadata); err != nil {
			return domain.ReleaseRun{}, fmt.Errorf("decode run metadata: %w", err)
		}
	}
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return run, nil
}

const gateColumns = `gate_result_id, run_id, gate_key, status, owner_email, metrics, notes,
	last_evaluated_at, created_at, updated_at`

// CreateGateResult inserts gate. A result that already exists for the same
// (run, gate key) is left untouched.
func (s *Store) CreateGateResult(ctx context.Context, gate domain.GateResult) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := gate.Validate(); err != nil {
		return err
	}
	metricsJSON, err := encodeMetrics(gate.Metrics)
	if err != nil {
		return err
	}
	createdAt := gate.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	updatedAt := gate.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO release_gate_results (`+gateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, gate_key) DO NOTHING`,
		strings.TrimSpace(gate.PublicID),
		strings.TrimSpace(gate.RunID),
		strings.TrimSpace(gate.GateKey),
		string(domain.NormalizeGateStatus(string(gate.Status))),
		strings.TrimSpace(gate.OwnerEmail),
		metricsJSON,
		gate.Notes,
		nullMillis(gate.LastEvaluatedAt),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert gate result: %w", err)
	}
	return nil
}

func (s *Store) ListGateResults(ctx context.Context, runID string) ([]domain.GateResult, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+gateColumns+` FROM release_gate_results WHERE run_id = ? ORDER BY created_at ASC, gate_key ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list gate results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.GateResult, 0)
	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		out = append(out, gate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list gate results: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertGateResult(ctx context.Context, runID, gateKey string, patch repo.GatePatch) (domain.GateResult, error) {
	if err := s.ready(ctx); err != nil {
		return domain.GateResult{}, err
	}
	runID = strings.TrimSpace(runID)
	gateKey = strings.TrimSpace(gateKey)
	if runID == "" {
		return domain.GateResult{}, fmt.Errorf("run id is required")
	}
	if gateKey == "" {
		return domain.GateResult{}, fmt.Errorf("gate key is required")
	}

	var status sql.NullString
	if patch.Status != nil {
		normalized := domain.NormalizeGateStatus(string(*patch.Status))
		if normalized == "" {
			return domain.GateResult{}, fmt.Errorf("gate status unsupported: %q", *patch.Status)
		}
		status = sql.NullString{String: string(normalized), Valid: true}
	}
	var owner sql.NullString
	if patch.OwnerEmail != nil {
		owner = sql.NullString{String: strings.TrimSpace(*patch.OwnerEmail), Valid: true}
	}
	var metrics sql.NullString
	if patch.Metrics != nil {
		encoded, err := encodeMetrics(patch.Metrics)
		if err != nil {
			return domain.GateResult{}, err
		}
		metrics = sql.NullString{String: encoded, Valid: true}
	}
	var notes sql.NullString
	if patch.Notes != nil {
		notes = sql.NullString{String: *patch.Notes, Valid: true}
	}
	evaluatedAt := nullMillis(patch.LastEvaluatedAt)
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	now := toMillis(updatedAt)

	row := s.sqlDB.QueryRowContext(
		ctx,
		`INSERT INTO release_gate_results (`+gateColumns+`)
		 VALUES (?, ?, ?, COALESCE(?, 'pending'), COALESCE(?, ''), COALESCE(?, '{}'), COALESCE(?, ''), ?, ?, ?)
		 ON CONFLICT (run_id, gate_key) DO UPDATE SET
		   status = COALESCE(?, status),
		   owner_email = COALESCE(?, owner_email),
		   metrics = CASE WHEN ? THEN json_patch(metrics, COALESCE(?, '{}')) ELSE COALESCE(?, metrics) END,
		   notes = COALESCE(?, notes),
		   last_evaluated_at = COALESCE(?, last_evaluated_at),
		   updated_at = ?
		 RETURNING `+gateColumns,
		uuid.NewString(), runID, gateKey, status, owner, metrics, notes, evaluatedAt, now, now,
		status, owner, patch.MergeMetrics, metrics, metrics, notes, evaluatedAt, now,
	)
	gate, err := scanGate(row)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("upsert gate result: %w", err)
	}
	return gate, nil
}

func scanGate(row scanner) (domain.GateResult, error) {
	var (
		gate          domain.GateResult
		status        string
		metricsJSON   string
		lastEvaluated sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	if err := row.Scan(&gate.PublicID, &gate.RunID, &gate.GateKey, &status, &gate.OwnerEmail, &metricsJSON, &gate.Notes,
		&lastEvaluated, &createdAt, &updatedAt); err != nil {
		return domain.GateResult{}, err
	}
	gate.Status = domain.GateStatus(status)
	gate.Metrics = domain.Metadata{}
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &gate.Metrics); err != nil {
			return domain.GateResult{}, fmt.Errorf("decode metrics: %w", err)
		}
		if gate.Metrics == nil {
			gate.Metrics = domain.Metadata{}
		}
	}
	if lastEvaluated.Valid {
		at := fromMillis(lastEvaluated.Int64)
		gate.LastEvaluatedAt = &at
	}
	gate.CreatedAt = fromMillis(createdAt)
	gate.UpdatedAt = fromMillis(updatedAt)
	return gate, nil
}

// Append writes an audit event with its integrity digest.
func (s *Store) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	id, err := auditlog.Insert(ctx, s.sqlDB, auditlog.DialectSQLite, auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		IP:           event.IP,
		UserAgent:    event.UserAgent,
		Payload:      payload,
	})
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

func encodeMetrics(meta domain.Metadata) (string, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	return string(data), nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
