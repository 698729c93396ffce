package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/repo"
)

type GateResultStore struct {
	db DB
}

const (
	gateColumns = `gate_result_id, run_id, gate_key, status, owner_email, metrics, notes,
		last_evaluated_at, created_at, updated_at`

	insertGateResultQuery = `INSERT INTO release_gate_results (
			gate_result_id,
			run_id,
			gate_key,
			status,
			owner_email,
			metrics,
			notes,
			last_evaluated_at,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id, gate_key) DO NOTHING`

	listGateResultsByRunQuery = `SELECT ` + gateColumns + `
		 FROM release_gate_results
		 WHERE run_id = $1
		 ORDER BY created_at ASC, gate_key ASC`

	upsertGateResultQuery = `INSERT INTO release_gate_results (
			gate_result_id,
			run_id,
			gate_key,
			status,
			owner_email,
			metrics,
			notes,
			last_evaluated_at,
			created_at,
			updated_at
		) VALUES (
			$1,
			$2,
			$3,
			COALESCE($4::text, 'pending'),
			COALESCE($5::text, ''),
			COALESCE($6::jsonb, '{}'::jsonb),
			COALESCE($7::text, ''),
			$8::timestamptz,
			$9,
			$9
		)
		ON CONFLICT (run_id, gate_key) DO UPDATE SET
			status = COALESCE($4::text, release_gate_results.status),
			owner_email = COALESCE($5::text, release_gate_results.owner_email),
			metrics = CASE
				WHEN $10::boolean THEN release_gate_results.metrics || COALESCE($6::jsonb, '{}'::jsonb)
				ELSE COALESCE($6::jsonb, release_gate_results.metrics)
			END,
			notes = COALESCE($7::text, release_gate_results.notes),
			last_evaluated_at = COALESCE($8::timestamptz, release_gate_results.last_evaluated_at),
			updated_at = $9
		RETURNING ` + gateColumns
)

func NewGateResultStore(db DB) *GateResultStore {
	if db == nil {
		return nil
	}
	return &GateResultStore{db: db}
}

// CreateGateResult inserts gate. A result that already exists for the same
// (run, gate key) is left untouched.
func (s *GateResultStore) CreateGateResult(ctx context.Context, gate domain.GateResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gate result store not initialized")
	}
	if err := gate.Validate(); err != nil {
		return err
	}
	metricsJSON, err := encodeMetadata(gate.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	createdAt := normalizeTime(gate.CreatedAt)
	updatedAt := createdAt
	if !gate.UpdatedAt.IsZero() {
		updatedAt = gate.UpdatedAt.UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		insertGateResultQuery,
		strings.TrimSpace(gate.PublicID),
		strings.TrimSpace(gate.RunID),
		strings.TrimSpace(gate.GateKey),
		string(domain.NormalizeGateStatus(string(gate.Status))),
		strings.TrimSpace(gate.OwnerEmail),
		metricsJSON,
		gate.Notes,
		nullTime(gate.LastEvaluatedAt),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert gate result: %w", err)
	}
	return nil
}

func (s *GateResultStore) ListGateResults(ctx context.Context, runID string) ([]domain.GateResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gate result store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listGateResultsByRunQuery, runID)
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

func (s *GateResultStore) UpsertGateResult(ctx context.Context, runID, gateKey string, patch repo.GatePatch) (domain.GateResult, error) {
	if s == nil || s.db == nil {
		return domain.GateResult{}, fmt.Errorf("gate result store not initialized")
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
	var metricsJSON []byte
	if patch.Metrics != nil {
		encoded, err := encodeMetadata(patch.Metrics)
		if err != nil {
			return domain.GateResult{}, fmt.Errorf("encode metrics: %w", err)
		}
		metricsJSON = encoded
	}
	var notes sql.NullString
	if patch.Notes != nil {
		notes = sql.NullString{String: *patch.Notes, Valid: true}
	}

	gate, err := scanGate(s.db.QueryRowContext(
		ctx,
		upsertGateResultQuery,
		uuid.NewString(),
		runID,
		gateKey,
		status,
		owner,
		metricsJSON,
		notes,
		nullTime(patch.LastEvaluatedAt),
		normalizeTime(patch.UpdatedAt),
		patch.MergeMetrics,
	))
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("upsert gate result: %w", err)
	}
	return gate, nil
}

func scanGate(row scanner) (domain.GateResult, error) {
	var (
		gate          domain.GateResult
		status        string
		metricsJSON   []byte
		lastEvaluated sql.NullTime
	)
	if err := row.Scan(&gate.PublicID, &gate.RunID, &gate.GateKey, &status, &gate.OwnerEmail, &metricsJSON, &gate.Notes,
		&lastEvaluated, &gate.CreatedAt, &gate.UpdatedAt); err != nil {
		return domain.GateResult{}, err
	}
	gate.Status = domain.GateStatus(status)
	metrics, err := decodeMetadata(metricsJSON)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("decode metrics: %w", err)
	}
	gate.Metrics = metrics
	if lastEvaluated.Valid {
		at := lastEvaluated.Time.UTC()
		gate.LastEvaluatedAt = &at
	}
	gate.CreatedAt = gate.CreatedAt.UTC()
	gate.UpdatedAt = gate.UpdatedAt.UTC()
	return gate, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
