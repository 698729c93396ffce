package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/repo"
)

type ReleaseRunStore struct {
	db DB
}

const (
	runColumns = `run_id, version_tag, environment, status, checklist_snapshot, metadata,
		initiated_by, change_ticket, created_at, updated_at`

	insertRunQuery = `INSERT INTO release_runs (
			run_id,
			version_tag,
			environment,
			status,
			checklist_snapshot,
			metadata,
			initiated_by,
			change_ticket,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	selectRunQuery = `SELECT ` + runColumns + `
		 FROM release_runs
		 WHERE run_id = $1`

	// checklist_snapshot and metadata.required_gates are never updated.
	updateRunQuery = `UPDATE release_runs SET
			status = COALESCE($2, status),
			metadata = CASE
				WHEN $3::double precision IS NULL THEN metadata
				ELSE jsonb_set(metadata, '{readiness_score}', to_jsonb($3::double precision), true)
			END,
			updated_at = $4
		 WHERE run_id = $1
		 RETURNING ` + runColumns
)

func NewReleaseRunStore(db DB) *ReleaseRunStore {
	if db == nil {
		return nil
	}
	return &ReleaseRunStore{db: db}
}

func (s *ReleaseRunStore) CreateRun(ctx context.Context, run domain.ReleaseRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("release run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	snapshotJSON, err := encodeSnapshot(run.ChecklistSnapshot)
	if err != nil {
		return fmt.Errorf("encode checklist snapshot: %w", err)
	}
	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := createdAt
	if !run.UpdatedAt.IsZero() {
		updatedAt = run.UpdatedAt.UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.PublicID),
		strings.TrimSpace(run.VersionTag),
		strings.TrimSpace(run.Environment),
		string(run.Status),
		snapshotJSON,
		metadataJSON,
		strings.TrimSpace(run.InitiatedBy),
		strings.TrimSpace(run.ChangeTicket),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert release run: %w", err)
	}
	return nil
}

func (s *ReleaseRunStore) GetRun(ctx context.Context, publicID string) (domain.ReleaseRun, error) {
	if s == nil || s.db == nil {
		return domain.ReleaseRun{}, fmt.Errorf("release run store not initialized")
	}
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return domain.ReleaseRun{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, publicID))
	if err != nil {
		return domain.ReleaseRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *ReleaseRunStore) UpdateRun(ctx context.Context, publicID string, patch repo.RunPatch) (domain.ReleaseRun, error) {
	if s == nil || s.db == nil {
		return domain.ReleaseRun{}, fmt.Errorf("release run store not initialized")
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
	run, err := scanRun(s.db.QueryRowContext(ctx, updateRunQuery, publicID, status, score, normalizeTime(patch.UpdatedAt)))
	if err != nil {
		return domain.ReleaseRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *ReleaseRunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ReleaseRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("release run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if env := strings.TrimSpace(filter.Environment); env != "" {
		args = append(args, env)
		clauses = append(clauses, fmt.Sprintf("environment = $%d", len(args)))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM release_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		snapshotJSON []byte
		metadataJSON []byte
	)
	if err := row.Scan(&run.PublicID, &run.VersionTag, &run.Environment, &status, &snapshotJSON, &metadataJSON,
		&run.InitiatedBy, &run.ChangeTicket, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return domain.ReleaseRun{}, err
	}
	run.Status = domain.RunStatus(status)
	snapshot, err := decodeSnapshot(snapshotJSON)
	if err != nil {
		return domain.ReleaseRun{}, fmt.Errorf("decode checklist snapshot: %w", err)
	}
	meta, err := decodeRunMetadata(metadataJSON)
	if err != nil {
		return domain.ReleaseRun{}, fmt.Errorf("decode run metadata: %w", err)
	}
	run.ChecklistSnapshot = snapshot
	run.Metadata = meta
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
