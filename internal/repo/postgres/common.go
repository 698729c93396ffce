package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/releasegate/internal/domain"
	"github.com/animus-labs/releasegate/internal/platform/migrate"
	"github.com/animus-labs/releasegate/internal/repo"
	"github.com/animus-labs/releasegate/internal/repo/postgres/migrations"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Migrate applies the embedded release schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := migrate.Apply(ctx, db, migrate.Postgres, migrations.FS, "."); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Metadata(out), nil
}

func encodeSnapshot(snapshot []domain.ChecklistItemTemplate) ([]byte, error) {
	if snapshot == nil {
		snapshot = []domain.ChecklistItemTemplate{}
	}
	return json.Marshal(snapshot)
}

func decodeSnapshot(raw []byte) ([]domain.ChecklistItemTemplate, error) {
	out := []domain.ChecklistItemTemplate{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRunMetadata(raw []byte) (domain.RunMetadata, error) {
	var out domain.RunMetadata
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RunMetadata{}, err
	}
	return out, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
