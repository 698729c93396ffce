package main

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	"github.com/animus-labs/releasegate/internal/platform/postgres"
	"github.com/animus-labs/releasegate/internal/repo"
	pgrepo "github.com/animus-labs/releasegate/internal/repo/postgres"
	sqliterepo "github.com/animus-labs/releasegate/internal/repo/sqlite"
)

// storage bundles the repositories of one backend.
type storage struct {
	runs  repo.ReleaseRunRepository
	gates repo.GateResultRepository
	audit repo.AuditEventAppender
	check httpserver.ReadinessCheck
	close func() error
}

func openStorage(ctx context.Context, cfg Config) (storage, error) {
	switch cfg.StoreDriver {
	case storeDriverPostgres:
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return storage{}, fmt.Errorf("database config: %w", err)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return storage{}, fmt.Errorf("database unavailable: %w", err)
		}
		if err := pgrepo.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return storage{}, fmt.Errorf("migrate: %w", err)
		}
		return storage{
			runs:  pgrepo.NewReleaseRunStore(db),
			gates: pgrepo.NewGateResultStore(db),
			audit: pgrepo.NewAuditAppender(db),
			check: httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			close: db.Close,
		}, nil
	case storeDriverSQLite:
		store, err := sqliterepo.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return storage{}, err
		}
		return storage{
			runs:  store,
			gates: store,
			audit: store,
			check: httpserver.ReadinessCheck{
				Name: "sqlite",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return store.PingContext(checkCtx)
				},
			},
			close: store.Close,
		}, nil
	default:
		return storage{}, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
