package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/animus-labs/releasegate/internal/checklist"
	"github.com/animus-labs/releasegate/internal/platform/auth"
	"github.com/animus-labs/releasegate/internal/platform/httpserver"
	"github.com/animus-labs/releasegate/internal/platform/objectstore"
	platformotel "github.com/animus-labs/releasegate/internal/platform/otel"
	"github.com/animus-labs/releasegate/internal/reports"
	"github.com/animus-labs/releasegate/internal/service/releases"
	storageobjectstore "github.com/animus-labs/releasegate/internal/storage/objectstore"
	"github.com/animus-labs/releasegate/internal/telemetry"
)

const meterName = "github.com/animus-labs/releasegate"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	shutdownTelemetry, err := platformotel.Setup(ctx, cfg.OTel, serviceName)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		os.Exit(2)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Error("storage unavailable", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.close() }()

	var source checklist.Source = checklist.NewStaticSource(checklist.DefaultTemplates())
	if cfg.ChecklistPath != "" {
		source = checklist.NewFileSource(cfg.ChecklistPath)
	}
	templates := checklist.NewCache(source, cfg.ChecklistTTL)
	if cfg.ChecklistPath != "" {
		watcher, err := checklist.NewWatcher(cfg.ChecklistPath, templates, logger)
		if err != nil {
			logger.Warn("checklist watcher disabled", "path", cfg.ChecklistPath, "error", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Warn("checklist watcher stopped", "error", err)
				}
			}()
		}
	}

	recorders := telemetry.Multi{telemetry.NewLogRecorder(logger)}
	otelRecorder, err := telemetry.NewOTelRecorder(otel.GetMeterProvider().Meter(meterName))
	if err != nil {
		logger.Warn("otel metrics disabled", "error", err)
	} else {
		recorders = append(recorders, otelRecorder)
	}

	opts := []releases.Option{
		releases.WithLogger(logger),
		releases.WithRecorder(recorders),
		releases.WithConcurrency(cfg.EvaluateConcurrency),
	}
	checks := []httpserver.ReadinessCheck{store.check}

	if cfg.ReportsEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()

		reportStore, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(2)
		}
		archiver, err := reports.NewArchiver(reportStore, storeCfg.BucketReports)
		if err != nil {
			logger.Error("report archiver init failed", "error", err)
			os.Exit(2)
		}
		opts = append(opts, releases.WithReportSink(archiver))
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, storeClient, storeCfg)
			},
		})
	}

	service := releases.New(templates, store.runs, store.gates, opts...)
	if service == nil {
		logger.Error("release service init failed")
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))

	api := newReleaseAPI(logger, service, templates, store.audit)
	api.register(mux)

	var handler http.Handler = mux
	if cfg.Auth.Enabled() {
		authn, err := auth.NewHeadersAuthenticator(cfg.Auth)
		if err != nil {
			logger.Error("auth init failed", "error", err)
			os.Exit(2)
		}
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authn,
			Authorize:     auth.MethodRoleAuthorizer(),
			SkipPaths:     []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	} else {
		logger.Warn("internal auth disabled; actors are taken from " + actorHeader)
	}

	if err := httpserver.Run(ctx, logger, cfg.HTTP, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
