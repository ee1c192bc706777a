// Command server runs the pennywise API, the ingestion daemon and the
// reclassification schedule in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pennywise-app/pennywise/internal/daemon"
	"github.com/pennywise-app/pennywise/internal/httpapi"
	"github.com/pennywise-app/pennywise/internal/plugins"
	"github.com/pennywise-app/pennywise/internal/reclassify"
	"github.com/pennywise-app/pennywise/internal/scheduler"
	"github.com/pennywise-app/pennywise/pkg/client"
	"github.com/pennywise-app/pennywise/pkg/config"
	"github.com/pennywise-app/pennywise/pkg/logging"
	"github.com/pennywise-app/pennywise/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load(config.Options{
		File:    os.Getenv("PENNYWISE_CONFIG"),
		EnvFile: ".env",
	})
	logger := logging.Setup(logging.DefaultConfig())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := postgres.New(ctx, postgres.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Password: cfg.Password,
		SSLMode:  cfg.SSLMode,
	}, logger.With("component", "store"))
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := plugins.NewDefaultRegistry()
	if err != nil {
		return err
	}
	logger.Info("plugins registered",
		"readers", len(registry.ListReaders()),
		"writers", len(registry.ListWriters()),
	)

	exporters := make([]string, 0, len(cfg.Exporters))
	for _, exp := range cfg.Exporters {
		exporters = append(exporters, exp.Plugin)
	}
	reader := cfg.ReaderPlugin
	if reader == daemon.ReaderNone {
		reader = ""
	}
	scopes, err := registry.Scopes(reader, exporters...)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"reader", cfg.ReaderPlugin,
		"exporters", exporters,
		"scopes", scopes,
	)

	creds := client.Credentials{
		SecretFile: cfg.OAuth.ClientSecretFile,
		TokenFile:  cfg.OAuth.TokenFile,
		Scopes:     scopes,
	}

	runner := daemon.New(registry, store, nil, logger.With("component", "daemon"))
	reclassifier := reclassify.New(store, store, logger.With("component", "reclassify"),
		reclassify.WithWorkers(cfg.ClassifyWorkers))

	g, gctx := errgroup.WithContext(ctx)

	var startOnce sync.Once
	startIngestion := func() {
		startOnce.Do(func() {
			g.Go(func() error {
				err := runner.Run(gctx, cfg)
				if err != nil && !errors.Is(err, context.Canceled) {
					// The API stays up so the failure is visible through /status.
					logger.Error("ingestion failed", "error", err)
				}
				return nil
			})
		})
	}

	needsToken := len(scopes) > 0
	if needsToken {
		httpClient, err := creds.HTTPClient(ctx)
		switch {
		case errors.Is(err, client.ErrNoToken):
			logger.Warn("no oauth token; ingestion starts after authorization", "login", "/api/v1/oauth/login")
		case err != nil:
			return err
		default:
			runner.SetHTTPClient(httpClient)
			startIngestion()
		}
	} else {
		startIngestion()
	}

	var sched *scheduler.Scheduler
	if cfg.ReclassifySchedule != "" {
		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		sched, err = scheduler.New(cfg.ReclassifySchedule, loc, reclassifier, logger.With("component", "scheduler"))
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	deps := httpapi.Deps{
		Transactions:     store,
		Rules:            store,
		Reclassifier:     reclassifier,
		Ingestion:        runner,
		Stats:            store,
		Pinger:           store,
		OAuth:            creds,
		OAuthRedirectURL: cfg.OAuth.RedirectURL,
		Workers:          cfg.ClassifyWorkers,
		OnAuthorized: func() {
			if !needsToken {
				return
			}
			httpClient, err := creds.HTTPClient(gctx)
			if err != nil {
				logger.Error("failed to build authorized client", "error", err)
				return
			}
			runner.SetHTTPClient(httpClient)
			startIngestion()
		},
	}
	if sched != nil {
		deps.NextReclassify = sched.Next
	}

	server := httpapi.New(deps, cfg.Origins(), logger.With("component", "http"))
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.HTTPAddr) })

	return g.Wait()
}
