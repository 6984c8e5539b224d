package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"imapgate/internal/auth"
	"imapgate/internal/blobstorage"
	"imapgate/internal/conf"
	"imapgate/internal/db"
	"imapgate/internal/logging"
	"imapgate/internal/metrics"
	"imapgate/internal/notify"
	"imapgate/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to optional .env file with secrets")
	dbPath := flag.String("db", "", "Path to database directory (overrides config)")
	flag.Parse()

	cfg, err := conf.LoadConfig(*configPath)
	if errors.Is(err, conf.ErrNoConfigFile) {
		cfg = conf.DefaultConfig()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := conf.LoadEnv(cfg, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load environment: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *conf.Config, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level.Info(logger).Log("msg", "starting imapgate", "version", server.Version, "domain", cfg.Domain)

	dbManager, err := db.NewDBManager(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database manager: %w", err)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			level.Error(logger).Log("msg", "error closing database manager", "err", err)
		}
	}()
	level.Info(logger).Log("msg", "database manager initialized", "path", cfg.Database.Path)

	opts := db.Options{
		Domain:     cfg.Domain,
		BcryptCost: cfg.Auth.BcryptCost,
		Tokens:     auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
	}

	if cfg.BlobStorage.Enabled {
		s3Storage, err := blobstorage.NewS3BlobStorage(ctx, cfg.BlobStorage)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to initialize S3 blob storage, falling back to local SQLite storage", "err", err)
		} else {
			opts.Blobs = s3Storage
			level.Info(logger).Log("msg", "S3 blob storage initialized", "endpoint", cfg.BlobStorage.Endpoint, "bucket", cfg.BlobStorage.Bucket)
		}
	} else {
		level.Info(logger).Log("msg", "S3 blob storage is disabled, using local SQLite storage")
	}

	m := metrics.New(cfg.Metrics.Enabled)
	imapServer := server.NewIMAPServer(server.Options{
		Config:  cfg,
		Store:   db.NewStore(dbManager, opts),
		Logger:  logger,
		Metrics: m,
	})
	imapServer.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Listen.IMAP != "" {
		g.Go(func() error {
			return imapServer.ListenAndServe(gctx, cfg.Listen.IMAP)
		})
	}
	if cfg.Listen.IMAPS != "" {
		if imapServer.TLSAvailable() {
			g.Go(func() error {
				return imapServer.ListenAndServeTLS(gctx, cfg.Listen.IMAPS)
			})
		} else {
			level.Warn(logger).Log("msg", "IMAPS listener disabled, no TLS certificate configured", "addr", cfg.Listen.IMAPS)
		}
	}

	if cfg.Listen.HTTP != "" {
		srv := &http.Server{
			Addr:              cfg.Listen.HTTP,
			Handler:           newHTTPMux(imapServer, opts.Tokens, cfg.Metrics.Enabled, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			level.Info(logger).Log("msg", "HTTP listening", "addr", cfg.Listen.HTTP, "metrics", cfg.Metrics.Enabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		level.Warn(logger).Log("msg", "HTTP listener disabled, new mail notifications will not reach idling sessions")
	}

	g.Go(func() error {
		<-gctx.Done()
		level.Info(logger).Log("msg", "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return imapServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHTTPMux serves /notify and, when enabled, /metrics. /notify rejects
// every request unless token auth is configured.
func newHTTPMux(n notify.Notifier, tokens *auth.TokenVerifier, withMetrics bool, logger log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	if withMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}

	var verifier notify.Verifier
	if tokens != nil {
		verifier = tokens
	} else {
		level.Warn(logger).Log("msg", "no JWT secret configured, /notify rejects all requests")
	}
	mux.Handle("/notify", notify.NewHandler(n, verifier, logger))
	return mux
}
