// Command butler-registry runs the artifact registry and run orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/butlerhq/butler-registry/pkg/api"
	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/cascade"
	"github.com/butlerhq/butler-registry/pkg/config"
	"github.com/butlerhq/butler-registry/pkg/dag"
	"github.com/butlerhq/butler-registry/pkg/dispatch"
	"github.com/butlerhq/butler-registry/pkg/helmcache"
	"github.com/butlerhq/butler-registry/pkg/ingest"
	"github.com/butlerhq/butler-registry/pkg/observability"
	"github.com/butlerhq/butler-registry/pkg/outputs"
	"github.com/butlerhq/butler-registry/pkg/policy"
	"github.com/butlerhq/butler-registry/pkg/queue"
	"github.com/butlerhq/butler-registry/pkg/ratelimit"
	"github.com/butlerhq/butler-registry/pkg/storage"
	"github.com/butlerhq/butler-registry/pkg/store"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "butler-registry:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "butler-registry",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, log)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Init(ctx); err != nil {
		return err
	}
	log.Info("database ready", "url", redactDSN(cfg.Database.URL))

	auditor := audit.NewRecorder(db, log)
	q := queue.New(db, log, auditor, nil)
	resolver := outputs.NewResolver(db)
	executor := dag.NewExecutor(db, q, resolver, log, cfg.Dispatch.ConfirmationTimeout())
	q.SetNotifier(executor)
	cascader := cascade.NewManager(db, q, auditor, log)
	evaluator, err := policy.NewEvaluator(db, log)
	if err != nil {
		return err
	}
	helm := helmcache.New(cfg.HelmCache.TTL())
	ingester := ingest.NewService(db, evaluator, cascader, auditor, helm, log)

	fileBlobs, err := storage.NewFileBlobs(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	blobs := storage.NewFactory(fileBlobs)

	tokenLimiter, ipLimiter := buildLimiters(ctx, cfg, log)

	srv := api.NewServer(api.Options{
		DB:             db,
		Log:            log,
		Ingest:         ingester,
		Queue:          q,
		Executor:       executor,
		Cascader:       cascader,
		Evaluator:      evaluator,
		Blobs:          blobs,
		Helm:           helm,
		Auditor:        auditor,
		TokenLimiter:   tokenLimiter,
		IPLimiter:      ipLimiter,
		WebhookSecrets: cfg.Webhooks.Secrets(),
		ButlerURL:      cfg.Server.ButlerURL,
	})

	if cfg.Dispatch.Enabled {
		sender, err := buildSender(cfg.Dispatch)
		if err != nil {
			return err
		}
		d := dispatch.New(db, q, sender, executor, log, dispatch.Config{
			Enabled:   true,
			ButlerURL: cfg.Server.ButlerURL,
			PeaaS: dispatch.Target{
				Owner: cfg.Dispatch.PeaaSOwner,
				Repo:  cfg.Dispatch.PeaaSRepo,
			},
			MaxConcurrent:       cfg.Dispatch.MaxConcurrentRuns,
			RunTimeout:          cfg.Dispatch.RunTimeout(),
			ConfirmationTimeout: cfg.Dispatch.ConfirmationTimeout(),
		})
		go d.Run(ctx)
	} else {
		log.Info("dispatcher disabled")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown", "error", err)
	}
	return nil
}

// buildLimiters picks the Redis limiter when an address is configured so
// replicas share buckets; otherwise each process keeps its own.
func buildLimiters(ctx context.Context, cfg *config.Config, log *slog.Logger) (token, ip ratelimit.Limiter) {
	rlCfg := ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.BurstSize,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		log.Info("rate limiting via redis", "addr", cfg.Redis.Addr)
		return ratelimit.NewRedis(client, rlCfg, "rl:token"),
			ratelimit.NewRedis(client, rlCfg, "rl:ip")
	}

	tl := ratelimit.NewLocal(rlCfg)
	il := ratelimit.NewLocal(rlCfg)
	go tl.Run(ctx)
	go il.Run(ctx)
	return tl, il
}

func buildSender(d config.DispatchConfig) (dispatch.Sender, error) {
	if d.GitHubAppID != "" {
		key, err := d.GitHubAppPrivateKey()
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return nil, errors.New("github app dispatch requires a private key file")
		}
		return dispatch.NewGitHubAppClient(d.GitHubAPIBase, d.GitHubAppID, d.GitHubAppInstallationID, key)
	}
	if d.GitHubToken == "" {
		return nil, errors.New("dispatch enabled but no github credential configured")
	}
	return dispatch.NewGitHubClient(d.GitHubAPIBase, d.GitHubToken), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// redactDSN strips credentials from a DSN for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
