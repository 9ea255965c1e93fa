// sweepd is the delivery ledger daemon: it runs the retry sweep on a
// cron schedule and exposes a small authenticated admin API for manual
// sweeps, record inspection, and provider status webhooks.
package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/template"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/conveyorhq/conveyor/audit"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/observability"
	"github.com/conveyorhq/conveyor/send"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/store/postgres"
	redisstore "github.com/conveyorhq/conveyor/store/redis"
	"github.com/conveyorhq/conveyor/sweep"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("config error", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store error", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	provider := send.NewHTTPProvider(cfg.Provider.Endpoint, cfg.Provider.APIKey,
		send.WithTimeout(cfg.Provider.Timeout))

	source, err := templateSource(cfg.Provider)
	if err != nil {
		logger.Error("payload template error", slog.Any("error", err))
		os.Exit(1)
	}

	hooks := hook.NewRegistry(logger)
	hooks.Register(observability.NewMetricsHook())
	hooks.Register(audit.New(logRecorder(logger), audit.WithLogger(logger)))

	sweepOpts := []sweep.Option{
		sweep.WithLogger(logger),
		sweep.WithHooks(hooks),
		sweep.WithMaxRetries(cfg.Sweep.MaxRetries),
		sweep.WithBatchSize(cfg.Sweep.BatchSize),
		sweep.WithBackoff(backoff.NewExponential(cfg.Sweep.BackoffBase, cfg.Sweep.BackoffCap)),
	}
	if cfg.Sweep.RateLimit > 0 {
		sweepOpts = append(sweepOpts, sweep.WithRateLimit(cfg.Sweep.RateLimit, 1))
	}
	sweeper, err := sweep.New(store, provider, source, sweepOpts...)
	if err != nil {
		logger.Error("sweeper error", slog.Any("error", err))
		os.Exit(1)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Sweep.Schedule, func() {
		if _, runErr := sweeper.Run(ctx); runErr != nil {
			logger.Error("scheduled sweep failed", slog.Any("error", runErr))
		}
	}); err != nil {
		logger.Error("invalid sweep schedule",
			slog.String("schedule", cfg.Sweep.Schedule),
			slog.Any("error", err))
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(&server{
			store:   store,
			sweeper: sweeper,
			secret:  []byte(cfg.AuthSecret),
			logger:  logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("sweepd listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.StoreDriver),
			slog.String("schedule", cfg.Sweep.Schedule))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// openStore builds the configured delivery store and returns a cleanup
// function for its resources.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (delivery.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		s := redisstore.New(client, redisstore.WithLogger(logger))
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil

	default:
		s := memory.New()
		return s, func() { _ = s.Close() }, nil
	}
}

// templateSource renders payloads from the configured subject and body
// template. Deployments with richer content plug their own PayloadSource
// into the sweep library instead.
func templateSource(cfg ProviderConfig) (sweep.PayloadSource, error) {
	tmpl, err := template.New("body").Parse(cfg.BodyTemplate)
	if err != nil {
		return nil, err
	}
	return sweep.PayloadSourceFunc(func(_ context.Context, rec *delivery.Record) (*send.Payload, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, rec); err != nil {
			return nil, err
		}
		return &send.Payload{
			To:      rec.Recipient,
			Subject: cfg.Subject,
			Body:    buf.String(),
		}, nil
	}), nil
}

// logRecorder writes audit events as structured log lines. Deployments
// with a dedicated audit store swap in their own Recorder.
func logRecorder(logger *slog.Logger) audit.Recorder {
	return audit.RecorderFunc(func(_ context.Context, evt *audit.AuditEvent) error {
		logger.Info("audit event",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.Any("metadata", evt.Metadata))
		return nil
	})
}
