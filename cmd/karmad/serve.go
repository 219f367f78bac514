package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sabowaryan/agent-karma/pkg/api"
	"github.com/sabowaryan/agent-karma/pkg/auth"
	"github.com/sabowaryan/agent-karma/pkg/config"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/engine"
	"github.com/sabowaryan/agent-karma/pkg/events"
	"github.com/sabowaryan/agent-karma/pkg/observability"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/server"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

func logLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// openBackend connects to Postgres, or to the lite mode SQLite file.
func openBackend(ctx context.Context, cfg *config.Config) (*sql.DB, *store.SQLBackend, error) {
	if cfg.LiteMode {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Printf("[karmad] lite mode: using sqlite at %s", cfg.DatabaseURL)
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	backend := store.NewSQLBackend(db)
	if err := backend.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, backend, nil
}

func limiterStore(ctx context.Context, cfg *config.Config) api.LimiterStore {
	if cfg.RedisAddr == "" {
		return api.NewMemoryLimiterStore()
	}
	rs := api.NewRedisLimiterStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "")
	if err := rs.Ping(ctx); err != nil {
		log.Printf("[karmad] redis %s unreachable (%v), using in-process limiter", cfg.RedisAddr, err)
		return api.NewMemoryLimiterStore()
	}
	log.Printf("[karmad] rate limiter: redis %s", cfg.RedisAddr)
	return rs
}

//nolint:gocognit
func runServer(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "%sAgent Karma %s starting...%s\n", ColorBold+ColorBlue, Version, ColorReset)
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := loadParams(cfg.ParamsFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to load params: %v\n", err)
		return 1
	}
	if cfg.ParamsFile != "" {
		log.Printf("[karmad] params: loaded %s", cfg.ParamsFile)
	}

	seed, dev := validatorSeed(cfg)
	if dev {
		_, _ = fmt.Fprintf(stdout, "%sWARNING: using the development validator seed. Set KARMA_VALIDATOR_SEED in production.%s\n", ColorBold+ColorYellow, ColorReset)
	}
	keys, err := oracle.DeriveValidatorKeys([]byte(seed))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to derive validators: %v\n", err)
		return 1
	}
	validators, err := oracle.PublicSet(keys)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to build validator set: %v\n", err)
		return 1
	}

	db, backend, err := openBackend(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	log.Println("[karmad] store: ready")

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.Enabled = cfg.Telemetry
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to init telemetry: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
		Enabled: len(cfg.KafkaBrokers) > 0,
		Topic:   cfg.KafkaTopic,
		Brokers: cfg.KafkaBrokers,
		Acks:    1,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to init event publisher: %v\n", err)
		return 1
	}
	if err := publisher.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to start event publisher: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = publisher.Stop(sctx)
	}()

	eng, err := engine.New(ctx, contracts.Block{Time: time.Now().UTC()}, engine.Options{
		Params:     &params,
		Validators: validators,
		Backend:    backend,
		Events:     publisher,
		Telemetry:  telemetry,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to start engine: %v\n", err)
		return 1
	}
	log.Printf("[karmad] engine: ready (audit head %s)", eng.AuditHead())

	validator := auth.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		log.Println("[karmad] auth: KARMA_JWT_SECRET unset, mutations are disabled")
	}

	handler := server.New(eng, server.Options{
		Validator:   validator,
		Limiter:     limiterStore(ctx, cfg),
		Policy:      api.Policy{RPS: cfg.RateLimitRPS, Burst: max(1, int(cfg.RateLimitRPS*2))},
		CORSOrigins: cfg.CORSOrigins,
		Version:     Version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("[karmad] ready: http://localhost:%s", cfg.Port)
	log.Println("[karmad] press ctrl+c to stop")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Server error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
	}

	log.Println("[karmad] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
