package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/audit"
	"github.com/Mindburn-Labs/creditlock/pkg/auth"
	"github.com/Mindburn-Labs/creditlock/pkg/config"
	"github.com/Mindburn-Labs/creditlock/pkg/crypto"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/keylock"
	"github.com/Mindburn-Labs/creditlock/pkg/ledger"
	"github.com/Mindburn-Labs/creditlock/pkg/mirror"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/ruleset"
	"github.com/Mindburn-Labs/creditlock/pkg/server"
	"github.com/Mindburn-Labs/creditlock/pkg/service"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
	"github.com/Mindburn-Labs/creditlock/pkg/store"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

const shutdownTimeout = 15 * time.Second

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	// 0. Infrastructure
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Printf("[creditlock] database: ready (%s)", db.Dialect)

	checks := map[string]server.Check{"database": db.PingContext}

	var locker keylock.Locker = keylock.New()
	if cfg.RedisAddr != "" {
		rl := keylock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.LockTTL)
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		locker = rl
		checks["redis"] = rl.Ping
		log.Printf("[creditlock] locks: redis %s", cfg.RedisAddr)
	} else {
		log.Println("[creditlock] locks: in-process")
	}

	var recordMirror service.Mirror
	if cfg.MirrorDir != "" {
		m, err := mirror.Open(mirror.Config{Path: cfg.MirrorDir, Logger: logger.With("component", "mirror")})
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		recordMirror = m
		log.Printf("[creditlock] mirror: %s", cfg.MirrorDir)
	}

	telemetry, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	// 1. Document engine
	rules, err := loadRules(cfg.File)
	if err != nil {
		return err
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	log.Printf("[creditlock] signer: %s %s", signer.KeyID(), signer.PublicKey())

	templateDir := ""
	if cfg.File != nil {
		templateDir = cfg.File.TemplateDir
	}
	renderer, err := render.NewTemplateRenderer(templateDir)
	if err != nil {
		return err
	}
	blobs, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}

	traces, err := trace.NewLogger(cfg.TraceDir)
	if err != nil {
		return err
	}

	// 2. Service
	l := ledger.New(store.NewReviewStore(db))
	svc, err := service.New(service.Deps{
		Ledger:              l,
		Snapshots:           snapshot.NewBuilder(l, store.NewSnapshotStore(db)),
		Engine:              document.NewEngine(document.WithSigner(signer), document.WithRules(rules)),
		Versions:            store.NewVersionStore(db),
		Locks:               formlock.NewManager(store.NewLockStore(db), locker),
		Traces:              traces,
		Locker:              locker,
		Mirror:              recordMirror,
		Renderer:            renderer,
		Artifacts:           blobs,
		Audit:               audit.NewLogger(),
		Telemetry:           telemetry,
		ClassifyConcurrency: cfg.ClassifyConcurrency,
	})
	if err != nil {
		return err
	}

	// 3. HTTP
	opts := server.Options{
		Keys:        apiKeys(cfg.File),
		JWT:         auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer),
		CORSOrigins: cfg.CORSOrigins,
		Checks:      checks,
	}
	if len(opts.Keys) == 0 && opts.JWT == nil {
		logger.Warn("no API keys or JWT secret configured; every API request will be rejected")
	}
	if cfg.RateLimitRPS > 0 {
		opts.Limiter = api.NewGlobalRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	srv, err := server.New(svc, opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[creditlock] listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("[creditlock] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func loadRules(f *config.File) (*ruleset.Registry, error) {
	reg, err := ruleset.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := reg.Register(ruleset.Default()); err != nil {
		return nil, err
	}
	if f != nil {
		for _, rs := range f.Rulesets {
			if err := reg.Register(rs); err != nil {
				return nil, err
			}
		}
	}
	log.Printf("[creditlock] rulesets: %v", reg.Versions())
	return reg, nil
}

// loadSigner derives the version signer from SIGNING_SECRET. Without one an ephemeral key is used,
// so signatures do not survive a restart.
func loadSigner(cfg *config.Config) (*crypto.Ed25519Signer, error) {
	if cfg.SigningSecret != "" {
		return crypto.DeriveSigner([]byte(cfg.SigningSecret), cfg.SigningKeyID)
	}
	slog.Warn("SIGNING_SECRET not set; using an ephemeral signing key")
	return crypto.NewEd25519Signer(cfg.SigningKeyID)
}

func apiKeys(f *config.File) map[string]auth.KeyGrant {
	if f == nil {
		return nil
	}
	out := make(map[string]auth.KeyGrant, len(f.APIKeys))
	for key, k := range f.KeyRoles() {
		out[key] = auth.KeyGrant{Name: k.Name, Role: k.Role}
	}
	return out
}
