// Command caseledgerd runs the case lifecycle authority daemon: the
// signed commit ledger, the lifecycle state machine, the verification
// and appeal services, and the periodic integrity and reconciliation
// jobs, behind a JSON command surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relieflane/caseledger/pkg/api"
	"github.com/relieflane/caseledger/pkg/appeal"
	"github.com/relieflane/caseledger/pkg/auth"
	"github.com/relieflane/caseledger/pkg/config"
	"github.com/relieflane/caseledger/pkg/decision"
	"github.com/relieflane/caseledger/pkg/idempotency"
	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/observability"
	"github.com/relieflane/caseledger/pkg/reconcile"
	"github.com/relieflane/caseledger/pkg/storage"
	"github.com/relieflane/caseledger/pkg/verification"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("daemon failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	keys, err := keyring.Load(cfg.KeystorePath)
	if err != nil {
		return err
	}
	slog.Info("ledger keyring loaded", slog.String("key_id", keys.KeyID()))

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.NewProvider(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	profiles, err := config.LoadProfiles(cfg.ProfileDir)
	if err != nil {
		return err
	}
	slog.Info("tenant profiles loaded", slog.Int("count", len(profiles)))

	tenantTimeouts := make(map[string]time.Duration)
	sweepRates := make(map[string]float64)
	for tenant, profile := range profiles {
		if profile.Verification.Timeout > 0 {
			tenantTimeouts[tenant] = profile.Verification.Timeout
		}
		if profile.SweepRate > 0 {
			sweepRates[tenant] = profile.SweepRate
		}
	}

	ledgerStore := ledger.NewStore(keys)
	machine := lifecycle.NewMachine(db, ledgerStore).WithObservability(obs)
	decisions := decision.NewRegistry(db, machine)
	engine := verification.NewEngine(db, ledgerStore, machine).
		WithTimeout(cfg.VerificationTimeout).
		WithTenantTimeouts(tenantTimeouts).
		WithObservability(obs)
	appeals := appeal.NewService(db, ledgerStore, machine)
	reconciler := reconcile.NewService(db, ledgerStore).
		WithTenantSweepRates(sweepRates).
		WithObservability(obs)

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idem = idempotency.NewRedisStore(client, 24*time.Hour)
	}

	go integrityLoop(ctx, db, ledgerStore, cfg.IntegrityInterval)
	go sweepLoop(ctx, db, reconciler, obs, cfg.SweepInterval)

	srv := &api.Server{
		DB:               db,
		Ledger:           ledgerStore,
		Machine:          machine,
		Decisions:        decisions,
		Engine:           engine,
		Appeals:          appeals,
		Reconciler:       reconciler,
		Idem:             idem,
		Tokens:           auth.NewTokenManager([]byte(cfg.AuthSecret)),
		Profiles:         profiles,
		DefaultVerifiers: cfg.RequiredVerifiers,
	}

	limiter := auth.NewRateLimiter(50, 100)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           auth.RequestID(limiter.Middleware(srv.Routes())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("caseledgerd listening", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// integrityLoop runs the full-ledger verification off the request path.
func integrityLoop(ctx context.Context, db *storage.DB, store *ledger.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := store.VerifyIntegrity(ctx, db)
			if err != nil {
				slog.ErrorContext(ctx, "integrity check failed", slog.String("error", err.Error()))
				continue
			}
			if report.Status == ledger.IntegrityCorrupted {
				slog.ErrorContext(ctx, "ledger corrupted",
					slog.String("commit_id", report.CorruptedCommitID),
					slog.String("detail", report.Detail))
				continue
			}
			slog.InfoContext(ctx, "ledger healthy", slog.Int("records", report.RecordCount))
		}
	}
}

// sweepLoop reconciles every tenant's cases on a fixed cadence.
func sweepLoop(ctx context.Context, db *storage.DB, reconciler *reconcile.Service, obs *observability.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			tenants, err := storage.ListTenants(ctx, db)
			if err != nil {
				slog.ErrorContext(ctx, "list tenants failed", slog.String("error", err.Error()))
				continue
			}
			for _, tenant := range tenants {
				report, err := reconciler.Sweep(ctx, tenant)
				if err != nil {
					slog.ErrorContext(ctx, "sweep failed",
						slog.String("tenant_id", tenant), slog.String("error", err.Error()))
					continue
				}
				slog.InfoContext(ctx, "sweep complete",
					slog.String("tenant_id", tenant),
					slog.Int("cases", report.Cases),
					slog.Int("repaired", report.Repaired),
					slog.Int("failed", report.Failed))
			}
			obs.SweepLatency.Record(ctx, time.Since(start).Seconds())
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
