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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/configstore"
	"github.com/driftsync/driftsync/internal/crypto"
	"github.com/driftsync/driftsync/internal/executors"
	"github.com/driftsync/driftsync/internal/reconcile"
	"github.com/driftsync/driftsync/internal/runner"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	provider := crypto.New()
	identity, err := provider.IdentityFromMnemonic(cfg.Mnemonic)
	if err != nil {
		slog.Error("identity", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	configs := configstore.NewRegistry(store)
	client := transport.NewHTTPClient(cfg.SwarmURL, cfg.RequestRate)

	env := &executors.Env{
		Store:         store,
		Configs:       configs,
		Net:           client,
		Crypto:        provider,
		Identity:      identity,
		Log:           slog.Default(),
		SyncThrottle:  cfg.SyncThrottle,
		RetentionDays: cfg.RetentionDays,
		AttachmentDir: cfg.AttachmentDir,
	}
	env.Reconcile = reconcile.New(store, configs, env, slog.Default(), cfg.BufferWindow)

	r := runner.New(store, slog.Default(), runner.Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	})
	env.RegisterAll(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduleMaintenance(ctx, store, cfg.RetentionDays); err != nil {
		slog.Error("schedule maintenance", "error", err)
		os.Exit(1)
	}
	// Messages may have expired server-side while the daemon was down; poll
	// once so local timers catch up before the first sweep.
	if err := env.ScheduleExpiryPoll(ctx, identity.AccountID()); err != nil {
		slog.Error("schedule expiry poll", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:        cfg.MetricsAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("driftsync running", "account", identity.AccountID(), "db", cfg.DBPath)
	if err := r.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("runner", "error", err)
		os.Exit(1)
	}
}

// scheduleMaintenance makes sure the recurring background jobs exist: the
// disappearing-message sweep (armed at the earliest pending expiry) and the
// daily garbage collection.
func scheduleMaintenance(ctx context.Context, store *storage.Store, retentionDays int) error {
	next, err := store.NextExpiry(ctx)
	if err != nil {
		return err
	}
	if _, err := store.UpsertJob(ctx, &storage.Job{
		Variant:     storage.VariantDisappearingMessages,
		Behaviour:   storage.BehaviourRecurring,
		ThreadID:    "global",
		Details:     []byte("{}"),
		MaxFailures: storage.MaxFailuresInfinite,
		NextRunAt:   next,
	}); err != nil {
		return err
	}

	details, err := storage.EncodeDetails(&storage.GarbageCollectionDetails{RetentionDays: retentionDays})
	if err != nil {
		return err
	}
	gc := &storage.Job{
		Variant:     storage.VariantGarbageCollection,
		Behaviour:   storage.BehaviourRecurring,
		Details:     details,
		MaxFailures: storage.MaxFailuresInfinite,
		NextRunAt:   time.Now().UnixMilli(),
	}
	if _, err := store.UpsertJob(ctx, gc); err != nil {
		return err
	}
	return nil
}
