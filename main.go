package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "opsdesk/app/configs"
	httpserver "opsdesk/app/core/interaction/http"
	"opsdesk/app/core/llm"
	"opsdesk/app/core/realtime"
	"opsdesk/app/core/store"
	"opsdesk/app/core/triage"
	"opsdesk/app/pkg/logger"
)

func main() {
	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	zlog, err := logger.New(filepath.Join("output", "logs"), cfg.LogDebug)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()
	zlog.Info("opsdesk starting")

	database, err := store.NewSQLiteDB(cfg.Storage.DataDir)
	if err != nil {
		zlog.Fatal("database init failed", zap.Error(err))
	}
	defer database.Close()
	taskStore := store.NewStore(database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.SeedRoster {
		if err := taskStore.SeedRoster(ctx); err != nil {
			zlog.Fatal("roster seed failed", zap.Error(err))
		}
	}

	completer := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.Completer.APIKey,
		BaseURL: cfg.Completer.BaseURL,
		Model:   cfg.Completer.Model,
		Timeout: time.Duration(cfg.Completer.TimeoutSec) * time.Second,
	})
	broadcaster := realtime.NewBroadcaster(zlog, time.Duration(cfg.Realtime.HeartbeatSec)*time.Second)

	triageService := triage.NewService(
		taskStore,
		triage.NewExtractor(completer),
		taskStore,
		broadcaster,
		zlog,
		triageOptions(cfg),
	)

	server := httpserver.NewServer(cfg.Server.Port, triageService, taskStore, broadcaster, zlog)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		return cfgManager.Watch(groupCtx, zlog, func(updated config.Config) {
			triageService.SetOptions(triageOptions(updated))
		})
	})
	group.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			zlog.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	zlog.Info("opsdesk ready", zap.Int("port", cfg.Server.Port))
	if err := group.Wait(); err != nil {
		zlog.Fatal("runtime failure", zap.Error(err))
	}
}

func triageOptions(cfg config.Config) triage.Options {
	return triage.Options{
		SnapshotTimeout:   time.Duration(cfg.Storage.QueryTimeoutMS) * time.Millisecond,
		CompletionTimeout: time.Duration(cfg.Completer.TimeoutSec) * time.Second,
		CommitTimeout:     time.Duration(cfg.Triage.CommitTimeoutSec) * time.Second,
		SnapshotMembers:   cfg.Triage.SnapshotMembers,
		AutoApprove:       cfg.Triage.AutoApprove,
		PendingTTL:        time.Duration(cfg.Triage.PendingTTLMin) * time.Minute,
	}
}
