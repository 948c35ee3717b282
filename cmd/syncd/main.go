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

	"go.uber.org/zap"

	"field-sync-service/internal/api"
	"field-sync-service/internal/backend"
	"field-sync-service/internal/config"
	"field-sync-service/internal/database"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/store"
	"field-sync-service/internal/sync"
	"field-sync-service/internal/token"
)

// tokenHook lets the backend client re-authenticate through the token
// manager, which itself needs the client to exist first.
type tokenHook struct {
	tokens *token.Manager
}

func (h *tokenHook) Token() string { return h.tokens.Token() }

func (h *tokenHook) RefreshTokenSync(tag string) string { return h.tokens.RefreshTokenSync(tag) }

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting field sync service")

	// Init State Store
	db, err := database.NewDatabase(cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to open state storage", zap.Error(err))
	}
	stateStore := store.NewSQLStore(db)
	defer stateStore.Close()

	ctx := context.Background()
	if err := stateStore.Migrate(ctx); err != nil {
		logger.Log.Fatal("Failed to migrate state storage", zap.Error(err))
	}

	// Backend client and token manager
	hook := &tokenHook{}
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout,
		backend.WithUserAgent(cfg.Backend.UserAgent),
		backend.WithReauth(hook),
	)
	tokens := token.NewManager(cfg.Token, client, stateStore)
	hook.tokens = tokens
	defer tokens.Close()

	// Inbound relay data
	applier := sync.NewApplier(cfg.Sync, stateStore)
	applier.Start()
	defer applier.Stop()

	coordinator := sync.NewCoordinator(cfg.Sync, cfg.Relay.AckTimeout, stateStore, tokens, client,
		sync.NewRelayFactory(cfg.Relay, applier))
	defer coordinator.Close()

	if cfg.Sync.AccountGUID != "" {
		if err := coordinator.Configure(ctx, cfg.Sync.AccountGUID); err != nil {
			logger.Log.Error("Failed to configure account",
				zap.String("account", cfg.Sync.AccountGUID), zap.Error(err))
		}
	}

	scheduler := sync.NewScheduler(cfg.Scheduler, coordinator)
	if err := scheduler.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(coordinator, cfg.Server.AuthToken, cfg.Server.CorsOrigins)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
}
