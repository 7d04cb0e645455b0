package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/offlinecore/internal/config"
	"github.com/prudhvinik1/offlinecore/internal/connectivity"
	"github.com/prudhvinik1/offlinecore/internal/database"
	"github.com/prudhvinik1/offlinecore/internal/handlers"
	"github.com/prudhvinik1/offlinecore/internal/logging"
	"github.com/prudhvinik1/offlinecore/internal/remote"
	"github.com/prudhvinik1/offlinecore/internal/repositories"
	"github.com/prudhvinik1/offlinecore/internal/services"
	"github.com/prudhvinik1/offlinecore/internal/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const sessionSaltKey = "session:salt"

func main() {
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logging.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()

	// Session data is sealed with a key derived from the passphrase; the salt
	// lives next to it in the plain store.
	salt, err := repositories.LoadOrCreateSalt(ctx, store, sessionSaltKey)
	if err != nil {
		log.Fatalf("Failed to load session salt: %v", err)
	}
	key, err := utils.DeriveKey(cfg.SessionPassphrase, salt)
	if err != nil {
		log.Fatalf("Failed to derive session key: %v", err)
	}
	sessionRepo := repositories.NewKVSessionRepository(repositories.NewEncryptedStore(store, key))
	authService := services.NewAuthService(sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)

	sender := remote.NewHTTPSender(cfg.APIBaseURL, nil, authService, logging.Component(log, "sender"))

	var monitor interface {
		connectivity.Monitor
		handlers.Reporter
	}
	var prober *connectivity.Prober
	if cfg.ProbeURL != "" {
		prober = connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, nil, logging.Component(log, "prober"))
		monitor = prober
	} else {
		monitor = connectivity.NewNotifier()
	}

	coordinator := services.NewOfflineCoordinator(store, monitor, sender, services.CoordinatorOptions{
		QueueKey:    cfg.QueueKey,
		CachePrefix: cfg.CachePrefix,
		Retry: services.RetryPolicy{
			BaseDelay:   cfg.RetryDelay,
			Multiplier:  cfg.RetryMultiplier,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		Logger: log,
	})
	if err := coordinator.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize offline coordinator: %v", err)
	}
	defer coordinator.Close()

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	handlers.NewHandler(coordinator, authService, monitor, log).Routes(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if prober != nil {
		g.Go(func() error {
			if err := prober.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server error")
	}

	log.Info("Server stopped gracefully")
}

// openStore connects the configured KeyValueStore backend. The returned func
// releases its connection.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (repositories.KeyValueStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewRedisStore(client, "offlinecore:"), func() { client.Close() }, nil

	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		store := repositories.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		store := repositories.NewSQLiteStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	default:
		log.Warn("using in-memory store, queued actions will not survive a restart")
		return repositories.NewMemoryStore(), func() {}, nil
	}
}
