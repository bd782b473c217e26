package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"idgate/core"
	"idgate/core/providers"
	"idgate/storage"

	"github.com/caarlos0/env/v10"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IDGATE_"

type AppConfig struct {
	Core     core.Config              `yaml:",inline"`
	Google   providers.GoogleConfig   `yaml:"google" envPrefix:"GOOGLE_"`
	Facebook providers.FacebookConfig `yaml:"facebook" envPrefix:"FACEBOOK_"`
	Apple    providers.AppleConfig    `yaml:"apple" envPrefix:"APPLE_"`

	DB       DBConfig       `yaml:"db" envPrefix:"DB_"`
	Sessions SessionsConfig `yaml:"sessions" envPrefix:"SESSIONS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type DBConfig struct {
	Type        string            `yaml:"type" env:"TYPE"`
	SQLitePath  string            `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string            `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	YDB         storage.YDBConfig `yaml:"ydb" envPrefix:"YDB_"`
}

type SessionsConfig struct {
	Type  string              `yaml:"type" env:"TYPE"`
	Redis storage.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: loading .env: %v", err)
	}

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(appConfig.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := initRepository(ctx, appConfig.DB, logger)
	defer closeRepo()

	sessions, closeSessions := initSessionStore(ctx, appConfig.Sessions, logger)
	defer closeSessions()

	registry := initProviders(ctx, appConfig, logger)

	crypto, err := core.NewCryptoService(appConfig.Core.Session.Secret)
	if err != nil {
		logger.Fatal("Failed to initialize crypto service", zap.Error(err))
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	identity := core.NewIdentityService(repo, logger.Named("identity"), core.NewMetrics(metricsRegistry))
	principal := core.NewPrincipalAdapter(repo, sessions, appConfig.Core.Session.Duration, logger.Named("session"))
	tokens := core.NewTokenService(&appConfig.Core.JWT)

	server := core.NewServer(&appConfig.Core, registry, identity, principal, tokens, crypto, logger.Named("http"))

	if !appConfig.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	httpServer := &http.Server{
		Addr:              appConfig.Core.Server.ListenAddr(),
		Handler:           server.Router(metricsRegistry),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting idgate server",
		zap.String("addr", httpServer.Addr),
		zap.String("public_url", appConfig.Core.Server.PublicBaseURL()),
		zap.Strings("providers", registry.Names()),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// loadConfig reads the YAML file, when present, and applies IDGATE_*
// environment overrides on top.
func loadConfig(path string) (*AppConfig, error) {
	var config AppConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Config file %s not found, using environment only", path)
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.Core.ApplyDefaults()
	if err := config.Core.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func newLogger(config LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if config.Level != "" {
		level, err := zap.ParseAtomicLevel(config.Level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = level
	}
	return zapConfig.Build()
}

func initRepository(ctx context.Context, dbConfig DBConfig, logger *zap.Logger) (core.Repository, func()) {
	switch strings.ToLower(dbConfig.Type) {
	case "sqlite", "":
		path := dbConfig.SQLitePath
		if path == "" {
			path = "idgate.db"
		}
		repo, err := storage.NewSQLiteRepository(path)
		if err != nil {
			logger.Fatal("Failed to initialize SQLite repository", zap.Error(err))
		}
		logger.Info("Using SQLite database", zap.String("path", path))
		return repo, func() { repo.Close() }

	case "postgres":
		repo, err := storage.NewPostgresRepository(ctx, dbConfig.PostgresDSN)
		if err != nil {
			logger.Fatal("Failed to initialize Postgres repository", zap.Error(err))
		}
		logger.Info("Using Postgres database")
		return repo, repo.Close

	case "ydb":
		repo, err := storage.NewYDBRepository(ctx, &dbConfig.YDB)
		if err != nil {
			logger.Fatal("Failed to initialize YDB repository", zap.Error(err))
		}
		logger.Info("Using YDB database")
		return repo, func() { repo.Close(context.Background()) }

	case "memory":
		logger.Warn("Using in-memory repository, users are lost on restart")
		return storage.NewMemoryRepository(), func() {}

	default:
		logger.Fatal("Unsupported DB type (supported: sqlite, postgres, ydb, memory)", zap.String("type", dbConfig.Type))
		return nil, nil
	}
}

func initSessionStore(ctx context.Context, config SessionsConfig, logger *zap.Logger) (core.SessionStore, func()) {
	switch strings.ToLower(config.Type) {
	case "memory", "":
		logger.Info("Using in-memory session store")
		return storage.NewMemorySessionStore(), func() {}

	case "redis":
		client, err := storage.NewRedisClient(ctx, &config.Redis)
		if err != nil {
			logger.Fatal("Failed to initialize Redis session store", zap.Error(err))
		}
		logger.Info("Using Redis session store", zap.String("addr", config.Redis.Addr))
		return storage.NewRedisSessionStore(client), func() { client.Close() }

	default:
		logger.Fatal("Unsupported session store type (supported: memory, redis)", zap.String("type", config.Type))
		return nil, nil
	}
}

// initProviders enables every provider with a client id configured.
func initProviders(ctx context.Context, cfg *AppConfig, logger *zap.Logger) core.ProviderRegistry {
	var list []core.AuthProvider
	server := &cfg.Core.Server

	if cfg.Google.ClientID != "" {
		cfg.Google.RedirectURL = redirectURL(server, cfg.Google.RedirectURL, cfg.Google.CallbackPath, core.ProviderGoogle)
		google, err := providers.NewGoogleProvider(ctx, &cfg.Google)
		if err != nil {
			logger.Fatal("Failed to initialize Google provider", zap.Error(err))
		}
		list = append(list, google)
		logger.Info("Google OAuth provider initialized", zap.String("redirect_url", cfg.Google.RedirectURL))
	}

	if cfg.Facebook.ClientID != "" {
		cfg.Facebook.RedirectURL = redirectURL(server, cfg.Facebook.RedirectURL, cfg.Facebook.CallbackPath, core.ProviderFacebook)
		facebook, err := providers.NewFacebookProvider(&cfg.Facebook)
		if err != nil {
			logger.Fatal("Failed to initialize Facebook provider", zap.Error(err))
		}
		list = append(list, facebook)
		logger.Info("Facebook OAuth provider initialized", zap.String("redirect_url", cfg.Facebook.RedirectURL))
	}

	if cfg.Apple.ClientID != "" {
		cfg.Apple.RedirectURL = redirectURL(server, cfg.Apple.RedirectURL, cfg.Apple.CallbackPath, core.ProviderApple)
		apple, err := providers.NewAppleProvider(ctx, &cfg.Apple)
		if err != nil {
			logger.Fatal("Failed to initialize Apple provider", zap.Error(err))
		}
		list = append(list, apple)
		logger.Info("Apple OAuth provider initialized", zap.String("redirect_url", cfg.Apple.RedirectURL))
	}

	if len(list) == 0 {
		logger.Warn("No identity providers configured")
	}
	return core.NewProviderRegistry(list...)
}

func redirectURL(server *core.ServerConfig, explicit, callbackPath string, provider core.Provider) string {
	if explicit != "" {
		return explicit
	}
	if callbackPath == "" {
		callbackPath = "/auth/" + string(provider) + "/callback"
	}
	return server.BuildPublicURL(callbackPath)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
