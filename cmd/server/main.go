package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"inventra/backend/internal/aggregate"
	"inventra/backend/internal/codegen"
	"inventra/backend/internal/config"
	"inventra/backend/internal/fulfillment"
	"inventra/backend/internal/httpapi"
	"inventra/backend/internal/logger"
	"inventra/backend/internal/metrics"
	"inventra/backend/internal/service"
	"inventra/backend/internal/store"
	"inventra/backend/internal/store/memory"
	pgstore "inventra/backend/internal/store/postgres"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()
	zap.ReplaceGlobals(zlog)

	if err := validateSecurityConfig(cfg); err != nil {
		zlog.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			zlog.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			zlog.Fatal("postgres schema", zap.Error(err))
		}
		if cfg.Env != "production" {
			if err := pg.SeedDevData(ctx); err != nil {
				zlog.Fatal("postgres seed", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zlog.Info("repository: in-memory")
	}

	var codes codegen.Generator = codegen.NewLocalGenerator()
	if cfg.RedisAddr != "" {
		redisCodes := codegen.NewRedisGenerator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, zlog)
		if err := redisCodes.Ping(ctx); err != nil {
			zlog.Warn("redis unavailable, using local code sequence", zap.Error(err))
			_ = redisCodes.Close()
		} else {
			codes = redisCodes
			closers = append(closers, redisCodes.Close)
			zlog.Info("code sequence: redis")
		}
	} else {
		zlog.Info("code sequence: local")
	}

	m := metrics.New()
	builder := aggregate.NewBuilder(codes, cfg.OrderCodePrefix, cfg.ReturnCodePrefix)
	coordinator := fulfillment.New(repo, builder, fulfillment.Options{
		Timeout: cfg.TxTimeout,
		Logger:  zlog,
		Metrics: m,
	})
	svc := service.New(repo, coordinator, zlog)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, m, zlog)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.TxTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("inventra backend listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT_SECONDS must be positive")
	}
	if cfg.AccessTokenTTLMinutes <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be positive")
	}
	if cfg.Env == "production" && (cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*") {
		return fmt.Errorf("ALLOWED_ORIGIN must name a concrete origin in production")
	}
	return nil
}
