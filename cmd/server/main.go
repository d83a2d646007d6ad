package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"chorus/internal/authz"
	"chorus/internal/config"
	"chorus/internal/observability/logging"
	"chorus/internal/observability/metrics"
	obsmw "chorus/internal/observability/middleware"
	"chorus/internal/service"
	"chorus/internal/store"
	transport "chorus/internal/transport/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "chorus",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("chorus")

	logger.Info("starting service")

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	svc := service.New(st)
	validator := authz.New(cfg.SigningKey, cfg.Issuer)
	router := transport.NewRouter(svc, validator, transport.RouterOptions{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimit:    cfg.RateLimit,
		RatePeriod:   cfg.RatePeriod,
		LinkTokenTTL: cfg.LinkTokenTTL,
	})

	handler := obsmw.WithRequestAndTrace(obsmw.WithMetrics(router))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("chorus control plane listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
