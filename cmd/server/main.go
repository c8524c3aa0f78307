package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/servicodediacob/sisgpo-gateway/internal/aggregator"
	"github.com/servicodediacob/sisgpo-gateway/internal/cache"
	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/servicodediacob/sisgpo-gateway/internal/database"
	"github.com/servicodediacob/sisgpo-gateway/internal/handlers"
	"github.com/servicodediacob/sisgpo-gateway/internal/httpserver"
	"github.com/servicodediacob/sisgpo-gateway/internal/sisgpo"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := database.NewPostgresDB(logger, cfg.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}

	ttlCache := cache.New(logger, cfg.Cache.DefaultTTL, cfg.Cache.SweepInterval)
	defer ttlCache.Stop()

	client := sisgpo.NewClient(logger, cfg)
	broker := sisgpo.NewHTTPBroker(logger, cfg, ttlCache)
	agg := aggregator.New(logger, cfg, client)
	gateway := handlers.NewGateway(logger, cfg, ttlCache, client, broker, agg)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger, db))
	r.Use(handlers.RateLimitMiddleware(cfg))
	handlers.RegisterRoutes(r, gateway)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	httpserver.StartTLSServer(logger, cfg.Server, r)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithField("addr", server.Addr).Info("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server failed")
	}
}
