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

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/api"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/lockstore"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/redisstore"
	"github.com/xtrntr/p2pexchange/internal/room"
	"github.com/xtrntr/p2pexchange/internal/trade"
)

// Main entry point: sets up stores, the room hub, escrow and trade services and the HTTP server
func main() {
	configPath := flag.String("config", "", "path to the config file (default config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	database, err := db.NewDB(connectCtx, cfg.Database.URL)
	if err == nil {
		err = database.Ping(connectCtx)
	}
	cancel()
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(context.Background())

	checks := []func(context.Context) error{database.Ping}

	var store room.Store
	switch cfg.Rooms.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		store = redisstore.NewRoomStore(client, "")
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	case "memory":
		log.Warn("room state is kept in memory and lost on restart")
		store = room.NewMemoryStore()
	default:
		store = database
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	hub := room.NewHub(store, log.Named("rooms"), m, cfg.Rooms.ClientBuffer)
	locks := lockstore.NewService(database, log.Named("escrow"), m, cfg.Escrow.Network)
	trades := trade.NewService(database, locks, log.Named("trades"), m)
	trades.SetListener(hub)

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// Initialize API handlers
	handler := api.NewHandler(hub, locks, trades, authService, log.Named("api"), m, api.WSConfig{
		WriteTimeout:    cfg.Rooms.WriteTimeout,
		PingInterval:    cfg.Rooms.PingInterval,
		MaxMessageBytes: cfg.Rooms.MaxMessageBytes,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		Admins:          cfg.Rooms.Admins,
	})
	handler.Health = func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	router := handler.Routes(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)
	router.Handle(cfg.MetricsPath, metrics.Handler(registry))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.String("rooms_backend", cfg.Rooms.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	// Closing the rooms ends every websocket session still attached
	hub.Close()
}
