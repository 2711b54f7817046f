// Package main is the entry point for the acp2-proxy server. It bridges a
// RESTful north-side HTTP API to locally spawned agent subprocesses that
// speak line-delimited JSON-RPC over stdio.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/config"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/events"
	"github.com/acp2/acp2/internal/run"
	"github.com/acp2/acp2/internal/server/api"
	"github.com/acp2/acp2/internal/server/streaming"
	"github.com/acp2/acp2/internal/session"
	"github.com/acp2/acp2/internal/session/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting acp2-proxy...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the session store
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Opened session store", zap.String("driver", cfg.Store.Driver))

	// 5. Load the agent registry
	reg, err := registry.LoadOrDefault(cfg.Agents.Path, log)
	if err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}
	log.Info("Loaded agent registry", zap.Int("agents", len(reg.List())))

	// 6. Connect the event bus
	bus, err := openBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer bus.Close()
	log.Info("Connected event bus", zap.String("provider", cfg.Events.Provider))

	// 7. Initialize the session manager and its idle sweeper
	sessions := session.NewManager(st, reg, bus, session.Options{
		WorkDir:        cfg.Agents.WorkDir,
		TerminateGrace: cfg.Agents.TerminateGrace,
		IdleTimeout:    cfg.Sessions.IdleTimeout,
	}, log)
	sessions.Start(ctx)

	// 8. Initialize the run manager
	runs := run.NewManager(sessions, reg, st, bus, log)

	// 9. Initialize the websocket hub and wire it to the bus
	hub := streaming.NewHub(log)
	if _, err := hub.AttachBus(bus); err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		api.Recovery(log),
		api.RequestLogger(log),
		api.CORS(),
		api.BearerAuth(cfg.Auth.Token),
	)

	// 11. Register API routes and the firehose endpoint
	api.SetupRoutes(router.Group("/"), runs, sessions, st, reg, log)
	ws := streaming.NewHandler(hub, cfg.Auth.Token, log)
	router.GET("/ws", ws.ServeWS)

	// 12. Create HTTP server. WriteTimeout stays 0 so SSE streams are not
	// severed mid-run.
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Run server and hub under one errgroup
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// 14. Wait for a shutdown signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	log.Info("Shutting down acp2-proxy...")

	// 15. Graceful shutdown: stop accepting requests, then terminate agents
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sessions.Stop()
	cancel()

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("acp2-proxy stopped")
}

// openStore picks the session store implementation from configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		return store.NewSQLiteStore(cfg.Store.Path)
	}
}

// openBus picks the event bus provider from configuration.
func openBus(cfg *config.Config, log *logger.Logger) (events.Bus, error) {
	switch cfg.Events.Provider {
	case "nats":
		return events.NewNATSBus(cfg.Events.NATSURL, log)
	default:
		return events.NewMemoryBus(log), nil
	}
}
