package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"toolmesh/internal/api"
	"toolmesh/internal/auth"
	"toolmesh/internal/clients"
	"toolmesh/internal/config"
	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/logging"
	"toolmesh/internal/repository"
	"toolmesh/internal/servers"
	"toolmesh/internal/tls"
	"toolmesh/pkg/models"
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Tool-server orchestrator: event bus, client manager, and workflow engine",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the schema and a sample workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed()
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServe() error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("Starting orchestrator", "environment", cfg.Environment)

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbPool.Close()

	store := repository.NewPostgresWorkflowStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("Database connected")

	// Core wiring: one bus and one client manager, passed by reference into
	// everything that needs them.
	bus := events.NewBus(logger)
	manager := clients.NewManager(logger)

	incident := servers.NewIncidentServer(bus)
	notifier := servers.NewNotifierServer(bus)

	endpoints := []clients.EndpointConfig{
		{Name: "incident-manager", Transport: clients.TransportInProcess, Server: incident.MCPServer()},
		{Name: "notifier", Transport: clients.TransportInProcess, Server: notifier.MCPServer()},
	}
	endpoints = append(endpoints, cfg.Endpoints...)
	if err := manager.RegisterMany(endpoints); err != nil {
		return fmt.Errorf("register endpoints: %w", err)
	}
	for _, ep := range endpoints {
		if err := manager.Connect(ctx, ep.Name); err != nil {
			return fmt.Errorf("connect endpoint %q: %w", ep.Name, err)
		}
	}
	defer manager.DisconnectAll()

	eng := engine.New(store, manager, bus, logger)
	eng.Start()
	defer eng.Stop()
	logger.Info("Workflow engine started", "endpoints", len(endpoints))

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("toolmesh"))

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.NewServer(store, eng, bus).RegisterHandlers(apiGroup)
	logger.Info("REST API handlers mounted")

	// The in-process servers are also reachable over SSE.
	mcpHandlers := http.NewServeMux()
	servers.MountHTTPHandlers(mcpHandlers, incident.MCPServer(), "/mcp/incident-manager")
	servers.MountHTTPHandlers(mcpHandlers, notifier.MCPServer(), "/mcp/notifier")
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

func runSeed() error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbPool.Close()

	store := repository.NewPostgresWorkflowStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	workflow := &models.WorkflowDefinition{
		Name:         "build-failure-response",
		TriggerEvent: models.EventBuildFailed,
		Steps: []models.StepDefinition{
			{
				Server: "incident-manager",
				Tool:   "open-incident",
				Arguments: map[string]any{
					"title":    "Build failed on {{payload.branch}}",
					"severity": "high",
				},
			},
			{
				Server: "notifier",
				Tool:   "send-notification",
				Arguments: map[string]any{
					"channel": "#ops",
					"message": "Incident {{steps[0].result.id}} opened for pipeline {{payload.pipelineId}}",
				},
			},
		},
		Active: true,
	}
	if err := workflow.Validate(); err != nil {
		return err
	}
	if err := store.CreateWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}

	logger.Info("Seeded workflow", "id", workflow.ID, "name", workflow.Name)
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
