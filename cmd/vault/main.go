package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/container"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/repository"
	"github.com/SoftwareHeritage/swh-vault/cmd/vault/routes"
	"github.com/SoftwareHeritage/swh-vault/common/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (DB, logger, redis, telemetry)
	components, err := bootstrap.Setup(ctx, "vault",
		bootstrap.WithDBInitHook(repository.InitSchema),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap vault: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components, consumerName())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Drain worker status updates in the background
	if err := serviceContainer.StatusConsumer.Start(ctx); err != nil {
		components.Logger.Error("Failed to start status consumer", "error", err)
		os.Exit(1)
	}

	// Schedule periodic cache expiry
	if components.Config.GC.Schedule != "" {
		if err := serviceContainer.GCService.Start(); err != nil {
			components.Logger.Error("Failed to schedule cache expiry", "error", err)
			os.Exit(1)
		}
		defer serviceContainer.GCService.Stop()
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)

	serviceContainer.StatusConsumer.Wait()
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "vault",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterBundleRoutes(e, serviceContainer)
	routes.RegisterAdminRoutes(e, serviceContainer)
}

// startServer starts the Echo server and shuts it down when ctx is cancelled
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting vault", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			components.Logger.Error("Server shutdown error", "error", err)
		}
	}()

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// consumerName identifies this instance in the status consumer group
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("vault-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
