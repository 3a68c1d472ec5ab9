package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/api"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/events"
	"github.com/balu-dk/go-ocpi/internal/service"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.WithField("party", cfg.Identity().String()).Info("Starting OCPI server")

	catalog, err := config.LoadVersionCatalog(cfg.VersionsFile, cfg.OCPIVersion)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load version catalog")
	}

	// Connect to database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewPostgresStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer store.Close()

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to create database schema")
		}
	}

	publisher := newPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close event publisher")
		}
	}()

	// Create CPMS service
	cpms, err := service.NewCPMS(cfg, store, catalog, publisher)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create service")
	}

	// Start OCPP central system
	go func() {
		if err := cpms.Start(); err != nil {
			logrus.WithError(err).Fatal("Failed to start OCPP central system")
		}
	}()

	if cfg.GatewayAPIKey == "" {
		logrus.Warn("GATEWAY_API_KEY is empty, internal endpoints are unauthenticated")
	}

	// Create API server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           api.NewAPI(cpms),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run the server in a goroutine
	go func() {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()
	logrus.Info("Shutting down server...")

	// Create a deadline for the shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Attempt to gracefully shut down the server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}

// newPublisher connects to NATS when configured. Events are best effort, so a broker that
// cannot be reached at startup only disables them.
func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.NATSURL == "" {
		return events.Nop{}
	}
	publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, "go-ocpi")
	if err != nil {
		logrus.WithError(err).WithField("url", cfg.NATSURL).Warn("Failed to connect to NATS, lifecycle events disabled")
		return events.Nop{}
	}
	logrus.WithField("url", cfg.NATSURL).Info("Publishing lifecycle events to NATS")
	return publisher
}
