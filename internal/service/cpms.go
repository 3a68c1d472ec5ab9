package service

import (
	"context"
	"fmt"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/authorization"
	"github.com/balu-dk/go-ocpi/internal/command"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/events"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/ocpi/client"
	"github.com/balu-dk/go-ocpi/internal/ocpp"
	"github.com/balu-dk/go-ocpi/internal/registration"
	"github.com/sirupsen/logrus"
)

// CPMS represents the CPO control plane: the OCPI coordinators, the command router and the
// device side they talk to
type CPMS struct {
	config        *config.Config
	db            *db.PostgresStore
	catalog       *config.VersionCatalog
	centralSystem *ocpp.CentralSystem

	registration  *registration.Coordinator
	authorization *authorization.Coordinator
	commands      *command.Router
}

// NewCPMS creates a new CPMS service and wires its collaborators
func NewCPMS(cfg *config.Config, store *db.PostgresStore, catalog *config.VersionCatalog, publisher events.Publisher) (*CPMS, error) {
	if publisher == nil {
		publisher = events.Nop{}
	}
	outbound := client.New(cfg.OutboundTimeout, cfg.Identity())

	s := &CPMS{
		config:  cfg,
		db:      store,
		catalog: catalog,
	}

	s.registration = registration.NewCoordinator(store, outbound, publisher, registration.Options{
		Self:            cfg.Identity(),
		CounterpartRole: cfg.CounterpartRole,
		Version:         cfg.OCPIVersion,
		VersionsURL:     cfg.PublicURL + "/ocpi/versions",
		Business: ocpi.BusinessDetails{
			Name:    cfg.BusinessName,
			Website: cfg.BusinessWebsite,
		},
	})
	s.authorization = authorization.NewCoordinator(store, store, outbound)

	messages := ocpp.NewOCPPLogger(store)

	var transport16 ocpp.Transport
	var csTransport *ocpp.CentralSystemTransport
	switch cfg.OCPP16Transport {
	case config.TransportWebsocket:
		s.centralSystem = ocpp.NewCentralSystem(cfg, store, s.authorization)
		csTransport = s.centralSystem.Transport()
		transport16 = csTransport
	case config.TransportGateway:
		transport16 = ocpp.NewGatewayTransport(cfg.OCPP16CommandURL, cfg.CallbackBaseURL, cfg.GatewayAPIKey, cfg.OutboundTimeout, messages)
	default:
		return nil, fmt.Errorf("invalid OCPP 1.6 transport %q", cfg.OCPP16Transport)
	}

	adapters := []ocpp.Adapter{ocpp.NewOCPP16Adapter(transport16, store)}
	if cfg.OCPP201CommandURL != "" {
		transport201 := ocpp.NewGatewayTransport(cfg.OCPP201CommandURL, cfg.CallbackBaseURL, cfg.GatewayAPIKey, cfg.OutboundTimeout, messages)
		adapters = append(adapters, ocpp.NewOCPP201Adapter(transport201, store))
	}
	registry := ocpp.NewRegistry(adapters...)

	s.commands = command.NewRouter(store, store, outbound, registry, publisher, messages, cfg.CommandTimeout)
	if csTransport != nil {
		csTransport.SetCallback(s.commands.Callback())
	}

	logrus.WithFields(logrus.Fields{
		"ocppVersions":    registry.Versions(),
		"ocpp16Transport": cfg.OCPP16Transport,
		"ocpiVersion":     cfg.OCPIVersion,
	}).Info("CPMS service configured")

	return s, nil
}

// Start starts the OCPP central system when stations connect over websocket. It blocks
// until the central system stops and returns immediately otherwise.
func (s *CPMS) Start() error {
	if s.centralSystem == nil {
		logrus.Info("No OCPP central system, stations are reached through the gateway")
		return nil
	}
	return s.centralSystem.Start()
}

// Config returns the node configuration
func (s *CPMS) Config() *config.Config {
	return s.config
}

// Catalog returns the published OCPI versions
func (s *CPMS) Catalog() *config.VersionCatalog {
	return s.catalog
}

// Registration returns the credentials handshake coordinator
func (s *CPMS) Registration() *registration.Coordinator {
	return s.registration
}

// Authorization returns the real-time authorization coordinator
func (s *CPMS) Authorization() *authorization.Coordinator {
	return s.authorization
}

// Commands returns the command router
func (s *CPMS) Commands() *command.Router {
	return s.commands
}

// GetChargePoints returns all charge points
func (s *CPMS) GetChargePoints(ctx context.Context) ([]*models.ChargePoint, error) {
	return s.db.GetAllChargePoints(ctx)
}

// GetChargePoint returns a specific charge point
func (s *CPMS) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	return s.db.GetChargePoint(ctx, id)
}

// GetConnectors returns all connectors for a charge point
func (s *CPMS) GetConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error) {
	return s.db.GetConnectors(ctx, chargePointID)
}

// GetSession returns a charging session by its OCPI id
func (s *CPMS) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.db.GetSession(ctx, sessionID)
}

// GetCommand returns the correlation record of a command
func (s *CPMS) GetCommand(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	return s.db.GetCorrelation(ctx, correlationID)
}
