package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/authorization"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registrar runs the credentials handshake
type Registrar interface {
	Initiate(ctx context.Context, partnerToken, versionsURL string) (*ocpi.ClientInformation, error)
	CompleteRegistration(ctx context.Context, presentedToken string, creds ocpi.Credentials, version string) (*ocpi.ClientInformation, error)
	ReRegister(ctx context.Context, presentedToken string, creds ocpi.Credentials, version string) (*ocpi.ClientInformation, error)
	Unregister(ctx context.Context, presentedToken string) error
	RegisterWithPartner(ctx context.Context, clientID int64) (*ocpi.ClientInformation, error)
	OwnCredentials(token string) ocpi.Credentials
}

// CommandRouter accepts commands and device answers
type CommandRouter interface {
	Submit(ctx context.Context, partner *ocpi.ClientInformation, origin ocpi.PartyIdentity, payload ocpi.CommandPayload) (*ocpi.CommandResponse, error)
	HandleDeviceCallback(ctx context.Context, partnerID int64, version string, commandType ocpi.CommandType, correlationID string, body []byte) error
}

// TokenAuthorizer asks a token's home party for a real-time decision
type TokenAuthorizer interface {
	Authorize(ctx context.Context, req authorization.Request) (*ocpi.AuthorizationInfo, error)
	AuthorizeToken(ctx context.Context, uid string, tokenType ocpi.TokenType, location *ocpi.LocationReferences) (*ocpi.AuthorizationInfo, error)
}

// Inventory is the read side of stations, sessions and commands
type Inventory interface {
	GetChargePoints(ctx context.Context) ([]*models.ChargePoint, error)
	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	GetConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetCommand(ctx context.Context, correlationID string) (*models.CorrelationRecord, error)
}

// Dependencies are the collaborators of the handlers
type Dependencies struct {
	Registration  Registrar
	Commands      CommandRouter
	Authorization TokenAuthorizer
	Inventory     Inventory
	Catalog       *config.VersionCatalog
	PublicURL     string
}

// Handler handles API requests
type Handler struct {
	registration  Registrar
	commands      CommandRouter
	authorization TokenAuthorizer
	inventory     Inventory
	catalog       *config.VersionCatalog
	publicURL     string
}

// NewHandler creates a new API handler on top of the service
func NewHandler(cpms *service.CPMS) *Handler {
	return New(Dependencies{
		Registration:  cpms.Registration(),
		Commands:      cpms.Commands(),
		Authorization: cpms.Authorization(),
		Inventory:     cpms,
		Catalog:       cpms.Catalog(),
		PublicURL:     cpms.Config().PublicURL,
	})
}

// New creates a handler from explicit collaborators
func New(deps Dependencies) *Handler {
	return &Handler{
		registration:  deps.Registration,
		commands:      deps.Commands,
		authorization: deps.Authorization,
		inventory:     deps.Inventory,
		catalog:       deps.Catalog,
		publicURL:     deps.PublicURL,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// GetChargePoints returns all charge points
func (h *Handler) GetChargePoints(w http.ResponseWriter, r *http.Request) {
	chargePoints, err := h.inventory.GetChargePoints(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get charge points")
		sendErrorResponse(w, "Failed to get charge points", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    chargePoints,
	})
}

// GetChargePoint returns a specific charge point
func (h *Handler) GetChargePoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Charge point ID is required", http.StatusBadRequest)
		return
	}

	chargePoint, err := h.inventory.GetChargePoint(r.Context(), id)
	if errors.Is(err, ocpi.ErrNotFound) {
		sendErrorResponse(w, "Charge point not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to get charge point")
		sendErrorResponse(w, "Failed to get charge point", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    chargePoint,
	})
}

// GetConnectors returns all connectors for a charge point
func (h *Handler) GetConnectors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Charge point ID is required", http.StatusBadRequest)
		return
	}

	connectors, err := h.inventory.GetConnectors(r.Context(), id)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to get connectors")
		sendErrorResponse(w, "Failed to get connectors", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    connectors,
	})
}

// GetSession returns a charging session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.inventory.GetSession(r.Context(), id)
	if errors.Is(err, ocpi.ErrNotFound) {
		sendErrorResponse(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to get session")
		sendErrorResponse(w, "Failed to get session", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    session,
	})
}

// GetCommand returns the correlation record of a command
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		sendErrorResponse(w, "Command not found", http.StatusNotFound)
		return
	}

	record, err := h.inventory.GetCommand(r.Context(), id)
	if errors.Is(err, ocpi.ErrNotFound) {
		sendErrorResponse(w, "Command not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to get command")
		sendErrorResponse(w, "Failed to get command", http.StatusInternalServerError)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    record,
	})
}

// Helper function to send a JSON response
func sendResponse(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// Helper function to send an error response
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode error response")
	}
}
