package ocpp

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/google/uuid"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

const (
	supportedFeatureProfilesKey = "SupportedFeatureProfiles"
	featureProbeDelay           = 2 * time.Second
)

// StationStore is what the central system records about stations and their sessions
type StationStore interface {
	Sequencer
	MessageStore
	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	SaveChargePoint(ctx context.Context, cp *models.ChargePoint) error
	UpdateChargePointConnection(ctx context.Context, id string, connected bool) error
	UpdateHeartbeat(ctx context.Context, id string) error
	UpdateFeatureProfiles(ctx context.Context, id string, profiles []string) error
	SaveConnector(ctx context.Context, connector *models.Connector) error
	StartSession(ctx context.Context, session *models.Session) error
	StopSession(ctx context.Context, chargePointID, transactionID string, endTime time.Time, meterStop int) error
}

// TokenAuthorizer asks a token's home party for a real-time decision
type TokenAuthorizer interface {
	AuthorizeToken(ctx context.Context, uid string, tokenType ocpi.TokenType, location *ocpi.LocationReferences) (*ocpi.AuthorizationInfo, error)
}

// CentralSystem manages the OCPP central system
type CentralSystem struct {
	OcppServer ocpp16.CentralSystem
	db         StationStore
	authorizer TokenAuthorizer
	logger     *OCPPLogger
	config     *config.Config
}

// NewCentralSystem creates a new OCPP central system
func NewCentralSystem(cfg *config.Config, store StationStore, authorizer TokenAuthorizer) *CentralSystem {
	cs := &CentralSystem{
		OcppServer: ocpp16.NewCentralSystem(nil, nil),
		db:         store,
		authorizer: authorizer,
		logger:     NewOCPPLogger(store),
		config:     cfg,
	}

	// Set up OCPP handlers
	centralSystemHandler := &CentralSystemHandler{
		cs: cs,
	}
	cs.OcppServer.SetCoreHandler(centralSystemHandler)

	// Set up connection handlers
	cs.OcppServer.SetNewChargePointHandler(cs.handleNewChargePoint)
	cs.OcppServer.SetChargePointDisconnectedHandler(cs.handleChargePointDisconnected)

	return cs
}

// Start starts the OCPP central system. It blocks until the server stops.
func (cs *CentralSystem) Start() error {
	logrus.Infof("Starting OCPP central system on port %d with path %s", cs.config.ServerPort, cs.config.OCPPPath)
	cs.OcppServer.Start(cs.config.ServerPort, cs.config.OCPPPath)
	return nil
}

// Transport returns a device transport sending over this central system
func (cs *CentralSystem) Transport() *CentralSystemTransport {
	return NewCentralSystemTransport(cs.OcppServer, cs.logger, cs.config.OutboundTimeout)
}

// Logger returns the device message logger
func (cs *CentralSystem) Logger() *OCPPLogger {
	return cs.logger
}

// handleNewChargePoint handles a new charge point connection
func (cs *CentralSystem) handleNewChargePoint(cp ocpp16.ChargePointConnection) {
	logrus.WithField("chargePointID", cp.ID()).Info("New charge point connected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Full details are filled in by the BootNotification
	chargePoint, err := cs.db.GetChargePoint(ctx, cp.ID())
	if err != nil {
		chargePoint = &models.ChargePoint{
			ID:                 cp.ID(),
			Vendor:             "Unknown",
			Model:              "Unknown",
			OCPPVersion:        Version16,
			FeatureProfiles:    []string{profileCore},
			RegistrationStatus: "Pending",
			IsConnected:        true,
			ConnectedSince:     time.Now(),
		}
	} else {
		chargePoint.OCPPVersion = Version16
		chargePoint.IsConnected = true
		chargePoint.ConnectedSince = time.Now()
	}

	if err := cs.db.SaveChargePoint(ctx, chargePoint); err != nil {
		logrus.WithError(err).WithField("chargePointID", cp.ID()).Error("Failed to save charge point")
	}
}

// handleChargePointDisconnected handles a charge point disconnection
func (cs *CentralSystem) handleChargePointDisconnected(cp ocpp16.ChargePointConnection) {
	logrus.WithField("chargePointID", cp.ID()).Info("Charge point disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.db.UpdateChargePointConnection(ctx, cp.ID(), false); err != nil {
		logrus.WithError(err).WithField("chargePointID", cp.ID()).Error("Failed to update charge point connection status")
	}
}

// probeFeatureProfiles asks the station which feature profiles it supports. Stations only
// take requests once their boot was accepted, so the probe waits for the confirmation.
func (cs *CentralSystem) probeFeatureProfiles(chargePointID string) {
	time.Sleep(featureProbeDelay)

	callback := func(confirmation *core.GetConfigurationConfirmation, err error) {
		if err != nil {
			logrus.WithError(err).WithField("chargePointID", chargePointID).Warn("Feature profile probe failed")
			return
		}
		profiles := featureProfiles(confirmation)
		if profiles == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cs.db.UpdateFeatureProfiles(ctx, chargePointID, profiles); err != nil {
			logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to save feature profiles")
			return
		}
		logrus.WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"profiles":      profiles,
		}).Info("Feature profiles recorded")
	}

	if err := cs.OcppServer.GetConfiguration(chargePointID, callback, []string{supportedFeatureProfilesKey}); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Warn("Failed to send feature profile probe")
	}
}

// featureProfiles reads the SupportedFeatureProfiles value; nil when the station did not report it
func featureProfiles(confirmation *core.GetConfigurationConfirmation) []string {
	if confirmation == nil {
		return nil
	}
	for _, key := range confirmation.ConfigurationKey {
		if key.Key != supportedFeatureProfilesKey || key.Value == nil {
			continue
		}
		profiles := []string{}
		for _, p := range strings.Split(*key.Value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				profiles = append(profiles, p)
			}
		}
		return profiles
	}
	return nil
}

// CentralSystemHandler implements the OCPP handlers
type CentralSystemHandler struct {
	cs *CentralSystem
}

// OnBootNotification handles BootNotification requests
func (h *CentralSystemHandler) OnBootNotification(chargePointID string, request *core.BootNotificationRequest) (confirmation *core.BootNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"vendor":        request.ChargePointVendor,
		"model":         request.ChargePointModel,
	}).Info("Boot notification received")

	h.cs.logger.LogRequest(chargePointID, "BootNotification", "", request, "Inbound")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	profiles := []string{profileCore}
	if existing, err := h.cs.db.GetChargePoint(ctx, chargePointID); err == nil && len(existing.FeatureProfiles) > 0 {
		profiles = existing.FeatureProfiles
	}

	chargePoint := &models.ChargePoint{
		ID:                 chargePointID,
		Vendor:             request.ChargePointVendor,
		Model:              request.ChargePointModel,
		SerialNumber:       request.ChargePointSerialNumber,
		FirmwareVersion:    request.FirmwareVersion,
		OCPPVersion:        Version16,
		FeatureProfiles:    profiles,
		LastHeartbeat:      time.Now(),
		RegistrationStatus: string(core.RegistrationStatusAccepted),
		IsConnected:        true,
		ConnectedSince:     time.Now(),
	}

	if err := h.cs.db.SaveChargePoint(ctx, chargePoint); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to save charge point")
	}

	conf := core.NewBootNotificationConfirmation(
		types.NewDateTime(time.Now()),
		h.cs.config.HeartbeatInterval,
		core.RegistrationStatusAccepted,
	)

	h.cs.logger.LogResponse(chargePointID, "BootNotification", "", conf, "Outbound")

	go h.cs.probeFeatureProfiles(chargePointID)

	return conf, nil
}

// OnHeartbeat handles Heartbeat requests
func (h *CentralSystemHandler) OnHeartbeat(chargePointID string, request *core.HeartbeatRequest) (confirmation *core.HeartbeatConfirmation, err error) {
	logrus.WithField("chargePointID", chargePointID).Debug("Heartbeat received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.cs.db.UpdateHeartbeat(ctx, chargePointID); err != nil {
		logrus.WithError(err).WithField("chargePointID", chargePointID).Error("Failed to update heartbeat")
	}

	return core.NewHeartbeatConfirmation(types.NewDateTime(time.Now())), nil
}

// OnStatusNotification handles StatusNotification requests
func (h *CentralSystemHandler) OnStatusNotification(chargePointID string, request *core.StatusNotificationRequest) (confirmation *core.StatusNotificationConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
		"status":        request.Status,
		"errorCode":     request.ErrorCode,
	}).Info("Status notification received")

	h.cs.logger.LogRequest(chargePointID, "StatusNotification", "", request, "Inbound")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connector := &models.Connector{
		ID:            request.ConnectorId,
		ChargePointID: chargePointID,
		Status:        string(request.Status),
		ErrorCode:     string(request.ErrorCode),
	}

	if err := h.cs.db.SaveConnector(ctx, connector); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"connectorId":   request.ConnectorId,
		}).Error("Failed to save connector status")
	}

	return core.NewStatusNotificationConfirmation(), nil
}

// OnMeterValues acknowledges MeterValues; sampled values are only kept in the message log
func (h *CentralSystemHandler) OnMeterValues(chargePointID string, request *core.MeterValuesRequest) (confirmation *core.MeterValuesConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
	}).Debug("Meter values received")

	h.cs.logger.LogRequest(chargePointID, "MeterValues", "", request, "Inbound")

	return core.NewMeterValuesConfirmation(), nil
}

// OnStartTransaction records the session. The transaction id comes from the station's
// transaction counter.
func (h *CentralSystemHandler) OnStartTransaction(chargePointID string, request *core.StartTransactionRequest) (confirmation *core.StartTransactionConfirmation, err error) {
	log := logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"connectorId":   request.ConnectorId,
		"idTag":         request.IdTag,
	})
	log.Info("Start transaction request received")

	h.cs.logger.LogRequest(chargePointID, "StartTransaction", "", request, "Inbound")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transactionID, err := h.cs.db.NextSequence(ctx, chargePointID, counterTransaction)
	if err != nil {
		log.WithError(err).Error("Failed to allocate transaction id")
		return nil, err
	}

	session := &models.Session{
		SessionID:     uuid.NewString(),
		ChargePointID: chargePointID,
		TransactionID: strconv.Itoa(transactionID),
		ConnectorID:   request.ConnectorId,
		IdTag:         request.IdTag,
		StartTime:     dateTimeOrNow(request.Timestamp),
		MeterStart:    request.MeterStart,
		Status:        models.SessionInProgress,
	}

	if err := h.cs.db.StartSession(ctx, session); err != nil {
		log.WithError(err).Error("Failed to save session")
	} else {
		log.WithFields(logrus.Fields{
			"sessionID":     session.SessionID,
			"transactionId": transactionID,
		}).Info("Session started")
	}

	idTagInfo := types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	conf := core.NewStartTransactionConfirmation(idTagInfo, transactionID)

	h.cs.logger.LogResponse(chargePointID, "StartTransaction", "", conf, "Outbound")

	return conf, nil
}

// OnStopTransaction closes the session
func (h *CentralSystemHandler) OnStopTransaction(chargePointID string, request *core.StopTransactionRequest) (confirmation *core.StopTransactionConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"transactionId": request.TransactionId,
	}).Info("Stop transaction request received")

	h.cs.logger.LogRequest(chargePointID, "StopTransaction", "", request, "Inbound")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transactionID := strconv.Itoa(request.TransactionId)
	if err := h.cs.db.StopSession(ctx, chargePointID, transactionID, dateTimeOrNow(request.Timestamp), request.MeterStop); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"transactionId": request.TransactionId,
		}).Error("Failed to close session")
	}

	conf := core.NewStopTransactionConfirmation()

	h.cs.logger.LogResponse(chargePointID, "StopTransaction", "", conf, "Outbound")

	return conf, nil
}

// OnAuthorize asks the token's home party. Anything but a definite answer is Invalid.
func (h *CentralSystemHandler) OnAuthorize(chargePointID string, request *core.AuthorizeRequest) (confirmation *core.AuthorizeConfirmation, err error) {
	log := logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"idTag":         request.IdTag,
	})
	log.Info("Authorize request received")

	h.cs.logger.LogRequest(chargePointID, "Authorize", "", request, "Inbound")

	ctx, cancel := context.WithTimeout(context.Background(), h.cs.config.OutboundTimeout+time.Second)
	defer cancel()

	status := types.AuthorizationStatusInvalid
	info, err := h.cs.authorizer.AuthorizeToken(ctx, request.IdTag, ocpi.TokenRFID, nil)
	if err != nil {
		log.WithError(err).Warn("Real-time authorization unavailable")
	} else {
		status = authorizationStatus(info.Allowed)
	}

	conf := core.NewAuthorizationConfirmation(types.NewIdTagInfo(status))

	h.cs.logger.LogResponse(chargePointID, "Authorize", "", conf, "Outbound")

	return conf, nil
}

// OnDataTransfer handles DataTransfer requests
func (h *CentralSystemHandler) OnDataTransfer(chargePointID string, request *core.DataTransferRequest) (confirmation *core.DataTransferConfirmation, err error) {
	logrus.WithFields(logrus.Fields{
		"chargePointID": chargePointID,
		"vendorId":      request.VendorId,
		"messageId":     request.MessageId,
	}).Info("Data transfer request received")

	h.cs.logger.LogRequest(chargePointID, "DataTransfer", "", request, "Inbound")

	return core.NewDataTransferConfirmation(core.DataTransferStatusAccepted), nil
}

func authorizationStatus(allowed ocpi.AllowedType) types.AuthorizationStatus {
	switch allowed {
	case ocpi.AllowedAllowed:
		return types.AuthorizationStatusAccepted
	case ocpi.AllowedBlocked:
		return types.AuthorizationStatusBlocked
	case ocpi.AllowedExpired:
		return types.AuthorizationStatusExpired
	}
	return types.AuthorizationStatusInvalid
}

func dateTimeOrNow(dt *types.DateTime) time.Time {
	if dt == nil || dt.IsZero() {
		return time.Now()
	}
	return dt.Time
}
