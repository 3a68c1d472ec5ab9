package ocpp

import (
	"context"
	"fmt"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/remotecontrol"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/types"
	"github.com/sirupsen/logrus"
)

// OCPP 2.0.1 unlock statuses
const (
	unlockUnlocked                     = "Unlocked"
	unlockFailed                       = "UnlockFailed"
	unlockOngoingAuthorizedTransaction = "OngoingAuthorizedTransaction"
	unlockUnknownConnector             = "UnknownConnector"
)

// requestStartTransaction is the RequestStartTransaction call with idToken sent as the
// IdTokenType object the 2.0.1 schema requires
type requestStartTransaction struct {
	EvseID        *int          `json:"evseId,omitempty"`
	RemoteStartID int           `json:"remoteStartId"`
	IDToken       types.IdToken `json:"idToken"`
}

// GetFeatureName returns the OCPP action name
func (r *requestStartTransaction) GetFeatureName() string {
	return remotecontrol.RequestStartTransactionFeatureName
}

// OCPP201Adapter speaks to OCPP 2.0.1 stations. Reservations are not offered.
type OCPP201Adapter struct {
	transport Transport
	sequencer Sequencer
}

// NewOCPP201Adapter creates a new OCPP 2.0.1 adapter
func NewOCPP201Adapter(transport Transport, sequencer Sequencer) *OCPP201Adapter {
	return &OCPP201Adapter{
		transport: transport,
		sequencer: sequencer,
	}
}

// Version returns the OCPP version
func (a *OCPP201Adapter) Version() string {
	return Version201
}

// Supports reports whether the command can be carried to the target station
func (a *OCPP201Adapter) Supports(commandType ocpi.CommandType, _ *models.Target) bool {
	switch commandType {
	case ocpi.CommandStartSession, ocpi.CommandStopSession, ocpi.CommandUnlockConnector:
		return true
	}
	return false
}

// SendStart sends RequestStartTransaction with a remoteStartId from the station counter
func (a *OCPP201Adapter) SendStart(ctx context.Context, cmd Command, payload *ocpi.StartSession) error {
	remoteStartID, err := a.sequencer.NextSequence(ctx, cmd.Target.ChargePointID, counterRemoteStart)
	if err != nil {
		return err
	}

	req := &requestStartTransaction{
		RemoteStartID: remoteStartID,
		IDToken: types.IdToken{
			IdToken: payload.Token.UID,
			Type:    idTokenType(payload.Token.Type),
		},
	}
	if cmd.Target.EVSEID > 0 {
		evseID := cmd.Target.EVSEID
		req.EvseID = &evseID
	}
	return a.send(ctx, cmd, ocpi.CommandStartSession, req)
}

// SendStop sends RequestStopTransaction
func (a *OCPP201Adapter) SendStop(ctx context.Context, cmd Command, payload *ocpi.StopSession) error {
	if cmd.Target.TransactionID == "" {
		return fmt.Errorf("%w: session %s has no transaction id", ocpi.ErrUnknownSession, payload.SessionID)
	}
	return a.send(ctx, cmd, ocpi.CommandStopSession, remotecontrol.NewRequestStopTransactionRequest(cmd.Target.TransactionID))
}

// SendUnlock sends UnlockConnector
func (a *OCPP201Adapter) SendUnlock(ctx context.Context, cmd Command, _ *ocpi.UnlockConnector) error {
	return a.send(ctx, cmd, ocpi.CommandUnlockConnector, remotecontrol.NewUnlockConnectorRequest(cmd.Target.EVSEID, cmd.Target.ConnectorID))
}

// HandleCallback maps a 2.0.1 response onto a command result
func (a *OCPP201Adapter) HandleCallback(commandType ocpi.CommandType, body []byte) Outcome {
	var answer struct {
		Status     string `json:"status"`
		StatusInfo *struct {
			ReasonCode     string `json:"reasonCode"`
			AdditionalInfo string `json:"additionalInfo"`
		} `json:"statusInfo"`
	}
	if out := decodeCallback(body, &answer); out != nil {
		return *out
	}

	var message string
	if answer.StatusInfo != nil {
		message = answer.StatusInfo.ReasonCode
		if answer.StatusInfo.AdditionalInfo != "" {
			message += ": " + answer.StatusInfo.AdditionalInfo
		}
	}

	switch commandType {
	case ocpi.CommandStartSession, ocpi.CommandStopSession:
		switch answer.Status {
		case statusAccepted:
			return Outcome{Result: ocpi.CommandResultAccepted, Message: message}
		case statusRejected:
			return Outcome{Result: ocpi.CommandResultRejected, Message: message}
		}
	case ocpi.CommandUnlockConnector:
		switch answer.Status {
		case unlockUnlocked:
			return Outcome{Result: ocpi.CommandResultAccepted, Message: message}
		case unlockOngoingAuthorizedTransaction:
			return Outcome{Result: ocpi.CommandResultEVSEOccupied, Message: message}
		case unlockUnknownConnector:
			return Outcome{Result: ocpi.CommandResultRejected, Message: message}
		case unlockFailed:
			return Outcome{Result: ocpi.CommandResultFailed, Message: message}
		}
	default:
		return Outcome{Result: ocpi.CommandResultNotSupported}
	}
	return unknownStatus(answer.Status)
}

func (a *OCPP201Adapter) send(ctx context.Context, cmd Command, commandType ocpi.CommandType, req ocpp.Request) error {
	logrus.WithFields(logrus.Fields{
		"chargePointID": cmd.Target.ChargePointID,
		"action":        req.GetFeatureName(),
		"correlationID": cmd.CorrelationID,
	}).Info("Sending OCPP 2.0.1 request")

	return a.transport.Send(ctx, DeviceRequest{
		PartnerID:     cmd.PartnerID,
		Version:       Version201,
		CommandType:   commandType,
		CorrelationID: cmd.CorrelationID,
		StationID:     cmd.Target.ChargePointID,
		Request:       req,
	})
}

// idTokenType maps OCPI token types onto 2.0.1 id token types
func idTokenType(t ocpi.TokenType) types.IdTokenType {
	if t == ocpi.TokenRFID {
		return types.IdTokenTypeISO14443
	}
	return types.IdTokenTypeCentral
}
