package ocpp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

// OCPP 1.6 answer statuses
const (
	statusAccepted    = "Accepted"
	statusRejected    = "Rejected"
	statusFaulted     = "Faulted"
	statusOccupied    = "Occupied"
	statusUnavailable = "Unavailable"
)

// Feature profile names as stations report them in SupportedFeatureProfiles
const (
	profileCore        = "Core"
	profileReservation = "Reservation"
)

// Store16 is what the OCPP 1.6 adapter needs from storage
type Store16 interface {
	Sequencer
	ReservationStore
}

// OCPP16Adapter speaks to OCPP 1.6 stations. Unlock is not offered; reservations need the
// station to report the Reservation feature profile.
type OCPP16Adapter struct {
	transport Transport
	store     Store16
}

// NewOCPP16Adapter creates a new OCPP 1.6 adapter
func NewOCPP16Adapter(transport Transport, store Store16) *OCPP16Adapter {
	return &OCPP16Adapter{
		transport: transport,
		store:     store,
	}
}

// Version returns the OCPP version
func (a *OCPP16Adapter) Version() string {
	return Version16
}

// Supports reports whether the command can be carried to the target station
func (a *OCPP16Adapter) Supports(commandType ocpi.CommandType, target *models.Target) bool {
	switch commandType {
	case ocpi.CommandStartSession, ocpi.CommandStopSession:
		return true
	case ocpi.CommandReserveNow, ocpi.CommandCancelReservation:
		return target != nil && target.HasFeatureProfile(profileReservation)
	}
	return false
}

// SendStart sends RemoteStartTransaction
func (a *OCPP16Adapter) SendStart(ctx context.Context, cmd Command, payload *ocpi.StartSession) error {
	req := core.NewRemoteStartTransactionRequest(payload.Token.UID)
	if connectorID := connector16(cmd.Target); connectorID > 0 {
		req.ConnectorId = &connectorID
	}
	return a.send(ctx, cmd, ocpi.CommandStartSession, req)
}

// SendStop sends RemoteStopTransaction. 1.6 transaction ids are integers.
func (a *OCPP16Adapter) SendStop(ctx context.Context, cmd Command, payload *ocpi.StopSession) error {
	transactionID, err := strconv.Atoi(cmd.Target.TransactionID)
	if err != nil {
		return fmt.Errorf("%w: session %s has non-numeric transaction id %q", ocpi.ErrUnknownSession, payload.SessionID, cmd.Target.TransactionID)
	}
	return a.send(ctx, cmd, ocpi.CommandStopSession, core.NewRemoteStopTransactionRequest(transactionID))
}

// SendUnlock is not carried over OCPP 1.6
func (a *OCPP16Adapter) SendUnlock(context.Context, Command, *ocpi.UnlockConnector) error {
	return fmt.Errorf("%w: UNLOCK_CONNECTOR over OCPP %s", ocpi.ErrNotSupported, Version16)
}

// SendReserve sends ReserveNow. A repeated reservation id reuses the device reservation id
// so the station replaces its reservation; a new one takes an id from the station counter
// and is stored pending until the station accepts it.
func (a *OCPP16Adapter) SendReserve(ctx context.Context, cmd Command, payload *ocpi.ReserveNow) error {
	if !cmd.Target.HasFeatureProfile(profileReservation) {
		return fmt.Errorf("%w: station %s has no reservation profile", ocpi.ErrNotSupported, cmd.Target.ChargePointID)
	}

	var reservationID int
	created := false
	existing, err := a.store.GetReservation(ctx, payload.ReservationID)
	switch {
	case err == nil && existing.ChargePointID != cmd.Target.ChargePointID:
		return fmt.Errorf("%w: reservation %s is held on station %s", ocpi.ErrNotSupported, payload.ReservationID, existing.ChargePointID)
	case err == nil:
		reservationID = existing.DeviceReservationID
	case errors.Is(err, ocpi.ErrUnknownReservation):
		if reservationID, err = a.store.NextSequence(ctx, cmd.Target.ChargePointID, counterReservation); err != nil {
			return err
		}
		err = a.store.SaveReservation(ctx, &models.Reservation{
			ReservationID:       payload.ReservationID,
			ChargePointID:       cmd.Target.ChargePointID,
			DeviceReservationID: reservationID,
			LocationID:          cmd.Target.LocationID,
			EVSEUID:             cmd.Target.EVSEUID,
			ExpiryDate:          payload.ExpiryDate,
		})
		if err != nil {
			return err
		}
		created = true
	default:
		return err
	}

	req := reservation.NewReserveNowRequest(connector16(cmd.Target), types.NewDateTime(payload.ExpiryDate), payload.Token.UID, reservationID)
	if err := a.send(ctx, cmd, ocpi.CommandReserveNow, req); err != nil {
		if created {
			if discardErr := a.store.DiscardPendingReservation(ctx, payload.ReservationID); discardErr != nil {
				logrus.WithError(discardErr).WithField("reservationID", payload.ReservationID).Error("Failed to discard undelivered reservation")
			}
		}
		return err
	}
	return nil
}

// SendCancelReservation sends CancelReservation
func (a *OCPP16Adapter) SendCancelReservation(ctx context.Context, cmd Command, payload *ocpi.CancelReservation) error {
	if !cmd.Target.HasFeatureProfile(profileReservation) {
		return fmt.Errorf("%w: station %s has no reservation profile", ocpi.ErrNotSupported, cmd.Target.ChargePointID)
	}
	req := reservation.NewCancelReservationRequest(cmd.Target.DeviceReservationID)
	return a.send(ctx, cmd, ocpi.CommandCancelReservation, req)
}

// ReservationAnswered keeps an accepted reservation and forgets one the station does not hold
func (a *OCPP16Adapter) ReservationAnswered(ctx context.Context, commandType ocpi.CommandType, reservationID string, result ocpi.CommandResultType) error {
	switch commandType {
	case ocpi.CommandReserveNow:
		if result == ocpi.CommandResultAccepted {
			return a.store.ConfirmReservation(ctx, reservationID)
		}
		// a rejected replacement leaves the earlier reservation in place
		return a.store.DiscardPendingReservation(ctx, reservationID)
	case ocpi.CommandCancelReservation:
		if result == ocpi.CommandResultAccepted || result == ocpi.CommandResultUnknownReservation {
			return a.store.DeleteReservation(ctx, reservationID)
		}
	}
	return nil
}

// HandleCallback maps a 1.6 confirmation onto a command result
func (a *OCPP16Adapter) HandleCallback(commandType ocpi.CommandType, body []byte) Outcome {
	var answer struct {
		Status string `json:"status"`
	}
	if out := decodeCallback(body, &answer); out != nil {
		return *out
	}

	switch commandType {
	case ocpi.CommandStartSession, ocpi.CommandStopSession:
		switch answer.Status {
		case string(types.RemoteStartStopStatusAccepted):
			return Outcome{Result: ocpi.CommandResultAccepted}
		case string(types.RemoteStartStopStatusRejected):
			return Outcome{Result: ocpi.CommandResultRejected}
		}
	case ocpi.CommandReserveNow:
		switch answer.Status {
		case statusAccepted:
			return Outcome{Result: ocpi.CommandResultAccepted}
		case statusRejected:
			return Outcome{Result: ocpi.CommandResultRejected}
		case statusOccupied:
			return Outcome{Result: ocpi.CommandResultEVSEOccupied}
		case statusUnavailable:
			return Outcome{Result: ocpi.CommandResultEVSEInoperative}
		case statusFaulted:
			return Outcome{Result: ocpi.CommandResultFailed, Message: "station reported Faulted"}
		}
	case ocpi.CommandCancelReservation:
		switch answer.Status {
		case statusAccepted:
			return Outcome{Result: ocpi.CommandResultAccepted}
		case statusRejected:
			return Outcome{Result: ocpi.CommandResultUnknownReservation}
		}
	default:
		return Outcome{Result: ocpi.CommandResultNotSupported}
	}
	return unknownStatus(answer.Status)
}

func (a *OCPP16Adapter) send(ctx context.Context, cmd Command, commandType ocpi.CommandType, req ocpp.Request) error {
	logrus.WithFields(logrus.Fields{
		"chargePointID": cmd.Target.ChargePointID,
		"action":        req.GetFeatureName(),
		"correlationID": cmd.CorrelationID,
	}).Info("Sending OCPP 1.6 request")

	return a.transport.Send(ctx, DeviceRequest{
		PartnerID:     cmd.PartnerID,
		Version:       Version16,
		CommandType:   commandType,
		CorrelationID: cmd.CorrelationID,
		StationID:     cmd.Target.ChargePointID,
		Request:       req,
	})
}

// connector16 picks the 1.6 connector number: the mapped connector, else the EVSE number
func connector16(t *models.Target) int {
	if t.ConnectorID > 0 {
		return t.ConnectorID
	}
	return t.EVSEID
}
