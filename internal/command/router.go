// Package command routes OCPI commands to stations and their answers back to the partner.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/events"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/ocpp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store resolves command targets and keeps the correlation records
type Store interface {
	ResolveEVSE(ctx context.Context, locationID, evseUID, connectorID string) (*models.Target, error)
	ResolveSession(ctx context.Context, sessionID string) (*models.Target, error)
	ResolveReservation(ctx context.Context, reservationID string) (*models.Target, error)

	CreateCorrelation(ctx context.Context, rec *models.CorrelationRecord) error
	MarkDispatched(ctx context.Context, correlationID string) error
	MarkFailed(ctx context.Context, correlationID, message string) error
	ConsumeCorrelation(ctx context.Context, correlationID string, decide func(*models.CorrelationRecord) (ocpi.CommandResultType, string)) (*models.CorrelationRecord, error)
}

// PartnerLookup finds the partner a command result is delivered to
type PartnerLookup interface {
	ClientByID(ctx context.Context, id int64) (*ocpi.ClientInformation, error)
}

// ResultPoster delivers command results to the partner
type ResultPoster interface {
	PostCommandResult(ctx context.Context, responseURL, token string, result ocpi.CommandResult) error
}

// Router implements the command flow. The correlation record is written before the device
// is contacted, so an answer can never arrive for an unknown command.
type Router struct {
	store     Store
	partners  PartnerLookup
	poster    ResultPoster
	adapters  *ocpp.Registry
	publisher events.Publisher
	messages  *ocpp.OCPPLogger
	timeout   int
	newID     func() string
}

// NewRouter creates a new command router. timeout is the number of seconds reported to the
// partner in every command response.
func NewRouter(
	store Store,
	partners PartnerLookup,
	poster ResultPoster,
	adapters *ocpp.Registry,
	publisher events.Publisher,
	messages *ocpp.OCPPLogger,
	timeout int,
) *Router {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if timeout <= 0 {
		timeout = ocpi.DefaultCommandTimeout
	}
	return &Router{
		store:     store,
		partners:  partners,
		poster:    poster,
		adapters:  adapters,
		publisher: publisher,
		messages:  messages,
		timeout:   timeout,
		newID:     uuid.NewString,
	}
}

// Submit validates, resolves and dispatches a command. Resolution and capability problems
// are answered in the command response; only storage and transport failures are errors.
func (r *Router) Submit(ctx context.Context, partner *ocpi.ClientInformation, origin ocpi.PartyIdentity, payload ocpi.CommandPayload) (*ocpi.CommandResponse, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	commandType := payload.CommandType()

	log := logrus.WithFields(logrus.Fields{
		"clientID":    partner.ID,
		"commandType": commandType,
		"origin":      origin.String(),
	})

	target, err := r.resolve(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, ocpi.ErrUnknownLocation):
		log.WithError(err).Info("Command for unknown location")
		return r.response(ocpi.CommandResponseUnknownLocation, err), nil
	case errors.Is(err, ocpi.ErrUnknownSession):
		log.WithError(err).Info("Command for unknown session")
		return r.response(ocpi.CommandResponseUnknownSession, err), nil
	case errors.Is(err, ocpi.ErrNotFound), errors.Is(err, ocpi.ErrUnknownReservation):
		log.WithError(err).Info("Command target could not be resolved")
		return r.response(ocpi.CommandResponseRejected, err), nil
	default:
		return nil, fmt.Errorf("resolving %s target: %w", commandType, err)
	}

	log = log.WithFields(logrus.Fields{
		"chargePointID": target.ChargePointID,
		"ocppVersion":   target.OCPPVersion,
	})

	adapter, ok := r.adapters.Get(target.OCPPVersion)
	if !ok || !adapter.Supports(commandType, target) {
		log.Info("Command not supported by station")
		return r.response(ocpi.CommandResponseNotSupported, nil), nil
	}
	if commandType == ocpi.CommandReserveNow || commandType == ocpi.CommandCancelReservation {
		if _, ok := adapter.(ocpp.Reserver); !ok {
			log.Info("Reservations not supported by station")
			return r.response(ocpi.CommandResponseNotSupported, nil), nil
		}
	}

	rec := &models.CorrelationRecord{
		CorrelationID: r.newID(),
		ClientID:      partner.ID,
		CallbackURL:   payload.CallbackURL(),
		Context: ocpi.CommandContext{
			CommandType:     commandType,
			OriginParty:     origin,
			TargetStationID: target.ChargePointID,
			ResponseURL:     payload.CallbackURL(),
			TimeoutSeconds:  r.timeout,
			ReservationID:   reservationID(payload),
		},
		ChargePointID: target.ChargePointID,
		OCPPVersion:   target.OCPPVersion,
		Status:        string(ocpi.CommandSubmitted),
	}
	if err := r.store.CreateCorrelation(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting %s command: %w", commandType, err)
	}
	log = log.WithField("correlationID", rec.CorrelationID)

	cmd := ocpp.Command{CorrelationID: rec.CorrelationID, PartnerID: partner.ID, Target: target}
	if err := r.dispatch(ctx, adapter, cmd, payload); err != nil {
		log.WithError(err).Warn("Command dispatch failed")
		if markErr := r.store.MarkFailed(ctx, rec.CorrelationID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to close correlation record")
		}
		r.publish(ctx, events.CommandFailed, rec.CorrelationID, commandEvent(rec, ocpi.CommandResultFailed, err.Error()))

		switch {
		case errors.Is(err, ocpi.ErrUnknownSession):
			return r.response(ocpi.CommandResponseUnknownSession, err), nil
		case errors.Is(err, ocpi.ErrNotSupported):
			return r.response(ocpi.CommandResponseNotSupported, err), nil
		case errors.Is(err, ocpi.ErrUpstreamUnavailable):
			return nil, err
		}
		return nil, fmt.Errorf("%w: dispatching %s: %v", ocpi.ErrUpstreamUnavailable, commandType, err)
	}

	if err := r.store.MarkDispatched(ctx, rec.CorrelationID); err != nil {
		log.WithError(err).Warn("Failed to mark command dispatched")
	}
	r.publish(ctx, events.CommandDispatched, rec.CorrelationID, commandEvent(rec, "", ""))
	log.Info("Command dispatched")

	return &ocpi.CommandResponse{Result: ocpi.CommandResponseAccepted, Timeout: r.timeout}, nil
}

// HandleDeviceCallback interprets a device answer and delivers the result to the partner
// exactly once. Answers for unknown or already completed commands yield ErrNotFound and
// nothing is sent.
func (r *Router) HandleDeviceCallback(ctx context.Context, partnerID int64, version string, commandType ocpi.CommandType, correlationID string, body []byte) error {
	log := logrus.WithFields(logrus.Fields{
		"clientID":      partnerID,
		"ocppVersion":   version,
		"commandType":   commandType,
		"correlationID": correlationID,
	})

	if _, err := uuid.Parse(correlationID); err != nil {
		log.Warn("Device answer with malformed correlation id dropped")
		return fmt.Errorf("%w: correlation %q", ocpi.ErrNotFound, correlationID)
	}

	// the stored command type and protocol version decide how the answer is read
	var outcome ocpp.Outcome
	rec, err := r.store.ConsumeCorrelation(ctx, correlationID, func(open *models.CorrelationRecord) (ocpi.CommandResultType, string) {
		outcome = r.interpret(open.OCPPVersion, open.Context.CommandType, body)
		return outcome.Result, outcome.Message
	})
	if err != nil {
		if errors.Is(err, ocpi.ErrNotFound) {
			log.Warn("Device answer for unknown or completed command dropped")
			r.publish(ctx, events.CommandCallbackRejected, correlationID, map[string]interface{}{
				"correlationId": correlationID,
				"commandType":   commandType,
			})
		}
		return err
	}
	log = log.WithField("chargePointID", rec.ChargePointID)

	r.messages.LogResponse(rec.ChargePointID, string(rec.Context.CommandType), correlationID, json.RawMessage(body), "Inbound")

	if rec.ClientID != partnerID || rec.Context.CommandType != commandType || rec.OCPPVersion != version {
		log.WithFields(logrus.Fields{
			"recordClientID":    rec.ClientID,
			"recordCommandType": rec.Context.CommandType,
			"recordOCPPVersion": rec.OCPPVersion,
		}).Warn("Device answer route does not match the command record")
	}

	if rec.Context.ReservationID != "" {
		if adapter, ok := r.adapters.Get(rec.OCPPVersion); ok {
			if reserver, ok := adapter.(ocpp.Reserver); ok {
				if err := reserver.ReservationAnswered(ctx, rec.Context.CommandType, rec.Context.ReservationID, outcome.Result); err != nil {
					log.WithError(err).WithField("reservationID", rec.Context.ReservationID).Error("Failed to settle reservation")
				}
			}
		}
	}

	partner, err := r.partners.ClientByID(ctx, rec.ClientID)
	if err != nil {
		log.WithError(err).Error("Partner of completed command not found")
		r.publish(ctx, events.CommandFailed, correlationID, commandEvent(rec, outcome.Result, err.Error()))
		return fmt.Errorf("%w: partner %d: %v", ocpi.ErrUpstreamUnavailable, rec.ClientID, err)
	}

	result := ocpi.CommandResult{Result: outcome.Result, Message: ocpi.NewDisplayText(outcome.Message)}
	if err := r.poster.PostCommandResult(ctx, rec.CallbackURL, partner.PartnerToken, result); err != nil {
		log.WithError(err).Error("Failed to deliver command result")
		r.publish(ctx, events.CommandFailed, correlationID, commandEvent(rec, outcome.Result, err.Error()))
		return err
	}

	log.WithField("result", outcome.Result).Info("Command result delivered")
	r.publish(ctx, events.CommandCompleted, correlationID, commandEvent(rec, outcome.Result, outcome.Message))
	return nil
}

// Callback adapts HandleDeviceCallback to the transport callback signature
func (r *Router) Callback() ocpp.CallbackFunc {
	return func(ctx context.Context, partnerID int64, version string, commandType ocpi.CommandType, correlationID string, body []byte) {
		if err := r.HandleDeviceCallback(ctx, partnerID, version, commandType, correlationID, body); err != nil {
			logrus.WithError(err).WithField("correlationID", correlationID).Debug("Device answer not delivered")
		}
	}
}

// interpret maps a device answer with the adapter for version
func (r *Router) interpret(version string, commandType ocpi.CommandType, body []byte) ocpp.Outcome {
	adapter, ok := r.adapters.Get(version)
	if !ok {
		return ocpp.Outcome{Result: ocpi.CommandResultFailed, Message: fmt.Sprintf("unsupported device protocol %q", version)}
	}
	return adapter.HandleCallback(commandType, body)
}

func (r *Router) resolve(ctx context.Context, payload ocpi.CommandPayload) (*models.Target, error) {
	switch p := payload.(type) {
	case *ocpi.StartSession:
		return r.store.ResolveEVSE(ctx, p.LocationID, p.EVSEUID, p.ConnectorID)
	case *ocpi.StopSession:
		return r.store.ResolveSession(ctx, p.SessionID)
	case *ocpi.ReserveNow:
		return r.store.ResolveEVSE(ctx, p.LocationID, p.EVSEUID, "")
	case *ocpi.CancelReservation:
		return r.store.ResolveReservation(ctx, p.ReservationID)
	case *ocpi.UnlockConnector:
		return r.store.ResolveEVSE(ctx, p.LocationID, p.EVSEUID, p.ConnectorID)
	}
	return nil, fmt.Errorf("%w: unknown command payload %T", ocpi.ErrBadRequest, payload)
}

func (r *Router) dispatch(ctx context.Context, adapter ocpp.Adapter, cmd ocpp.Command, payload ocpi.CommandPayload) error {
	switch p := payload.(type) {
	case *ocpi.StartSession:
		return adapter.SendStart(ctx, cmd, p)
	case *ocpi.StopSession:
		return adapter.SendStop(ctx, cmd, p)
	case *ocpi.UnlockConnector:
		return adapter.SendUnlock(ctx, cmd, p)
	case *ocpi.ReserveNow:
		if reserver, ok := adapter.(ocpp.Reserver); ok {
			return reserver.SendReserve(ctx, cmd, p)
		}
	case *ocpi.CancelReservation:
		if reserver, ok := adapter.(ocpp.Reserver); ok {
			return reserver.SendCancelReservation(ctx, cmd, p)
		}
	}
	return fmt.Errorf("%w: %s over OCPP %s", ocpi.ErrNotSupported, payload.CommandType(), adapter.Version())
}

func reservationID(payload ocpi.CommandPayload) string {
	switch p := payload.(type) {
	case *ocpi.ReserveNow:
		return p.ReservationID
	case *ocpi.CancelReservation:
		return p.ReservationID
	}
	return ""
}

func (r *Router) response(result ocpi.CommandResponseType, reason error) *ocpi.CommandResponse {
	resp := &ocpi.CommandResponse{Result: result, Timeout: r.timeout}
	if reason != nil {
		resp.Message = ocpi.NewDisplayText(reason.Error())
	}
	return resp
}

func (r *Router) publish(ctx context.Context, eventType, subject string, data interface{}) {
	if err := r.publisher.Publish(ctx, eventType, subject, data); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"event":   eventType,
			"subject": subject,
		}).Warn("Failed to publish command event")
	}
}

func commandEvent(rec *models.CorrelationRecord, result ocpi.CommandResultType, message string) map[string]interface{} {
	data := map[string]interface{}{
		"correlationId": rec.CorrelationID,
		"clientId":      rec.ClientID,
		"commandType":   rec.Context.CommandType,
		"chargePointId": rec.ChargePointID,
		"ocppVersion":   rec.OCPPVersion,
	}
	if result != "" {
		data["result"] = result
	}
	if message != "" {
		data["message"] = message
	}
	return data
}
