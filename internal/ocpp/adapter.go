package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Negotiated OCPP versions a station can speak
const (
	Version16  = "1.6"
	Version201 = "2.0.1"
)

// Counter types kept per station, mirrored from the store
const (
	counterRemoteStart = "remote_start"
	counterReservation = "reservation"
	counterTransaction = "transaction"
)

// Sequencer hands out per-station integer ids
type Sequencer interface {
	NextSequence(ctx context.Context, stationID, counterType string) (int, error)
}

// ReservationStore remembers which device reservation id belongs to an OCPI reservation.
// A new reservation stays pending until the station accepts it.
type ReservationStore interface {
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	SaveReservation(ctx context.Context, r *models.Reservation) error
	ConfirmReservation(ctx context.Context, reservationID string) error
	DiscardPendingReservation(ctx context.Context, reservationID string) error
	DeleteReservation(ctx context.Context, reservationID string) error
}

// Command is one OCPI command on its way to a station
type Command struct {
	CorrelationID string
	PartnerID     int64
	Target        *models.Target
}

// Outcome is the neutral result of a device answer
type Outcome struct {
	Result  ocpi.CommandResultType
	Message string
}

// Adapter translates OCPI commands into one OCPP version and interprets the answers
type Adapter interface {
	Version() string
	Supports(commandType ocpi.CommandType, target *models.Target) bool
	SendStart(ctx context.Context, cmd Command, payload *ocpi.StartSession) error
	SendStop(ctx context.Context, cmd Command, payload *ocpi.StopSession) error
	SendUnlock(ctx context.Context, cmd Command, payload *ocpi.UnlockConnector) error
	HandleCallback(commandType ocpi.CommandType, body []byte) Outcome
}

// Reserver is implemented by adapters that carry reservations
type Reserver interface {
	SendReserve(ctx context.Context, cmd Command, payload *ocpi.ReserveNow) error
	SendCancelReservation(ctx context.Context, cmd Command, payload *ocpi.CancelReservation) error
	// ReservationAnswered settles the stored reservation once the station answered
	ReservationAnswered(ctx context.Context, commandType ocpi.CommandType, reservationID string, result ocpi.CommandResultType) error
}

// Registry selects an adapter by negotiated OCPP version
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Version()] = a
	}
	return r
}

// Get returns the adapter for version
func (r *Registry) Get(version string) (Adapter, bool) {
	a, ok := r.adapters[version]
	return a, ok
}

// Versions lists the registered versions
func (r *Registry) Versions() []string {
	versions := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		versions = append(versions, v)
	}
	return versions
}

// CallbackEnvelope is what a device transport delivers for an answered command: either the
// OCPP confirmation payload or the CallError the station replied with.
type CallbackEnvelope struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *CallbackError  `json:"error,omitempty"`
}

// CallbackError is an OCPP CallError, or "Timeout" when the station never answered
type CallbackError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Error codes carried in a CallbackError
const (
	ErrorCodeTimeout        = "Timeout"
	ErrorCodeNotImplemented = "NotImplemented"
	ErrorCodeNotSupported   = "NotSupported"
	ErrorCodeGeneric        = "GenericError"
)

// NewErrorEnvelope builds the envelope for a device-side error
func NewErrorEnvelope(code, description string) []byte {
	body, _ := json.Marshal(CallbackEnvelope{Error: &CallbackError{Code: code, Description: description}})
	return body
}

// NewPayloadEnvelope builds the envelope for a confirmation
func NewPayloadEnvelope(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(CallbackEnvelope{Payload: raw})
}

// decodeCallback unwraps the envelope into dst. A non-nil outcome means the answer was an
// error or could not be read and dst is untouched.
func decodeCallback(body []byte, dst interface{}) *Outcome {
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &Outcome{Result: ocpi.CommandResultFailed, Message: "malformed device answer"}
	}
	if env.Error != nil {
		out := errorOutcome(env.Error)
		return &out
	}
	if len(env.Payload) == 0 {
		return &Outcome{Result: ocpi.CommandResultFailed, Message: "empty device answer"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &Outcome{Result: ocpi.CommandResultFailed, Message: fmt.Sprintf("malformed device answer: %v", err)}
	}
	return nil
}

func errorOutcome(e *CallbackError) Outcome {
	message := e.Code
	if e.Description != "" {
		message = e.Code + ": " + e.Description
	}
	switch e.Code {
	case ErrorCodeTimeout:
		return Outcome{Result: ocpi.CommandResultTimeout, Message: message}
	case ErrorCodeNotImplemented, ErrorCodeNotSupported:
		return Outcome{Result: ocpi.CommandResultNotSupported, Message: message}
	}
	return Outcome{Result: ocpi.CommandResultFailed, Message: message}
}

func unknownStatus(status string) Outcome {
	return Outcome{Result: ocpi.CommandResultFailed, Message: fmt.Sprintf("unexpected device status %q", status)}
}

func isTimeout(description string) bool {
	d := strings.ToLower(description)
	return strings.Contains(d, "timeout") || strings.Contains(d, "timed out")
}
