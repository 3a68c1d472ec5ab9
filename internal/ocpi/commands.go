package ocpi

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultCommandTimeout is the number of seconds reported to the caller in a command response
const DefaultCommandTimeout = 30

// CommandType names an OCPI command
type CommandType string

const (
	CommandStartSession      CommandType = "START_SESSION"
	CommandStopSession       CommandType = "STOP_SESSION"
	CommandReserveNow        CommandType = "RESERVE_NOW"
	CommandCancelReservation CommandType = "CANCEL_RESERVATION"
	CommandUnlockConnector   CommandType = "UNLOCK_CONNECTOR"
)

// ParseCommandType accepts the command name in any case
func ParseCommandType(s string) (CommandType, error) {
	t := CommandType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case CommandStartSession, CommandStopSession, CommandReserveNow, CommandCancelReservation, CommandUnlockConnector:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown command %q", ErrBadRequest, s)
}

// CommandResponseType is the synchronous acknowledgement of a command
type CommandResponseType string

const (
	CommandResponseAccepted        CommandResponseType = "ACCEPTED"
	CommandResponseRejected        CommandResponseType = "REJECTED"
	CommandResponseNotSupported    CommandResponseType = "NOT_SUPPORTED"
	CommandResponseUnknownSession  CommandResponseType = "UNKNOWN_SESSION"
	CommandResponseUnknownLocation CommandResponseType = "UNKNOWN_LOCATION"
)

// CommandResultType is the terminal outcome delivered to the response_url
type CommandResultType string

const (
	CommandResultAccepted            CommandResultType = "ACCEPTED"
	CommandResultCanceledReservation CommandResultType = "CANCELED_RESERVATION"
	CommandResultEVSEOccupied        CommandResultType = "EVSE_OCCUPIED"
	CommandResultEVSEInoperative     CommandResultType = "EVSE_INOPERATIVE"
	CommandResultFailed              CommandResultType = "FAILED"
	CommandResultNotSupported        CommandResultType = "NOT_SUPPORTED"
	CommandResultRejected            CommandResultType = "REJECTED"
	CommandResultTimeout             CommandResultType = "TIMEOUT"
	CommandResultUnknownReservation  CommandResultType = "UNKNOWN_RESERVATION"
)

// CommandStatus is the lifecycle state of a dispatched command
type CommandStatus string

const (
	CommandSubmitted  CommandStatus = "SUBMITTED"
	CommandDispatched CommandStatus = "DISPATCHED"
	CommandCompleted  CommandStatus = "COMPLETED"
	CommandFailed     CommandStatus = "FAILED"
)

// DisplayText is a human readable message with its language
type DisplayText struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// NewDisplayText returns nil for an empty text
func NewDisplayText(text string) *DisplayText {
	if text == "" {
		return nil
	}
	return &DisplayText{Language: "en", Text: text}
}

// CommandResponse is returned synchronously from the commands module
type CommandResponse struct {
	Result  CommandResponseType `json:"result"`
	Timeout int                 `json:"timeout"`
	Message *DisplayText        `json:"message,omitempty"`
}

// CommandResult is posted to the response_url once the device answered
type CommandResult struct {
	Result  CommandResultType `json:"result"`
	Message *DisplayText      `json:"message,omitempty"`
}

// CommandContext is what the router needs to remember about a command in flight
type CommandContext struct {
	CommandType     CommandType   `json:"commandType"`
	OriginParty     PartyIdentity `json:"originParty"`
	TargetStationID string        `json:"targetStationId"`
	ResponseURL     string        `json:"responseUrl"`
	TimeoutSeconds  int           `json:"timeoutSeconds"`
	ReservationID   string        `json:"reservationId,omitempty"`
}

// CommandPayload is implemented by the body of every command
type CommandPayload interface {
	CommandType() CommandType
	CallbackURL() string
	Validate() error
}

// StartSession is the START_SESSION body
type StartSession struct {
	ResponseURL            string `json:"response_url"`
	Token                  Token  `json:"token"`
	LocationID             string `json:"location_id"`
	EVSEUID                string `json:"evse_uid,omitempty"`
	ConnectorID            string `json:"connector_id,omitempty"`
	AuthorizationReference string `json:"authorization_reference,omitempty"`
}

func (c *StartSession) CommandType() CommandType { return CommandStartSession }
func (c *StartSession) CallbackURL() string      { return c.ResponseURL }

func (c *StartSession) Validate() error {
	if err := validateResponseURL(c.ResponseURL); err != nil {
		return err
	}
	if c.Token.UID == "" {
		return fmt.Errorf("%w: token.uid is required", ErrBadRequest)
	}
	if c.LocationID == "" {
		return fmt.Errorf("%w: location_id is required", ErrBadRequest)
	}
	return nil
}

// StopSession is the STOP_SESSION body
type StopSession struct {
	ResponseURL string `json:"response_url"`
	SessionID   string `json:"session_id"`
}

func (c *StopSession) CommandType() CommandType { return CommandStopSession }
func (c *StopSession) CallbackURL() string      { return c.ResponseURL }

func (c *StopSession) Validate() error {
	if err := validateResponseURL(c.ResponseURL); err != nil {
		return err
	}
	if c.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrBadRequest)
	}
	return nil
}

// ReserveNow is the RESERVE_NOW body
type ReserveNow struct {
	ResponseURL            string    `json:"response_url"`
	Token                  Token     `json:"token"`
	ExpiryDate             time.Time `json:"expiry_date"`
	ReservationID          string    `json:"reservation_id"`
	LocationID             string    `json:"location_id"`
	EVSEUID                string    `json:"evse_uid,omitempty"`
	AuthorizationReference string    `json:"authorization_reference,omitempty"`
}

func (c *ReserveNow) CommandType() CommandType { return CommandReserveNow }
func (c *ReserveNow) CallbackURL() string      { return c.ResponseURL }

func (c *ReserveNow) Validate() error {
	if err := validateResponseURL(c.ResponseURL); err != nil {
		return err
	}
	if c.Token.UID == "" {
		return fmt.Errorf("%w: token.uid is required", ErrBadRequest)
	}
	if c.ReservationID == "" {
		return fmt.Errorf("%w: reservation_id is required", ErrBadRequest)
	}
	if c.LocationID == "" {
		return fmt.Errorf("%w: location_id is required", ErrBadRequest)
	}
	if c.ExpiryDate.IsZero() {
		return fmt.Errorf("%w: expiry_date is required", ErrBadRequest)
	}
	return nil
}

// CancelReservation is the CANCEL_RESERVATION body
type CancelReservation struct {
	ResponseURL   string `json:"response_url"`
	ReservationID string `json:"reservation_id"`
}

func (c *CancelReservation) CommandType() CommandType { return CommandCancelReservation }
func (c *CancelReservation) CallbackURL() string      { return c.ResponseURL }

func (c *CancelReservation) Validate() error {
	if err := validateResponseURL(c.ResponseURL); err != nil {
		return err
	}
	if c.ReservationID == "" {
		return fmt.Errorf("%w: reservation_id is required", ErrBadRequest)
	}
	return nil
}

// UnlockConnector is the UNLOCK_CONNECTOR body
type UnlockConnector struct {
	ResponseURL string `json:"response_url"`
	LocationID  string `json:"location_id"`
	EVSEUID     string `json:"evse_uid"`
	ConnectorID string `json:"connector_id"`
}

func (c *UnlockConnector) CommandType() CommandType { return CommandUnlockConnector }
func (c *UnlockConnector) CallbackURL() string      { return c.ResponseURL }

func (c *UnlockConnector) Validate() error {
	if err := validateResponseURL(c.ResponseURL); err != nil {
		return err
	}
	if c.LocationID == "" || c.EVSEUID == "" || c.ConnectorID == "" {
		return fmt.Errorf("%w: location_id, evse_uid and connector_id are required", ErrBadRequest)
	}
	return nil
}

// NewCommandPayload returns an empty body for the command type, ready to be decoded into
func NewCommandPayload(t CommandType) (CommandPayload, error) {
	switch t {
	case CommandStartSession:
		return &StartSession{}, nil
	case CommandStopSession:
		return &StopSession{}, nil
	case CommandReserveNow:
		return &ReserveNow{}, nil
	case CommandCancelReservation:
		return &CancelReservation{}, nil
	case CommandUnlockConnector:
		return &UnlockConnector{}, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrBadRequest, t)
}

func validateResponseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: response_url is required", ErrBadRequest)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: response_url %q is not an absolute http(s) url", ErrBadRequest, raw)
	}
	return nil
}
