package models

import (
	"strings"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// ChargePoint represents a charging station known to this node
type ChargePoint struct {
	ID                 string    `json:"id"`
	Vendor             string    `json:"vendor"`
	Model              string    `json:"model"`
	SerialNumber       string    `json:"serialNumber"`
	FirmwareVersion    string    `json:"firmwareVersion"`
	OCPPVersion        string    `json:"ocppVersion"`
	FeatureProfiles    []string  `json:"featureProfiles"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	RegistrationStatus string    `json:"registrationStatus"`
	ConnectedSince     time.Time `json:"connectedSince"`
	IsConnected        bool      `json:"isConnected"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// HasFeatureProfile reports whether the station announced the given OCPP feature profile.
// Profile names are compared case-insensitively.
func (cp *ChargePoint) HasFeatureProfile(profile string) bool {
	for _, p := range cp.FeatureProfiles {
		if strings.EqualFold(p, profile) {
			return true
		}
	}
	return false
}

// Connector represents a connector/plug on a charge point
type Connector struct {
	ID            int       `json:"id"`
	ChargePointID string    `json:"chargePointId"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"errorCode"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Session states
const (
	SessionInProgress = "InProgress"
	SessionCompleted  = "Completed"
)

// Session is a charging session as reported by the station
type Session struct {
	SessionID     string    `json:"sessionId"`
	ChargePointID string    `json:"chargePointId"`
	TransactionID string    `json:"transactionId"`
	ConnectorID   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime,omitempty"`
	MeterStart    int       `json:"meterStart"`
	MeterStop     int       `json:"meterStop,omitempty"`
	Status        string    `json:"status"` // InProgress, Completed
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Reservation links an OCPI reservation to the integer id the station knows it by
type Reservation struct {
	ReservationID       string    `json:"reservationId"`
	ChargePointID       string    `json:"chargePointId"`
	DeviceReservationID int       `json:"deviceReservationId"`
	LocationID          string    `json:"locationId"`
	EVSEUID             string    `json:"evseUid"`
	ExpiryDate          time.Time `json:"expiryDate"`
	Confirmed           bool      `json:"confirmed"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Target is a resolved command target: the station plus whatever device-level ids the
// command needs. Fields that do not apply to a command are left zero.
type Target struct {
	ChargePointID       string
	OCPPVersion         string
	FeatureProfiles     []string
	LocationID          string
	EVSEUID             string
	EVSEID              int
	ConnectorID         int
	TransactionID       string
	DeviceReservationID int
}

// HasFeatureProfile reports whether the target station announced profile
func (t *Target) HasFeatureProfile(profile string) bool {
	for _, p := range t.FeatureProfiles {
		if strings.EqualFold(p, profile) {
			return true
		}
	}
	return false
}

// CorrelationRecord tracks one command between its submission and the device answer
type CorrelationRecord struct {
	CorrelationID string              `json:"correlationId"`
	ClientID      int64               `json:"clientId"`
	CallbackURL   string              `json:"callbackUrl"`
	Context       ocpi.CommandContext `json:"context"`
	ChargePointID string              `json:"chargePointId"`
	OCPPVersion   string              `json:"ocppVersion"`
	Status        string              `json:"status"`
	Result        string              `json:"result,omitempty"`
	Message       string              `json:"message,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	DispatchedAt  *time.Time          `json:"dispatchedAt,omitempty"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// StoredToken maps a driver token to the party that issued it
type StoredToken struct {
	UID        string             `json:"uid"`
	Type       ocpi.TokenType     `json:"type"`
	HomeParty  ocpi.PartyIdentity `json:"homeParty"`
	ContractID string             `json:"contractId"`
}

// OCPPMessage represents a logged OCPP message
type OCPPMessage struct {
	ID            int       `json:"id"`
	ChargePointID string    `json:"chargePointId"`
	MessageType   string    `json:"messageType"` // Request or Response
	Action        string    `json:"action"`      // OCPP action like RemoteStartTransaction, UnlockConnector, etc.
	RequestID     string    `json:"requestId"`   // correlation id of the command, when there is one
	Payload       string    `json:"payload"`     // JSON string of the message
	Direction     string    `json:"direction"`   // Inbound or Outbound
	Timestamp     time.Time `json:"timestamp"`
}
