package ocpp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/sirupsen/logrus"
)

// MessageStore persists device messages
type MessageStore interface {
	LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error
}

// OCPPLogger logs OCPP messages to the database. A nil logger discards everything.
type OCPPLogger struct {
	store MessageStore
}

// NewOCPPLogger creates a new OCPP logger
func NewOCPPLogger(store MessageStore) *OCPPLogger {
	return &OCPPLogger{
		store: store,
	}
}

// LogRequest logs an OCPP request
func (l *OCPPLogger) LogRequest(chargePointID, action, correlationID string, payload interface{}, direction string) {
	l.logMessage(chargePointID, "Request", action, correlationID, payload, direction)
}

// LogResponse logs an OCPP response
func (l *OCPPLogger) LogResponse(chargePointID, action, correlationID string, payload interface{}, direction string) {
	l.logMessage(chargePointID, "Response", action, correlationID, payload, direction)
}

func (l *OCPPLogger) logMessage(chargePointID, messageType, action, correlationID string, payload interface{}, direction string) {
	if l == nil || l.store == nil {
		return
	}

	var payloadJSON []byte
	switch p := payload.(type) {
	case []byte:
		payloadJSON = p
	case json.RawMessage:
		payloadJSON = p
	default:
		var err error
		if payloadJSON, err = json.Marshal(payload); err != nil {
			logrus.WithError(err).Error("Failed to marshal OCPP message payload")
			payloadJSON = []byte("{}")
		}
	}

	msg := &models.OCPPMessage{
		ChargePointID: chargePointID,
		MessageType:   messageType,
		Action:        action,
		RequestID:     correlationID,
		Payload:       string(payloadJSON),
		Direction:     direction,
		Timestamp:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.LogOCPPMessage(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"chargePointID": chargePointID,
			"action":        action,
			"correlationID": correlationID,
			"error":         err,
		}).Error("Failed to log OCPP message")
	}
}
