// Package events publishes registration and command lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	RegistrationInitiated   = "registration.initiated"
	RegistrationCompleted   = "registration.completed"
	RegistrationRemoved     = "registration.removed"
	CommandDispatched       = "command.dispatched"
	CommandCompleted        = "command.completed"
	CommandFailed           = "command.failed"
	CommandCallbackRejected = "command.callback_rejected"
)

// Event is the envelope written to the bus
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Publisher emits lifecycle events. Publishing is best effort: callers log a failure and
// carry on, an event is never a precondition of a protocol step.
type Publisher interface {
	Publish(ctx context.Context, eventType, subject string, data interface{}) error
	Close() error
}

// Nop discards every event
type Nop struct{}

// Publish drops the event
func (Nop) Publish(context.Context, string, string, interface{}) error { return nil }

// Close does nothing
func (Nop) Close() error { return nil }

// NATSPublisher publishes events as JSON on core NATS subjects "<prefix>.<type>"
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url
func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logrus.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the NATS subject an event type is published on
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Publish encodes data into an Event and publishes it
func (p *NATSPublisher) Publish(ctx context.Context, eventType, subject string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s event data: %w", eventType, err)
		}
		event.Data = raw
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	if err := p.conn.Publish(p.Subject(eventType), payload); err != nil {
		return fmt.Errorf("publishing %s event: %w", eventType, err)
	}
	return nil
}

// Close flushes pending events and closes the connection
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	if err != nil {
		p.conn.Close()
	}
	return err
}
