package db

import (
	"context"
	"encoding/json"

	"github.com/balu-dk/go-ocpi/internal/db/models"
)

// LogOCPPMessage logs an OCPP message to the database
func (s *PostgresStore) LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error {
	query := `
		INSERT INTO ocpp_messages (
			charge_point_id, message_type, action, request_id, payload, direction, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	payload := msg.Payload
	if !json.Valid([]byte(payload)) {
		payload = "{}"
	}

	_, err := s.pool.Exec(ctx, query,
		msg.ChargePointID, msg.MessageType, msg.Action, msg.RequestID, payload, msg.Direction, msg.Timestamp,
	)
	return err
}
