package db

import (
	"context"
	"fmt"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
)

// StartSession records a session opened by a station
func (s *PostgresStore) StartSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (
			session_id, charge_point_id, transaction_id, connector_id, id_tag,
			start_time, meter_start, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = models.SessionInProgress
	}

	_, err := s.pool.Exec(ctx, query,
		session.SessionID, session.ChargePointID, session.TransactionID, session.ConnectorID, session.IdTag,
		session.StartTime, session.MeterStart, session.Status, session.CreatedAt, session.UpdatedAt,
	)
	return mapError(err, "starting session "+session.SessionID)
}

// StopSession closes the session a station reports as stopped
func (s *PostgresStore) StopSession(ctx context.Context, chargePointID, transactionID string, endTime time.Time, meterStop int) error {
	query := `
		UPDATE sessions
		SET end_time = $1, meter_stop = $2, status = $3, updated_at = $4
		WHERE charge_point_id = $5 AND transaction_id = $6
	`

	tag, err := s.pool.Exec(ctx, query, endTime, meterStop, models.SessionCompleted, time.Now(), chargePointID, transactionID)
	if err != nil {
		return fmt.Errorf("stopping session %s/%s: %w", chargePointID, transactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no session for transaction %s on %s", transactionID, chargePointID)
	}
	return nil
}

// GetSession retrieves a session by its OCPI id
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `
		SELECT
			session_id, charge_point_id, transaction_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status,
			created_at, updated_at
		FROM sessions
		WHERE session_id = $1
	`

	session := &models.Session{}
	var endTime *time.Time
	var meterStop *int32
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.SessionID, &session.ChargePointID, &session.TransactionID, &session.ConnectorID, &session.IdTag,
		&session.StartTime, &endTime, &session.MeterStart, &meterStop, &session.Status,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "session "+sessionID)
	}

	if endTime != nil {
		session.EndTime = *endTime
	}
	if meterStop != nil {
		session.MeterStop = int(*meterStop)
	}

	return session, nil
}
