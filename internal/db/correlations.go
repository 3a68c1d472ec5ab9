package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/jackc/pgx/v5"
)

const correlationColumns = `
	correlation_id::text, client_id, callback_url, context, charge_point_id, ocpp_version,
	status, COALESCE(result, ''), COALESCE(message, ''), created_at, dispatched_at, completed_at
`

// CreateCorrelation persists a command before it is handed to the device. A correlation id
// can only be inserted once.
func (s *PostgresStore) CreateCorrelation(ctx context.Context, rec *models.CorrelationRecord) error {
	commandContext, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("encoding command context: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = string(ocpi.CommandSubmitted)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO command_correlations (
			correlation_id, client_id, callback_url, command_type, context,
			charge_point_id, ocpp_version, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.CorrelationID, rec.ClientID, rec.CallbackURL, string(rec.Context.CommandType), string(commandContext),
		rec.ChargePointID, rec.OCPPVersion, rec.Status, rec.CreatedAt,
	)
	return mapError(err, "inserting correlation "+rec.CorrelationID)
}

// MarkDispatched records that the device transport accepted the command. A record that was
// already completed by a fast device answer keeps its terminal state.
func (s *PostgresStore) MarkDispatched(ctx context.Context, correlationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_correlations
		SET status = $2, dispatched_at = NOW()
		WHERE correlation_id = $1 AND status = $3
	`, correlationID, string(ocpi.CommandDispatched), string(ocpi.CommandSubmitted))
	if err != nil {
		return fmt.Errorf("marking correlation %s dispatched: %w", correlationID, err)
	}
	return nil
}

// MarkFailed closes a record whose command never reached the device, so a late answer
// cannot consume it
func (s *PostgresStore) MarkFailed(ctx context.Context, correlationID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_correlations
		SET status = $2, result = $3, message = $4, completed_at = NOW()
		WHERE correlation_id = $1 AND completed_at IS NULL
	`, correlationID, string(ocpi.CommandFailed), string(ocpi.CommandResultFailed), message)
	if err != nil {
		return fmt.Errorf("marking correlation %s failed: %w", correlationID, err)
	}
	return nil
}

// ConsumeCorrelation atomically completes an open record and returns it. decide computes the
// result from the stored record while the row is locked. Unknown or already completed records
// yield ErrNotFound, which makes the consumption happen once.
func (s *PostgresStore) ConsumeCorrelation(ctx context.Context, correlationID string, decide func(*models.CorrelationRecord) (ocpi.CommandResultType, string)) (*models.CorrelationRecord, error) {
	var rec *models.CorrelationRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		open, err := scanCorrelation(tx.QueryRow(ctx, `
			SELECT `+correlationColumns+`
			FROM command_correlations
			WHERE correlation_id = $1 AND completed_at IS NULL
			FOR UPDATE
		`, correlationID))
		if err != nil {
			return mapError(err, "open correlation "+correlationID)
		}

		result, message := decide(open)
		rec, err = scanCorrelation(tx.QueryRow(ctx, `
			UPDATE command_correlations
			SET status = $2, result = $3, message = NULLIF($4, ''), completed_at = NOW()
			WHERE correlation_id = $1
			RETURNING `+correlationColumns,
			correlationID, string(ocpi.CommandCompleted), string(result), message,
		))
		return mapError(err, "completing correlation "+correlationID)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetCorrelation returns a record in whatever state it is
func (s *PostgresStore) GetCorrelation(ctx context.Context, correlationID string) (*models.CorrelationRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+correlationColumns+` FROM command_correlations WHERE correlation_id = $1`, correlationID)

	rec, err := scanCorrelation(row)
	if err != nil {
		return nil, mapError(err, "correlation "+correlationID)
	}
	return rec, nil
}

func scanCorrelation(row rowScanner) (*models.CorrelationRecord, error) {
	rec := &models.CorrelationRecord{}
	var commandContext []byte
	if err := row.Scan(
		&rec.CorrelationID, &rec.ClientID, &rec.CallbackURL, &commandContext, &rec.ChargePointID, &rec.OCPPVersion,
		&rec.Status, &rec.Result, &rec.Message, &rec.CreatedAt, &rec.DispatchedAt, &rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(commandContext, &rec.Context); err != nil {
		return nil, fmt.Errorf("decoding command context of %s: %w", rec.CorrelationID, err)
	}
	return rec, nil
}
