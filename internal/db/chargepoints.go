package db

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/jackc/pgx/v5"
)

// SaveChargePoint creates or updates a charge point in the database
func (s *PostgresStore) SaveChargePoint(ctx context.Context, cp *models.ChargePoint) error {
	query := `
		INSERT INTO charge_points (
			id, vendor, model, serial_number, firmware_version, ocpp_version, feature_profiles,
			last_heartbeat, registration_status, connected_since, is_connected,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			vendor = $2,
			model = $3,
			serial_number = $4,
			firmware_version = $5,
			ocpp_version = $6,
			feature_profiles = $7,
			last_heartbeat = $8,
			registration_status = $9,
			connected_since = CASE WHEN charge_points.is_connected = FALSE AND $11 = TRUE THEN $10 ELSE charge_points.connected_since END,
			is_connected = $11,
			updated_at = $13
	`

	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.FeatureProfiles == nil {
		cp.FeatureProfiles = []string{}
	}

	_, err := s.pool.Exec(ctx, query,
		cp.ID, cp.Vendor, cp.Model, cp.SerialNumber, cp.FirmwareVersion, cp.OCPPVersion, cp.FeatureProfiles,
		nullTime(cp.LastHeartbeat), cp.RegistrationStatus, nullTime(cp.ConnectedSince), cp.IsConnected,
		cp.CreatedAt, cp.UpdatedAt,
	)
	return mapError(err, "saving charge point "+cp.ID)
}

// GetChargePoint retrieves a charge point by its ID
func (s *PostgresStore) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	query, args, err := s.chargePointSelect().Where("id = ?", id).ToSql()
	if err != nil {
		return nil, err
	}

	cp, err := scanChargePoint(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "charge point "+id)
	}
	return cp, nil
}

// GetAllChargePoints retrieves all charge points
func (s *PostgresStore) GetAllChargePoints(ctx context.Context) ([]*models.ChargePoint, error) {
	query, args, err := s.chargePointSelect().OrderBy("created_at DESC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chargePoints []*models.ChargePoint
	for rows.Next() {
		cp, err := scanChargePoint(rows)
		if err != nil {
			return nil, err
		}
		chargePoints = append(chargePoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return chargePoints, nil
}

// SaveConnector creates or updates a connector
func (s *PostgresStore) SaveConnector(ctx context.Context, connector *models.Connector) error {
	query := `
		INSERT INTO connectors (
			id, charge_point_id, status, error_code, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (charge_point_id, id) DO UPDATE SET
			status = $3,
			error_code = $4,
			updated_at = $6
	`

	now := time.Now()
	if connector.CreatedAt.IsZero() {
		connector.CreatedAt = now
	}
	connector.UpdatedAt = now

	_, err := s.pool.Exec(ctx, query,
		connector.ID, connector.ChargePointID, connector.Status, connector.ErrorCode,
		connector.CreatedAt, connector.UpdatedAt,
	)
	return err
}

// GetConnectors retrieves all connectors for a charge point
func (s *PostgresStore) GetConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error) {
	query := `
		SELECT
			id, charge_point_id, status, error_code, created_at, updated_at
		FROM connectors
		WHERE charge_point_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, chargePointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []*models.Connector
	for rows.Next() {
		c := &models.Connector{}
		if err := rows.Scan(
			&c.ID, &c.ChargePointID, &c.Status, &c.ErrorCode,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return connectors, nil
}

// UpdateChargePointConnection updates the connection status of a charge point
func (s *PostgresStore) UpdateChargePointConnection(ctx context.Context, id string, connected bool) error {
	var query string
	var args []interface{}
	now := time.Now()

	if connected {
		query = `
			UPDATE charge_points
			SET is_connected = true, connected_since = $1, updated_at = $2
			WHERE id = $3
		`
		args = []interface{}{now, now, id}
	} else {
		query = `
			UPDATE charge_points
			SET is_connected = false, updated_at = $1
			WHERE id = $2
		`
		args = []interface{}{now, id}
	}

	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// UpdateHeartbeat updates the last heartbeat time of a charge point
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE charge_points
		SET last_heartbeat = $1, updated_at = $1
		WHERE id = $2
	`

	now := time.Now()
	_, err := s.pool.Exec(ctx, query, now, id)
	return err
}

// UpdateFeatureProfiles stores the feature profiles a station reported
func (s *PostgresStore) UpdateFeatureProfiles(ctx context.Context, id string, profiles []string) error {
	if profiles == nil {
		profiles = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE charge_points
		SET feature_profiles = $1, updated_at = $2
		WHERE id = $3
	`, profiles, time.Now(), id)
	if err != nil {
		return mapError(err, "feature profiles of "+id)
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "charge point "+id)
	}
	return nil
}

func (s *PostgresStore) chargePointSelect() sq.SelectBuilder {
	return s.sb.Select(
		"id", "vendor", "model", "serial_number", "firmware_version", "ocpp_version", "feature_profiles",
		"last_heartbeat", "registration_status", "connected_since", "is_connected",
		"created_at", "updated_at",
	).From("charge_points")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChargePoint(row rowScanner) (*models.ChargePoint, error) {
	cp := &models.ChargePoint{}
	var lastHeartbeat, connectedSince *time.Time
	if err := row.Scan(
		&cp.ID, &cp.Vendor, &cp.Model, &cp.SerialNumber, &cp.FirmwareVersion, &cp.OCPPVersion, &cp.FeatureProfiles,
		&lastHeartbeat, &cp.RegistrationStatus, &connectedSince, &cp.IsConnected,
		&cp.CreatedAt, &cp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastHeartbeat != nil {
		cp.LastHeartbeat = *lastHeartbeat
	}
	if connectedSince != nil {
		cp.ConnectedSince = *connectedSince
	}
	return cp, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
