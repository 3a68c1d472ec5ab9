package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/jackc/pgx/v5"
)

// ResolveEVSE maps an OCPI location/EVSE/connector triple onto a station. An unknown location
// yields ErrUnknownLocation; an EVSE or connector that cannot be matched yields ErrNotFound.
// Without evseUID the location must have exactly one EVSE.
func (s *PostgresStore) ResolveEVSE(ctx context.Context, locationID, evseUID, connectorID string) (*models.Target, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1)`, locationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("looking up location %s: %w", locationID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownLocation, locationID)
	}

	where := sq.Eq{"e.location_id": locationID}
	if evseUID != "" {
		where["e.evse_uid"] = evseUID
	}
	query, args, err := s.sb.
		Select("e.evse_uid", "e.charge_point_id", "e.evse_id", "cp.ocpp_version", "cp.feature_profiles").
		From("evses e").
		Join("charge_points cp ON cp.id = e.charge_point_id").
		Where(where).
		OrderBy("e.evse_uid").
		Limit(2).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building evse query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolving evse %s/%s: %w", locationID, evseUID, err)
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Target, error) {
		t := &models.Target{LocationID: locationID}
		err := row.Scan(&t.EVSEUID, &t.ChargePointID, &t.EVSEID, &t.OCPPVersion, &t.FeatureProfiles)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("resolving evse %s/%s: %w", locationID, evseUID, err)
	}
	if len(targets) != 1 {
		return nil, fmt.Errorf("%w: evse %q at location %s (%d candidates)", ocpi.ErrNotFound, evseUID, locationID, len(targets))
	}
	target := targets[0]

	if connectorID == "" {
		return target, nil
	}
	err = s.pool.QueryRow(ctx, `
		SELECT device_connector_id
		FROM evse_connectors
		WHERE location_id = $1 AND evse_uid = $2 AND connector_id = $3
	`, locationID, target.EVSEUID, connectorID).Scan(&target.ConnectorID)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("connector %s of evse %s", connectorID, target.EVSEUID))
	}
	return target, nil
}

// ResolveSession maps an active session onto its station and device transaction id
func (s *PostgresStore) ResolveSession(ctx context.Context, sessionID string) (*models.Target, error) {
	t := &models.Target{}
	err := s.pool.QueryRow(ctx, `
		SELECT s.charge_point_id, s.transaction_id, s.connector_id, cp.ocpp_version, cp.feature_profiles
		FROM sessions s
		JOIN charge_points cp ON cp.id = s.charge_point_id
		WHERE s.session_id = $1 AND s.status = $2
	`, sessionID, models.SessionInProgress).Scan(&t.ChargePointID, &t.TransactionID, &t.ConnectorID, &t.OCPPVersion, &t.FeatureProfiles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session %s: %w", sessionID, err)
	}
	return t, nil
}

// ResolveReservation maps an OCPI reservation onto its station and device reservation id.
// Only reservations the station accepted resolve.
func (s *PostgresStore) ResolveReservation(ctx context.Context, reservationID string) (*models.Target, error) {
	t := &models.Target{}
	err := s.pool.QueryRow(ctx, `
		SELECT r.charge_point_id, r.device_reservation_id, r.location_id, r.evse_uid, cp.ocpp_version, cp.feature_profiles
		FROM reservations r
		JOIN charge_points cp ON cp.id = r.charge_point_id
		WHERE r.reservation_id = $1 AND r.confirmed
	`, reservationID).Scan(&t.ChargePointID, &t.DeviceReservationID, &t.LocationID, &t.EVSEUID, &t.OCPPVersion, &t.FeatureProfiles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving reservation %s: %w", reservationID, err)
	}
	return t, nil
}

// GetReservation returns a reservation whether or not the station accepted it yet
func (s *PostgresStore) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	query, args, err := s.sb.
		Select("reservation_id", "charge_point_id", "device_reservation_id", "location_id", "evse_uid", "expiry_date", "confirmed", "created_at").
		From("reservations").
		Where(sq.Eq{"reservation_id": reservationID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building reservation query: %w", err)
	}

	r := &models.Reservation{}
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&r.ReservationID, &r.ChargePointID, &r.DeviceReservationID, &r.LocationID, &r.EVSEUID, &r.ExpiryDate, &r.Confirmed, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ocpi.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading reservation %s: %w", reservationID, err)
	}
	return r, nil
}

// SaveReservation records a new reservation as pending. A reservation id can only be
// inserted once; a concurrent insert yields ErrConflict.
func (s *PostgresStore) SaveReservation(ctx context.Context, r *models.Reservation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.
		Insert("reservations").
		Columns("reservation_id", "charge_point_id", "device_reservation_id", "location_id", "evse_uid", "expiry_date", "confirmed", "created_at").
		Values(r.ReservationID, r.ChargePointID, r.DeviceReservationID, r.LocationID, r.EVSEUID, r.ExpiryDate, r.Confirmed, r.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building reservation insert: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return mapError(err, "saving reservation "+r.ReservationID)
}

// ConfirmReservation marks a reservation as held by the station
func (s *PostgresStore) ConfirmReservation(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE reservations SET confirmed = TRUE WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("confirming reservation %s: %w", reservationID, err)
	}
	return nil
}

// DiscardPendingReservation removes a reservation the station never accepted. Confirmed
// reservations are kept.
func (s *PostgresStore) DiscardPendingReservation(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reservations WHERE reservation_id = $1 AND NOT confirmed`, reservationID)
	if err != nil {
		return fmt.Errorf("discarding reservation %s: %w", reservationID, err)
	}
	return nil
}

// DeleteReservation forgets a reservation
func (s *PostgresStore) DeleteReservation(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reservations WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("deleting reservation %s: %w", reservationID, err)
	}
	return nil
}

// TokenByUID finds the home party of a driver token
func (s *PostgresStore) TokenByUID(ctx context.Context, uid string, tokenType ocpi.TokenType) (*models.StoredToken, error) {
	t := &models.StoredToken{UID: uid, Type: tokenType}
	err := s.pool.QueryRow(ctx, `
		SELECT country_code, party_id, contract_id
		FROM tokens
		WHERE uid = $1 AND type = $2
	`, uid, string(tokenType)).Scan(&t.HomeParty.CountryCode, &t.HomeParty.PartyID, &t.ContractID)
	if err != nil {
		return nil, mapError(err, "token "+uid)
	}
	t.HomeParty.CountryCode = strings.ToUpper(t.HomeParty.CountryCode)
	t.HomeParty.PartyID = strings.ToUpper(t.HomeParty.PartyID)
	t.HomeParty.Role = ocpi.RoleEMSP
	return t, nil
}
