package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Counter types kept per station
const (
	CounterRemoteStart = "remote_start"
	CounterReservation = "reservation"
	CounterTransaction = "transaction"
)

// NextSequence returns the next value of a per-station counter, starting at 1. The
// read-increment-write happens inside one transaction on a single row, so concurrent
// callers never observe the same value.
func (s *PostgresStore) NextSequence(ctx context.Context, stationID, counterType string) (int, error) {
	var value int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO station_counters (station_id, counter_type, value)
			VALUES ($1, $2, 1)
			ON CONFLICT (station_id, counter_type) DO UPDATE SET value = station_counters.value + 1
			RETURNING value
		`, stationID, counterType).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("next %s sequence of %s: %w", counterType, stationID, err)
	}
	return int(value), nil
}
