// Package settlement implements the Settlement/reconciliation projection
// supplemented into SPEC_FULL.md from spec.md §3's Settlement entity:
// bookkeeping rows recorded when orders are confirmed, no bank-rail integration.
// Grounded on internal/orderfsm's store shape applied to a narrower,
// append/update-only entity.
package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Status string

const (
	StatusPaid    Status = "PAID"
	StatusNotPaid Status = "NOT_PAID"
	StatusPending Status = "PENDING"
)

type ReconStatus string

const (
	ReconMatched   ReconStatus = "MATCHED"
	ReconUnmatched ReconStatus = "UNMATCHED"
	ReconDisputed  ReconStatus = "DISPUTED"
	ReconOverpaid  ReconStatus = "OVERPAID"
	ReconUnderpaid ReconStatus = "UNDERPAID"
)

// Settlement is the bookkeeping record of spec.md §3.
type Settlement struct {
	OrderID          string
	CollectorAppID   string
	ReceiverAppID    string
	SettlementStatus Status
	ReconStatus      ReconStatus
	Amount           string
	Currency         string
	Reference        string
	Timestamp        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Schema is additive DDL for the settlements table named in spec.md §6's
// index list.
const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
	order_id          TEXT PRIMARY KEY,
	collector_app_id  TEXT NOT NULL,
	receiver_app_id   TEXT NOT NULL,
	settlement_status TEXT NOT NULL,
	recon_status      TEXT NOT NULL,
	amount            TEXT NOT NULL,
	currency          TEXT NOT NULL,
	reference         TEXT,
	settled_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Record upserts a settlement row, e.g. as an order is confirmed (ACCEPTED).
func (s *Store) Record(ctx context.Context, st Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (order_id, collector_app_id, receiver_app_id, settlement_status, recon_status, amount, currency, reference, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO UPDATE SET
			settlement_status = EXCLUDED.settlement_status,
			recon_status      = EXCLUDED.recon_status,
			amount            = EXCLUDED.amount,
			currency          = EXCLUDED.currency,
			reference         = EXCLUDED.reference,
			settled_at        = EXCLUDED.settled_at,
			updated_at        = now()`,
		st.OrderID, st.CollectorAppID, st.ReceiverAppID, string(st.SettlementStatus), string(st.ReconStatus),
		st.Amount, st.Currency, nullableString(st.Reference), nullableTime(st.Timestamp))
	if err != nil {
		return fmt.Errorf("settlement: record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, orderID string) (*Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, collector_app_id, receiver_app_id, settlement_status, recon_status, amount, currency, reference, settled_at, created_at, updated_at
		FROM settlements WHERE order_id=$1`, orderID)

	var st Settlement
	var settlementStatus, reconStatus string
	var reference sql.NullString
	var settledAt sql.NullTime
	if err := row.Scan(&st.OrderID, &st.CollectorAppID, &st.ReceiverAppID, &settlementStatus, &reconStatus,
		&st.Amount, &st.Currency, &reference, &settledAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	st.SettlementStatus = Status(settlementStatus)
	st.ReconStatus = ReconStatus(reconStatus)
	st.Reference = reference.String
	if settledAt.Valid {
		st.Timestamp = settledAt.Time
	}
	return &st, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
