// Package orderfsm implements C10: the enforced order lifecycle of
// spec.md §4.9, driven by inbound protocol actions. Grounded on the
// teacher's internal/voucher/types.go for the struct-with-state-field
// shape and internal/billing/session.go for the create/get/update access
// pattern, translated here to Postgres since orders require durable,
// queryable history (the `orders` and `state_transitions` tables of §6).
package orderfsm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/beckn-net/beckn-core/internal/weberr"
)

// State is one of the six lifecycle states of spec.md §4.9.
type State string

const (
	StateCreated    State = "CREATED"
	StateAccepted   State = "ACCEPTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateReturned   State = "RETURNED"
)

// Terminal reports whether state admits no further transitions.
func (s State) Terminal() bool { return s == StateCancelled || s == StateReturned }

var allowedTransitions = map[State]map[State]bool{
	StateCreated:    {StateAccepted: true, StateCancelled: true},
	StateAccepted:   {StateInProgress: true, StateCancelled: true},
	StateInProgress: {StateCompleted: true, StateCancelled: true, StateReturned: true},
	StateCompleted:  {StateReturned: true},
}

// CanTransition reports whether from→to is an allowed edge.
func CanTransition(from, to State) bool {
	return allowedTransitions[from][to]
}

// Buyer/seller cancel and return reason codes, spec.md §4.9.
var (
	buyerCancelCodes  = codeRange(1, 16)
	sellerCancelCodes = codeRange(17, 20)
	buyerReturnCodes  = codeRange(1, 8)
	sellerReturnCodes = codeRange(9, 11)
)

func codeRange(lo, hi int) map[string]bool {
	m := make(map[string]bool, hi-lo+1)
	for i := lo; i <= hi; i++ {
		m[fmt.Sprintf("%03d", i)] = true
	}
	return m
}

// ValidCancelReason reports whether code is a recognized cancellation
// reason for either party.
func ValidCancelReason(code string) bool {
	return buyerCancelCodes[code] || sellerCancelCodes[code]
}

// ValidReturnReason reports whether code is a recognized return reason for
// either party.
func ValidReturnReason(code string) bool {
	return buyerReturnCodes[code] || sellerReturnCodes[code]
}

// Order is one row of the orders table.
type Order struct {
	OrderID             string
	TransactionID       string
	BapID               string
	BppID               string
	Domain              string
	City                string
	State               State
	Provider            json.RawMessage
	Items               json.RawMessage
	Billing             json.RawMessage
	Fulfillments        json.RawMessage
	Quote               json.RawMessage
	Payment             json.RawMessage
	CancellationReason  *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transition is one row of the state_transitions table.
type Transition struct {
	OrderID string
	From    State
	To      State
	Action  string
	Actor   string
	Details string
	Ts      time.Time
}

// Rating is one row of the ratings table.
type Rating struct {
	OrderID   string
	Value     int
	Feedback  string
	CreatedAt time.Time
}

// Store wraps *sql.DB with order/state-transition/rating queries.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("orderfsm: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("orderfsm: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Schema is the DDL for orders, state_transitions and ratings.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id            TEXT PRIMARY KEY,
	transaction_id      TEXT NOT NULL,
	bap_id              TEXT NOT NULL DEFAULT '',
	bpp_id              TEXT NOT NULL DEFAULT '',
	domain              TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL,
	provider            JSONB,
	items               JSONB,
	billing             JSONB,
	fulfillments        JSONB,
	quote               JSONB,
	payment             JSONB,
	cancellation_reason TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_unique ON orders (order_id);
CREATE INDEX IF NOT EXISTS idx_orders_state_created ON orders (state, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_transaction ON orders (transaction_id);

CREATE TABLE IF NOT EXISTS state_transitions (
	id         BIGSERIAL PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(order_id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ratings (
	order_id   TEXT NOT NULL REFERENCES orders(order_id),
	value      INT NOT NULL,
	feedback   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Create inserts a new CREATED order (select action, new transaction_id).
func (s *Store) Create(ctx context.Context, o Order) error {
	o.State = StateCreated
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, transaction_id, bap_id, bpp_id, domain, city, state, provider, items)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, o.TransactionID, o.BapID, o.BppID, o.Domain, o.City, string(o.State),
		nullableJSON(o.Provider), nullableJSON(o.Items))
	if err != nil {
		return fmt.Errorf("orderfsm: create: %w", err)
	}
	return nil
}

// Get returns the order by id, or nil if absent.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, transaction_id, bap_id, bpp_id, domain, city, state,
		       provider, items, billing, fulfillments, quote, payment,
		       cancellation_reason, created_at, updated_at
		FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// ByTransaction returns the order created under transactionID, if any.
func (s *Store) ByTransaction(ctx context.Context, transactionID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, transaction_id, bap_id, bpp_id, domain, city, state,
		       provider, items, billing, fulfillments, quote, payment,
		       cancellation_reason, created_at, updated_at
		FROM orders WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`, transactionID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// ApplyInit attaches billing/fulfillments without changing state.
func (s *Store) ApplyInit(ctx context.Context, orderID string, billing, fulfillments json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET billing=$2, fulfillments=$3, updated_at=now() WHERE order_id=$1`,
		orderID, nullableJSON(billing), nullableJSON(fulfillments))
	if err != nil {
		return fmt.Errorf("orderfsm: apply init: %w", err)
	}
	return nil
}

// ApplyUpdate replaces the order's fulfillments without changing state (the
// plain `update` action, as opposed to a return_request update). No other
// order field is changed.
func (s *Store) ApplyUpdate(ctx context.Context, orderID string, fulfillments json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET fulfillments=$2, updated_at=now() WHERE order_id=$1`,
		orderID, nullableJSON(fulfillments))
	if err != nil {
		return fmt.Errorf("orderfsm: apply update: %w", err)
	}
	return nil
}

// Confirm moves CREATED→ACCEPTED, attaching quote/payment.
func (s *Store) Confirm(ctx context.Context, orderID string, quote, payment json.RawMessage, action, actor string) (*Order, *weberr.Error) {
	return s.transition(ctx, orderID, StateAccepted, action, actor, "", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE orders SET quote=$2, payment=$3 WHERE order_id=$1`,
			orderID, nullableJSON(quote), nullableJSON(payment))
		return err
	})
}

// Advance moves an order to IN_PROGRESS (e.g. a BPP-internal fulfillment
// update that is not itself a protocol action but tracked the same way).
func (s *Store) Advance(ctx context.Context, orderID, actor string) (*Order, *weberr.Error) {
	return s.transition(ctx, orderID, StateInProgress, "advance", actor, "", nil)
}

// Cancel moves the order to CANCELLED, recording the reason code.
func (s *Store) Cancel(ctx context.Context, orderID, reasonCode, actor string) (*Order, *weberr.Error) {
	if !ValidCancelReason(reasonCode) {
		return nil, weberr.BusinessError(weberr.CodeUnknownReasonCode, "unknown cancellation reason code: "+reasonCode)
	}
	o, err := s.transition(ctx, orderID, StateCancelled, "cancel", actor, reasonCode, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE orders SET cancellation_reason=$2 WHERE order_id=$1`, orderID, reasonCode)
		return err
	})
	return o, err
}

// Return moves the order to RETURNED, recording the reason code.
func (s *Store) Return(ctx context.Context, orderID, reasonCode, actor string) (*Order, *weberr.Error) {
	if !ValidReturnReason(reasonCode) {
		return nil, weberr.BusinessError(weberr.CodeUnknownReasonCode, "unknown return reason code: "+reasonCode)
	}
	return s.transition(ctx, orderID, StateReturned, "update", actor, reasonCode, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE orders SET cancellation_reason=$2 WHERE order_id=$1`, orderID, reasonCode)
		return err
	})
}

// transition is the shared transition helper: it loads the current state,
// checks the edge is allowed, applies mutate (if any), writes the new state,
// and appends a state_transitions row. The state UPDATE is not conditioned
// on the state that was read, so concurrent transitions of one order are not
// guarded here.
func (s *Store) transition(ctx context.Context, orderID string, to State, action, actor, details string, mutate func() error) (*Order, *weberr.Error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	if o == nil {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "unknown order_id: "+orderID)
	}
	if !CanTransition(o.State, to) {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition,
			fmt.Sprintf("invalid transition %s -> %s", o.State, to))
	}

	if mutate != nil {
		if err := mutate(); err != nil {
			return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE orders SET state=$2, updated_at=now() WHERE order_id=$1`, orderID, string(to)); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO state_transitions (order_id, from_state, to_state, action, actor, details)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		orderID, string(o.State), string(to), action, actor, details); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}

	o.State = to
	return o, nil
}

// Transitions returns the full history for an order, oldest first.
func (s *Store) Transitions(ctx context.Context, orderID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, from_state, to_state, action, actor, details, ts
		FROM state_transitions WHERE order_id=$1 ORDER BY ts ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("orderfsm: transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.OrderID, &from, &to, &t.Action, &t.Actor, &t.Details, &t.Ts); err != nil {
			return nil, err
		}
		t.From, t.To = State(from), State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordRating persists a 1-5 rating, rejecting out-of-range values.
func (s *Store) RecordRating(ctx context.Context, r Rating) *weberr.Error {
	if r.Value < 1 || r.Value > 5 {
		return weberr.BusinessError(weberr.CodeRatingOutOfRange, "rating must be between 1 and 5")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ratings (order_id, value, feedback) VALUES ($1,$2,$3)`,
		r.OrderID, r.Value, r.Feedback); err != nil {
		return weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var o Order
	var state string
	var provider, items, billing, fulfillments, quote, payment []byte
	var reason sql.NullString
	if err := row.Scan(
		&o.OrderID, &o.TransactionID, &o.BapID, &o.BppID, &o.Domain, &o.City, &state,
		&provider, &items, &billing, &fulfillments, &quote, &payment,
		&reason, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.State = State(state)
	o.Provider, o.Items, o.Billing = provider, items, billing
	o.Fulfillments, o.Quote, o.Payment = fulfillments, quote, payment
	if reason.Valid {
		o.CancellationReason = &reason.String
	}
	return &o, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
