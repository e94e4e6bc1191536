// Package txlog implements the append-only transaction log (C4 of
// spec.md): one row per inbound/outbound message, mutated once when the
// paired response/callback is observed.
//
// Grounded on certenIO-certen-validator's pkg/database/client.go for the
// database/sql + lib/pq connection-pool shape, and on the teacher's
// internal/billing/session.go for the create/get/update-by-key access
// pattern (translated from Redis hashes to SQL rows, since §6 names
// transaction_log as an indexed, durable table).
package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Status mirrors spec.md §3's transaction log entry status enum.
type Status string

const (
	StatusSent             Status = "SENT"
	StatusAck              Status = "ACK"
	StatusNack             Status = "NACK"
	StatusCallbackReceived Status = "CALLBACK_RECEIVED"
	StatusTimeout          Status = "TIMEOUT"
	StatusError            Status = "ERROR"
)

// Entry is one row of the transaction_log table.
type Entry struct {
	ID            int64
	TransactionID string
	MessageID     string
	Action        string
	BapID         string
	BppID         string
	Domain        string
	City          string
	RequestBody   json.RawMessage
	ResponseBody  json.RawMessage
	Status        Status
	LatencyMS     *int64
	Error         *string
	CreatedAt     time.Time
}

// Store wraps *sql.DB with the transaction-log-specific queries.
type Store struct {
	db *sql.DB
}

// Open opens a Postgres connection pool and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("txlog: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("txlog: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Schema is the DDL for the transaction_log table, matching the index
// requirements of spec.md §6 (transaction_id, message_id, created_at).
const Schema = `
CREATE TABLE IF NOT EXISTS transaction_log (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	action         TEXT NOT NULL,
	bap_id         TEXT NOT NULL DEFAULT '',
	bpp_id         TEXT NOT NULL DEFAULT '',
	domain         TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	request_body   JSONB,
	response_body  JSONB,
	status         TEXT NOT NULL,
	latency_ms     BIGINT,
	error          TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_txlog_txn_msg_created
	ON transaction_log (transaction_id, message_id, created_at);
`

// Append inserts a new immutable row, returning its surrogate id.
func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transaction_log
			(transaction_id, message_id, action, bap_id, bpp_id, domain, city, request_body, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		e.TransactionID, e.MessageID, e.Action, e.BapID, e.BppID, e.Domain, e.City,
		nullableJSON(e.RequestBody), string(e.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("txlog: append: %w", err)
	}
	return id, nil
}

// MarkResponse records the response/callback paired with a SENT row: the
// status transitions exactly once (ACK/NACK/CALLBACK_RECEIVED/TIMEOUT/ERROR)
// and the response body plus latency are stamped.
func (s *Store) MarkResponse(ctx context.Context, id int64, status Status, responseBody json.RawMessage, latencyMS int64, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = $2, response_body = $3, latency_ms = $4, error = $5
		WHERE id = $1 AND status = 'SENT'`,
		id, string(status), nullableJSON(responseBody), latencyMS, errPtr,
	)
	if err != nil {
		return fmt.Errorf("txlog: mark response: %w", err)
	}
	return nil
}

// LatestStatus returns the most recent row for transactionID plus its
// response body. GET /orders/:txn_id reads ByTransaction instead.
func (s *Store) LatestStatus(ctx context.Context, transactionID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, message_id, action, bap_id, bpp_id, domain, city,
		       request_body, response_body, status, latency_ms, error, created_at
		FROM transaction_log
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, transactionID)
	return scanEntry(row)
}

// ByTransaction returns every row for transactionID, oldest first.
func (s *Store) ByTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, message_id, action, bap_id, bpp_id, domain, city,
		       request_body, response_body, status, latency_ms, error, created_at
		FROM transaction_log
		WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("txlog: by transaction: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	e, err := scanEntryRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanEntryRows(row scanner) (*Entry, error) {
	var e Entry
	var req, resp []byte
	var latency sql.NullInt64
	var errMsg sql.NullString
	if err := row.Scan(
		&e.ID, &e.TransactionID, &e.MessageID, &e.Action, &e.BapID, &e.BppID, &e.Domain, &e.City,
		&req, &resp, &e.Status, &latency, &errMsg, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.RequestBody = req
	e.ResponseBody = resp
	if latency.Valid {
		e.LatencyMS = &latency.Int64
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	return &e, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
