// Package registry implements C5: the subscriber store, challenge-response
// onboarding, verified lookup, and the admin lifecycle transitions of
// spec.md §4.4. Grounded on certenIO-certen-validator's pkg/database for the
// database/sql + lib/pq persistence shape, and on the teacher's
// internal/billing Session helpers for the create/get/update access pattern.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Status mirrors spec.md §3's Subscriber.status enum.
type Status string

const (
	StatusInitiated        Status = "INITIATED"
	StatusUnderSubscription Status = "UNDER_SUBSCRIPTION"
	StatusSubscribed        Status = "SUBSCRIBED"
	StatusSuspended         Status = "SUSPENDED"
	StatusRevoked           Status = "REVOKED"
)

// SubscriberType mirrors spec.md §3's Subscriber.type enum.
type SubscriberType string

const (
	TypeBAP SubscriberType = "BAP"
	TypeBPP SubscriberType = "BPP"
	TypeBG  SubscriberType = "BG"
)

// Subscriber is one row of the subscribers table.
type Subscriber struct {
	SubscriberID     string
	SubscriberURL    string
	Type             SubscriberType
	Domain           string
	City             string
	SigningPublicKey string
	EncrPublicKey    string
	UniqueKeyID      string
	Status           Status
	Challenge        string
	ValidFrom        *time.Time
	ValidUntil       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether s may appear in a lookup result at instant now.
func (s Subscriber) Active(now time.Time) bool {
	if s.Status != StatusSubscribed {
		return false
	}
	if s.ValidFrom != nil && now.Before(*s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && now.After(*s.ValidUntil) {
		return false
	}
	return true
}

// Domain is one row of the subscriber_domains many-to-many extension table.
type Domain struct {
	SubscriberID string
	Domain       string
	City         string
	Active       bool
}

// AuditEntry is one row of the audit_log table (append-only).
type AuditEntry struct {
	ID           int64
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Details      string
	IP           string
	CreatedAt    time.Time
}

// Store wraps *sql.DB with registry-specific queries.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Schema is the DDL for subscribers, subscriber_domains and audit_log.
const Schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	subscriber_id      TEXT PRIMARY KEY,
	subscriber_url     TEXT NOT NULL,
	type               TEXT NOT NULL,
	domain             TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	signing_public_key TEXT NOT NULL DEFAULT '',
	encr_public_key    TEXT NOT NULL DEFAULT '',
	unique_key_id      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	challenge          TEXT NOT NULL DEFAULT '',
	valid_from         TIMESTAMPTZ,
	valid_until        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers (status);

CREATE TABLE IF NOT EXISTS subscriber_domains (
	subscriber_id TEXT NOT NULL REFERENCES subscribers(subscriber_id),
	domain        TEXT NOT NULL,
	city          TEXT NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (subscriber_id, domain, city)
);
CREATE INDEX IF NOT EXISTS idx_subscriber_domains_lookup ON subscriber_domains (domain, city);

CREATE TABLE IF NOT EXISTS audit_log (
	id            BIGSERIAL PRIMARY KEY,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	details       TEXT NOT NULL DEFAULT '',
	ip            TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Upsert inserts a new subscriber or updates the mutable fields of an
// existing one (used by POST /subscribe for re-onboarding attempts).
func (s *Store) Upsert(ctx context.Context, sub Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers
			(subscriber_id, subscriber_url, type, domain, city, signing_public_key,
			 encr_public_key, unique_key_id, status, challenge, valid_from, valid_until, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
		ON CONFLICT (subscriber_id) DO UPDATE SET
			subscriber_url = EXCLUDED.subscriber_url,
			type = EXCLUDED.type,
			domain = EXCLUDED.domain,
			city = EXCLUDED.city,
			signing_public_key = EXCLUDED.signing_public_key,
			encr_public_key = EXCLUDED.encr_public_key,
			unique_key_id = EXCLUDED.unique_key_id,
			status = EXCLUDED.status,
			challenge = EXCLUDED.challenge,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			updated_at = now()`,
		sub.SubscriberID, sub.SubscriberURL, string(sub.Type), sub.Domain, sub.City,
		sub.SigningPublicKey, sub.EncrPublicKey, sub.UniqueKeyID, string(sub.Status),
		sub.Challenge, sub.ValidFrom, sub.ValidUntil,
	)
	if err != nil {
		return fmt.Errorf("registry: upsert: %w", err)
	}
	return nil
}

// Get returns the subscriber by id, or nil if absent.
func (s *Store) Get(ctx context.Context, subscriberID string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscriber_id, subscriber_url, type, domain, city, signing_public_key,
		       encr_public_key, unique_key_id, status, challenge, valid_from, valid_until,
		       created_at, updated_at
		FROM subscribers WHERE subscriber_id = $1`, subscriberID)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// SetStatus updates status and, when provided, the validity window, for an
// admin transition or a subscribe/on_subscribe step.
func (s *Store) SetStatus(ctx context.Context, subscriberID string, status Status, validFrom, validUntil *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscribers SET status=$2, valid_from=$3, valid_until=$4, updated_at=now()
		WHERE subscriber_id=$1`, subscriberID, string(status), validFrom, validUntil)
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	return nil
}

// Delete removes a subscriber record entirely (admin operation).
func (s *Store) Delete(ctx context.Context, subscriberID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE subscriber_id=$1`, subscriberID)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	return nil
}

// Lookup filter fields; empty strings mean "no constraint on this field".
type LookupFilter struct {
	SubscriberID string
	Type         string
	Domain       string
	City         string
}

// CacheKey returns a stable string for filter-tuple-keyed caching.
func (f LookupFilter) CacheKey() string {
	return fmt.Sprintf("lookup:%s|%s|%s|%s", f.SubscriberID, f.Type, f.Domain, f.City)
}

// Lookup returns every SUBSCRIBED, validity-clamped subscriber matching the
// filter, with domain/city matched OR across the primary tuple and any
// active subscriber_domains extension tuple.
func (s *Store) Lookup(ctx context.Context, f LookupFilter) ([]Subscriber, error) {
	query := `
		SELECT DISTINCT s.subscriber_id, s.subscriber_url, s.type, s.domain, s.city,
		       s.signing_public_key, s.encr_public_key, s.unique_key_id, s.status,
		       s.challenge, s.valid_from, s.valid_until, s.created_at, s.updated_at
		FROM subscribers s
		LEFT JOIN subscriber_domains d ON d.subscriber_id = s.subscriber_id AND d.active
		WHERE s.status = 'SUBSCRIBED'`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SubscriberID != "" {
		query += " AND s.subscriber_id = " + arg(f.SubscriberID)
	}
	if f.Type != "" {
		query += " AND s.type = " + arg(f.Type)
	}
	if f.Domain != "" {
		p := arg(f.Domain)
		query += fmt.Sprintf(" AND (s.domain = %s OR d.domain = %s)", p, p)
	}
	if f.City != "" {
		p := arg(f.City)
		query += fmt.Sprintf(" AND (s.city = %s OR d.city = %s)", p, p)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: lookup: %w", err)
	}
	defer rows.Close()

	var out []Subscriber
	now := time.Now()
	for rows.Next() {
		sub, err := scanSubscriberRows(rows)
		if err != nil {
			return nil, err
		}
		if sub.Active(now) {
			out = append(out, *sub)
		}
	}
	return out, rows.Err()
}

// AddDomain inserts or reactivates a subscriber_domains extension tuple.
func (s *Store) AddDomain(ctx context.Context, d Domain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriber_domains (subscriber_id, domain, city, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (subscriber_id, domain, city) DO UPDATE SET active = EXCLUDED.active`,
		d.SubscriberID, d.Domain, d.City, d.Active)
	if err != nil {
		return fmt.Errorf("registry: add domain: %w", err)
	}
	return nil
}

// Audit appends an audit_log row and returns any insert error; the handlers
// in this package discard that error, so an audit failure does not block the
// lifecycle transition it records.
func (s *Store) Audit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, resource_type, resource_id, details, ip)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Actor, e.Action, e.ResourceType, e.ResourceID, e.Details, e.IP)
	if err != nil {
		return fmt.Errorf("registry: audit: %w", err)
	}
	return nil
}

// AuditRecent returns the most recent audit entries across all resources,
// newest first, for the GET /admin/audit operator surface.
func (s *Store) AuditRecent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, resource_type, resource_id, details, ip, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: audit recent: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.IP, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditTrail returns audit entries for a resource, newest first.
func (s *Store) AuditTrail(ctx context.Context, resourceType, resourceID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, resource_type, resource_id, details, ip, created_at
		FROM audit_log WHERE resource_type=$1 AND resource_id=$2 ORDER BY created_at DESC`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("registry: audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.IP, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (*Subscriber, error) {
	return scanSubscriberRows(row)
}

func scanSubscriberRows(row scanner) (*Subscriber, error) {
	var sub Subscriber
	var typ, status string
	if err := row.Scan(
		&sub.SubscriberID, &sub.SubscriberURL, &typ, &sub.Domain, &sub.City,
		&sub.SigningPublicKey, &sub.EncrPublicKey, &sub.UniqueKeyID, &status,
		&sub.Challenge, &sub.ValidFrom, &sub.ValidUntil, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Type = SubscriberType(typ)
	sub.Status = Status(status)
	return &sub, nil
}
