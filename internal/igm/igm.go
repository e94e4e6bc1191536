// Package igm implements the Issue & Grievance projection supplemented
// into SPEC_FULL.md from spec.md §3's Issue entity: a minimal OPEN →
// ESCALATED → RESOLVED → CLOSED state machine, grounded on
// internal/orderfsm's transition-table shape applied to a narrower entity.
package igm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/beckn-net/beckn-core/internal/weberr"
)

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusEscalated Status = "ESCALATED"
	StatusResolved  Status = "RESOLVED"
	StatusClosed    Status = "CLOSED"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusOpen:      {StatusEscalated: true, StatusResolved: true, StatusClosed: true},
	StatusEscalated: {StatusResolved: true, StatusClosed: true},
	StatusResolved:  {StatusClosed: true},
	StatusClosed:    {},
}

// CanTransition reports whether an issue may move from one status to
// another, per the OPEN → ESCALATED → RESOLVED → CLOSED progression.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Issue is the grievance record of spec.md §3.
type Issue struct {
	IssueID                string
	OrderID                string
	TransactionID          string
	Category               string
	SubCategory            string
	Status                 Status
	ShortDesc              string
	RespondentActions      []string
	Resolution             string
	ExpectedResponseTime   time.Time
	ExpectedResolutionTime time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store persists issues in Postgres, mirroring orderfsm's store shape.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Schema is additive DDL for the issues table named in spec.md §6's index
// list.
const Schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_id                 TEXT PRIMARY KEY,
	order_id                 TEXT,
	transaction_id           TEXT NOT NULL,
	category                 TEXT NOT NULL,
	sub_category             TEXT,
	status                   TEXT NOT NULL,
	short_desc               TEXT,
	respondent_actions       TEXT[] NOT NULL DEFAULT '{}',
	resolution               TEXT,
	expected_response_time   TIMESTAMPTZ,
	expected_resolution_time TIMESTAMPTZ,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_issues_transaction ON issues(transaction_id);
`

func (s *Store) Create(ctx context.Context, i Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (issue_id, order_id, transaction_id, category, sub_category, status, short_desc, respondent_actions, expected_response_time, expected_resolution_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		i.IssueID, nullableString(i.OrderID), i.TransactionID, i.Category, i.SubCategory,
		string(StatusOpen), i.ShortDesc, pq.Array(i.RespondentActions), nullableTime(i.ExpectedResponseTime), nullableTime(i.ExpectedResolutionTime))
	if err != nil {
		return fmt.Errorf("igm: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, issueID string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT issue_id, order_id, transaction_id, category, sub_category, status, short_desc, respondent_actions, resolution, expected_response_time, expected_resolution_time, created_at, updated_at
		FROM issues WHERE issue_id=$1`, issueID)
	return scanIssue(row)
}

// Transition moves an issue to a new status, rejecting disallowed edges.
func (s *Store) Transition(ctx context.Context, issueID string, to Status, resolution string) (*Issue, *weberr.Error) {
	issue, err := s.Get(ctx, issueID)
	if err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	if issue == nil {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition, "unknown issue_id: "+issueID)
	}
	if !CanTransition(issue.Status, to) {
		return nil, weberr.BusinessError(weberr.CodeInvalidTransition,
			fmt.Sprintf("cannot transition issue from %s to %s", issue.Status, to))
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE issues SET status=$2, resolution=$3, updated_at=now() WHERE issue_id=$1`,
		issueID, string(to), nullableString(resolution)); err != nil {
		return nil, weberr.TechnicalError(weberr.CodeDatabaseFailure, err.Error())
	}
	issue.Status = to
	if resolution != "" {
		issue.Resolution = resolution
	}
	return issue, nil
}

func scanIssue(row *sql.Row) (*Issue, error) {
	var i Issue
	var orderID, subCategory, shortDesc, resolution sql.NullString
	var expResp, expRes sql.NullTime
	var status string
	var actions pq.StringArray
	if err := row.Scan(&i.IssueID, &orderID, &i.TransactionID, &i.Category, &subCategory, &status, &shortDesc,
		&actions, &resolution, &expResp, &expRes, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	i.OrderID = orderID.String
	i.SubCategory = subCategory.String
	i.ShortDesc = shortDesc.String
	i.Resolution = resolution.String
	i.Status = Status(status)
	i.RespondentActions = actions
	if expResp.Valid {
		i.ExpectedResponseTime = expResp.Time
	}
	if expRes.Valid {
		i.ExpectedResolutionTime = expRes.Time
	}
	return &i, nil
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
