package bap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const projectionTTL = 24 * time.Hour

func projectionKey(transactionID string) string { return "bap:projection:" + transactionID }

// Projection is the BAP-side snapshot built from the most recent on_*
// callback for a transaction, per spec.md §4.6's inbound callback router.
type Projection struct {
	Action    string          `json:"action"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProjectionStore persists the latest callback body per transaction_id so
// GET /orders/:txn_id can serve it without re-querying the BPP.
type ProjectionStore struct {
	rdb *redis.Client
}

func NewProjectionStore(rdb *redis.Client) *ProjectionStore { return &ProjectionStore{rdb: rdb} }

func (s *ProjectionStore) Save(ctx context.Context, transactionID, action string, body json.RawMessage) error {
	p := Projection{Action: action, Body: body, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, projectionKey(transactionID), raw, projectionTTL).Err()
}

func (s *ProjectionStore) Load(ctx context.Context, transactionID string) (*Projection, error) {
	raw, err := s.rdb.Get(ctx, projectionKey(transactionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Projection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
