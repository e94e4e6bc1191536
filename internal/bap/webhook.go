package bap

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

const webhookKeyPrefix = "bap:webhook:"

func webhookKey(subscriberID string) string { return webhookKeyPrefix + subscriberID }

// Webhook is one subscriber's registered delivery endpoint and the event
// list it wants relayed, per spec.md §4.6's webhook dispatch table.
type Webhook struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// Matches reports whether event is in w.Events, or w.Events contains "*".
func (w Webhook) Matches(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// WebhookStore persists the subscriber_id → webhook map in a Redis hash,
// grounded on internal/billing/session.go's HSet/HGetAll session record.
type WebhookStore struct {
	rdb *redis.Client
}

func NewWebhookStore(rdb *redis.Client) *WebhookStore { return &WebhookStore{rdb: rdb} }

func (s *WebhookStore) Register(ctx context.Context, subscriberID string, hook Webhook) error {
	raw, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, webhookKey(subscriberID), "url", hook.URL, "events", string(raw)).Err()
}

func (s *WebhookStore) Get(ctx context.Context, subscriberID string) (*Webhook, error) {
	vals, err := s.rdb.HGetAll(ctx, webhookKey(subscriberID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	var hook Webhook
	if err := json.Unmarshal([]byte(vals["events"]), &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (s *WebhookStore) Remove(ctx context.Context, subscriberID string) error {
	return s.rdb.Del(ctx, webhookKey(subscriberID)).Err()
}

// Notify posts the callback body to subscriberID's registered webhook if
// one exists and is subscribed to event. 4xx/5xx responses are logged by
// the caller but never retried, per spec.md §4.6.
func (s *WebhookStore) Notify(ctx context.Context, subscriberID, event string, dispatch func(ctx context.Context, url string) error) error {
	hook, err := s.Get(ctx, subscriberID)
	if err != nil || hook == nil || !hook.Matches(event) {
		return err
	}
	return dispatch(ctx, strings.TrimRight(hook.URL, "/"))
}
