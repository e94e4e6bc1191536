// Package catalog implements C9: a Redis-backed, per-provider catalog with
// TTL and incremental updates, plus the intent-driven filter that builds an
// on_search response. Grounded on the teacher's internal/billing/session.go
// (HSet/HGetAll access pattern) and internal/voucher's queue-with-cap shape
// for the incremental update log.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is CATALOG_DEFAULT_TTL's default (PT1H).
const DefaultTTL = time.Hour

// maxPendingUpdates caps the per-provider incremental update queue.
const maxPendingUpdates = 1000

// Price mirrors a Beckn item's price object.
type Price struct {
	Value    string `json:"value"`
	Currency string `json:"currency,omitempty"`
}

// Item is one catalog line item.
type Item struct {
	ID            string     `json:"id"`
	Descriptor    Descriptor `json:"descriptor"`
	Price         Price      `json:"price"`
	CategoryID    string     `json:"category_id,omitempty"`
	FulfillmentID string     `json:"fulfillment_id,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	Time          ItemTime   `json:"time,omitempty"`
	Tags          []Tag      `json:"tags,omitempty"`
}

type Descriptor struct {
	Name      string `json:"name"`
	ShortDesc string `json:"short_desc,omitempty"`
}

type ItemTime struct {
	Timestamp string `json:"timestamp,omitempty"`
}

type Tag struct {
	Code   string   `json:"code"`
	Values []string `json:"list,omitempty"`
}

// Fulfillment describes a provider-level fulfillment option.
type Fulfillment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Provider is the provider-level envelope of a stored catalog.
type Provider struct {
	ID           string        `json:"id"`
	Descriptor   Descriptor    `json:"descriptor"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
}

// Catalog is the full blob stored under catalog:<subscriber_id>.
type Catalog struct {
	Provider  Provider      `json:"provider"`
	Items     []Item        `json:"items"`
	UpdatedAt time.Time     `json:"updated_at"`
	TTL       time.Duration `json:"ttl"`
	// Exp is the RFC3339 instant at which this catalog view expires.
	// spec.md §4.8: stored_at on the expired-catalog response, stored_at+ttl
	// on the normal-path response.
	Exp string `json:"exp,omitempty"`
}

// UpdateType enumerates the incremental catalog update kinds.
type UpdateType string

const (
	UpdateAdd          UpdateType = "add"
	UpdateRemove       UpdateType = "remove"
	UpdateUpdate       UpdateType = "update"
	UpdatePrice        UpdateType = "price_update"
	UpdateAvailability UpdateType = "availability_update"
)

// Update is one entry of a provider's incremental-update queue.
type Update struct {
	Type      UpdateType `json:"type"`
	ItemID    string     `json:"item_id"`
	Item      *Item      `json:"item,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Intent is the subset of a Beckn search intent the filter understands.
type Intent struct {
	DescriptorName string
	CategoryID     string
	ProviderID     string
	FulfillmentTyp string
	PriceMin       *float64
	PriceMax       *float64
	Tags           map[string][]string
	CatalogIncTS   *time.Time
}

// Store is the Redis-backed catalog repository.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func catalogKey(subscriberID string) string { return "catalog:" + subscriberID }
func metaKey(subscriberID string) string    { return "catalog:meta:" + subscriberID }
func queueKey(subscriberID string) string   { return "catalog:updates:" + subscriberID }

// StoreCatalog persists a fresh catalog blob, stamping each item's
// time.timestamp and setting key expiry to 2×ttl to preserve a grace
// window past nominal expiry.
func (s *Store) StoreCatalog(ctx context.Context, subscriberID string, provider Provider, items []Item, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	for i := range items {
		items[i].Time.Timestamp = now.Format(time.RFC3339)
	}
	c := Catalog{Provider: provider, Items: items, UpdatedAt: now, TTL: ttl}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	expiry := 2 * ttl
	if err := s.rdb.Set(ctx, catalogKey(subscriberID), raw, expiry).Err(); err != nil {
		return fmt.Errorf("catalog: store: %w", err)
	}
	return s.rdb.Set(ctx, metaKey(subscriberID), now.Format(time.RFC3339Nano), expiry).Err()
}

// Load returns the stored catalog for subscriberID, or nil if absent.
func (s *Store) Load(ctx context.Context, subscriberID string) (*Catalog, error) {
	raw, err := s.rdb.Get(ctx, catalogKey(subscriberID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal: %w", err)
	}
	return &c, nil
}

// UpdateItem merges patch into the existing item (matched by id), stamps
// time.timestamp=now, preserves the catalog's TTL, and rewrites the blob.
func (s *Store) UpdateItem(ctx context.Context, subscriberID, itemID string, patch Item) error {
	c, err := s.Load(ctx, subscriberID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("catalog: no catalog stored for %s", subscriberID)
	}
	now := time.Now().UTC()
	found := false
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			merged := mergeItem(c.Items[i], patch)
			merged.Time.Timestamp = now.Format(time.RFC3339)
			c.Items[i] = merged
			found = true
			break
		}
	}
	if !found {
		patch.ID = itemID
		patch.Time.Timestamp = now.Format(time.RFC3339)
		c.Items = append(c.Items, patch)
	}
	c.UpdatedAt = now
	return s.rewrite(ctx, subscriberID, *c)
}

func mergeItem(existing, patch Item) Item {
	out := existing
	if patch.Descriptor.Name != "" {
		out.Descriptor.Name = patch.Descriptor.Name
	}
	if patch.Descriptor.ShortDesc != "" {
		out.Descriptor.ShortDesc = patch.Descriptor.ShortDesc
	}
	if patch.Price.Value != "" {
		out.Price = patch.Price
	}
	if patch.CategoryID != "" {
		out.CategoryID = patch.CategoryID
	}
	if patch.FulfillmentID != "" {
		out.FulfillmentID = patch.FulfillmentID
	}
	if patch.Quantity != 0 {
		out.Quantity = patch.Quantity
	}
	if len(patch.Tags) > 0 {
		out.Tags = patch.Tags
	}
	return out
}

func (s *Store) rewrite(ctx context.Context, subscriberID string, c Catalog) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.rdb.Set(ctx, catalogKey(subscriberID), raw, 2*ttl).Err()
}

// RecordUpdate appends update to the capped per-provider queue and applies
// it to the stored catalog.
func (s *Store) RecordUpdate(ctx context.Context, subscriberID string, u Update) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("catalog: marshal update: %w", err)
	}
	key := queueKey(subscriberID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -maxPendingUpdates, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("catalog: record update: %w", err)
	}

	switch u.Type {
	case UpdateRemove:
		return s.removeItem(ctx, subscriberID, u.ItemID)
	case UpdateAdd, UpdateUpdate, UpdatePrice, UpdateAvailability:
		if u.Item != nil {
			return s.UpdateItem(ctx, subscriberID, u.ItemID, *u.Item)
		}
	}
	return nil
}

func (s *Store) removeItem(ctx context.Context, subscriberID, itemID string) error {
	c, err := s.Load(ctx, subscriberID)
	if err != nil || c == nil {
		return err
	}
	filtered := c.Items[:0]
	for _, it := range c.Items {
		if it.ID != itemID {
			filtered = append(filtered, it)
		}
	}
	c.Items = filtered
	c.UpdatedAt = time.Now().UTC()
	return s.rewrite(ctx, subscriberID, *c)
}

// BuildOnSearchResponse filters the stored catalog by intent, per
// spec.md §4.8. A nil, nil result means "no catalog stored" or "incremental
// filter matched nothing"; callers should send no on_search reply.
func (s *Store) BuildOnSearchResponse(ctx context.Context, subscriberID string, intent Intent, ttl time.Duration) (*Catalog, error) {
	c, err := s.Load(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = c.TTL
		if ttl <= 0 {
			ttl = DefaultTTL
		}
	}

	if time.Since(c.UpdatedAt) > ttl {
		return &Catalog{Provider: Provider{}, Items: nil, UpdatedAt: c.UpdatedAt, TTL: ttl, Exp: c.UpdatedAt.Format(time.RFC3339)}, nil
	}

	filtered := make([]Item, 0, len(c.Items))
	for _, it := range c.Items {
		if matchesIntent(it, c.Provider, intent) {
			filtered = append(filtered, it)
		}
	}

	if intent.CatalogIncTS != nil {
		incremental := filtered[:0]
		for _, it := range filtered {
			if itemNewerThan(it, *intent.CatalogIncTS) {
				incremental = append(incremental, it)
			}
		}
		if len(incremental) == 0 {
			return nil, nil
		}
		filtered = incremental
	}

	out := *c
	out.Items = filtered
	out.Exp = c.UpdatedAt.Add(ttl).Format(time.RFC3339)
	return &out, nil
}

func itemNewerThan(it Item, cutoff time.Time) bool {
	if it.Time.Timestamp == "" {
		return true
	}
	ts, err := time.Parse(time.RFC3339, it.Time.Timestamp)
	if err != nil {
		return true
	}
	return ts.After(cutoff)
}

func matchesIntent(it Item, provider Provider, intent Intent) bool {
	if intent.DescriptorName != "" {
		needle := strings.ToLower(intent.DescriptorName)
		haystack := strings.ToLower(it.Descriptor.Name + " " + it.Descriptor.ShortDesc)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	if intent.CategoryID != "" && it.CategoryID != intent.CategoryID {
		return false
	}
	if intent.ProviderID != "" && provider.ID != intent.ProviderID {
		return false
	}
	if intent.FulfillmentTyp != "" && !providerHasFulfillmentType(provider, intent.FulfillmentTyp) {
		return false
	}
	if intent.PriceMin != nil || intent.PriceMax != nil {
		val, err := parsePrice(it.Price.Value)
		if err != nil {
			return false
		}
		if intent.PriceMin != nil && val < *intent.PriceMin {
			return false
		}
		if intent.PriceMax != nil && val > *intent.PriceMax {
			return false
		}
	}
	for code, values := range intent.Tags {
		if !itemHasTagValue(it, code, values) {
			return false
		}
	}
	return true
}

func providerHasFulfillmentType(p Provider, typ string) bool {
	for _, f := range p.Fulfillments {
		if f.Type == typ {
			return true
		}
	}
	return false
}

func itemHasTagValue(it Item, code string, values []string) bool {
	for _, tag := range it.Tags {
		if tag.Code != code {
			continue
		}
		for _, v := range tag.Values {
			for _, want := range values {
				if v == want {
					return true
				}
			}
		}
	}
	return false
}

func parsePrice(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}
