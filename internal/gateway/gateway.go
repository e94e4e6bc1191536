// Package gateway implements C6: authenticated search fan-out to every
// matching BPP, with dedup, a bounded worker pool, and retry-with-backoff.
// Grounded on internal/settler/consumer.go's queue-driven dispatch loop
// (translated from a single-queue consumer to a fan-out-per-request model)
// and internal/daytona/client.go's do-helper for outbound HTTP.
package gateway

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beckn-net/beckn-core/internal/beckncontext"
	"github.com/beckn-net/beckn-core/internal/httpclient"
	"github.com/beckn-net/beckn-core/internal/registry"
)

// maxWorkers bounds the concurrency of any single fan-out broadcast.
const maxWorkers = 16

// maxRetryAttempts and the ttl-bounded deadline match spec.md §4.5: 3
// attempts within the message's ttl window.
const maxRetryAttempts = 3

// Envelope is the wire shape every Beckn request/callback shares.
type Envelope struct {
	Context beckncontext.Context `json:"context"`
	Message map[string]any       `json:"message"`
}

// Gateway broadcasts search envelopes to matching BPPs and relays on_search
// callbacks back to the originating BAP.
type Gateway struct {
	registryStore *registry.Store
	client        *httpclient.Client
	log           *zap.Logger
}

func New(registryStore *registry.Store, subscriberID, uniqueKeyID string, privKey ed25519.PrivateKey, log *zap.Logger) *Gateway {
	return &Gateway{
		registryStore: registryStore,
		client:        httpclient.New(subscriberID, uniqueKeyID, privKey, 10*time.Second),
		log:           log,
	}
}

// BroadcastSearch looks up every SUBSCRIBED BPP whose (domain, city) matches
// (or is nationwide, i.e. empty city on the subscriber record), and posts
// the envelope to each one's /search endpoint concurrently, bounded by
// maxWorkers, retrying any failed POST up to maxRetryAttempts within the
// envelope's ttl window.
func (g *Gateway) BroadcastSearch(ctx context.Context, env Envelope) {
	ttl, err := beckncontext.ParseISODuration(env.Context.TTL)
	if err != nil || ttl <= 0 {
		ttl = 30 * time.Second
	}

	bpps, err := g.registryStore.Lookup(ctx, registry.LookupFilter{
		Type:   string(registry.TypeBPP),
		Domain: env.Context.Domain,
		City:   env.Context.EffectiveCity(),
	})
	if err != nil {
		g.log.Error("gateway: bpp lookup failed", zap.Error(err))
		return
	}
	nationwide, err := g.registryStore.Lookup(ctx, registry.LookupFilter{
		Type:   string(registry.TypeBPP),
		Domain: env.Context.Domain,
	})
	if err == nil {
		bpps = mergeNationwide(bpps, nationwide)
	}

	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, bpp := range bpps {
		bpp := bpp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			url := bpp.SubscriberURL + "/search"
			// Each BPP gets its own copy of the envelope with a distinct
			// message_id (spec.md §8 scenario 2); transaction_id stays shared.
			out := env
			out.Context.MessageID = uuid.NewString()
			if _, err := g.client.PostWithRetry(ctx, url, out, maxRetryAttempts, ttl); err != nil {
				g.log.Warn("gateway: search dispatch failed", zap.String("bpp", bpp.SubscriberID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// RelayCallback forwards a BPP's on_search callback to the bap_uri recorded
// in the envelope's context, signed with the gateway's own key.
func (g *Gateway) RelayCallback(ctx context.Context, env Envelope) error {
	url := env.Context.BapURI + "/on_search"
	_, err := g.client.Post(ctx, url, env)
	return err
}

func mergeNationwide(matched, nationwide []registry.Subscriber) []registry.Subscriber {
	seen := make(map[string]bool, len(matched))
	for _, s := range matched {
		seen[s.SubscriberID] = true
	}
	out := matched
	for _, s := range nationwide {
		if s.City == "" && !seen[s.SubscriberID] {
			out = append(out, s)
			seen[s.SubscriberID] = true
		}
	}
	return out
}
