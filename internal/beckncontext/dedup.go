package beckncontext

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupTTL is MESSAGE_DEDUP_TTL_SECONDS' default.
const DedupTTL = 5 * time.Minute

// Dedup is the Redis-backed message_id seen-set of spec.md §4.3/§5: a
// message is routed at most once within DedupTTL, after which a repeat of
// the same message_id is ACKed but not dispatched. Grounded on
// internal/auth/middleware.go's nonce-replay guard (SetNX with a TTL).
type Dedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDedup(rdb *redis.Client, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	return &Dedup{rdb: rdb, ttl: ttl}
}

// SeenBefore atomically marks messageID as seen and reports whether it had
// already been seen. A true result means the caller must ACK without
// re-dispatching.
func (d *Dedup) SeenBefore(ctx context.Context, messageID string) (bool, error) {
	key := "msgid:" + messageID
	set, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
