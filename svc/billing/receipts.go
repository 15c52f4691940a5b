package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
)

// ReceiptGuard remembers webhook bodies that were already processed so a
// byte-identical replay can be acknowledged without touching the database.
// It is an optimization only; the conditional ledger updates are what make
// replays harmless.
type ReceiptGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// ReceiptKey identifies a callback by provider and body digest.
func ReceiptKey(p gateway.Provider, body []byte) string {
	sum := sha256.Sum256(body)
	return string(p) + ":" + hex.EncodeToString(sum[:])
}

// RedisReceiptGuard shares receipts across instances.
type RedisReceiptGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisReceiptGuard(client redis.UniversalClient, ttl time.Duration) *RedisReceiptGuard {
	return &RedisReceiptGuard{client: client, prefix: "billing:receipt:", ttl: ttl}
}

func (g *RedisReceiptGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisReceiptGuard) Remember(ctx context.Context, key string) error {
	err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// MemoryReceiptGuard is the single-instance fallback.
type MemoryReceiptGuard struct {
	seen *expirable.LRU[string, struct{}]
}

func NewMemoryReceiptGuard(size int, ttl time.Duration) *MemoryReceiptGuard {
	return &MemoryReceiptGuard{seen: expirable.NewLRU[string, struct{}](max(size, 1), nil, ttl)}
}

func (g *MemoryReceiptGuard) Seen(_ context.Context, key string) (bool, error) {
	return g.seen.Contains(key), nil
}

func (g *MemoryReceiptGuard) Remember(_ context.Context, key string) error {
	g.seen.Add(key, struct{}{})
	return nil
}
