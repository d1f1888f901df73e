package listing

import (
	"context"
	"fmt"
	"strconv"

	"bidmesh.com/internal/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RedisRegistry reads listings published by the seller's catalogue service.
//
//	listing:<hash>           hash {seller, open, escrow, price, currency}
//	listing:<hash>:reserved  set of order ids holding a reservation
type RedisRegistry struct {
	client *redis.Client
	prefix string
	sf     singleflight.Group
}

func NewRedisRegistry(c *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "listing"
	}
	return &RedisRegistry{client: c, prefix: prefix}
}

var _ Registry = (*RedisRegistry)(nil)

func (r *RedisRegistry) key(h protocol.Hash) string {
	return fmt.Sprintf("%s:%s", r.prefix, h)
}

func (r *RedisRegistry) reservedKey(h protocol.Hash) string {
	return r.key(h) + ":reserved"
}

func (r *RedisRegistry) Lookup(ctx context.Context, h protocol.Hash) (*Listing, error) {
	key := r.key(h)
	// 同一 listing 的并发 BID 只打一次 redis
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		m, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("lookup listing %s: %w", h.Short(), err)
		}
		if len(m) == 0 {
			return nil, ErrNotFound
		}
		return parseListing(h, m)
	})
	if err != nil {
		return nil, err
	}
	l := *v.(*Listing)
	return &l, nil
}

func parseListing(h protocol.Hash, m map[string]string) (*Listing, error) {
	l := &Listing{
		Hash:     h,
		Seller:   protocol.Identity(m["seller"]),
		Currency: m["currency"],
	}
	open, err := strconv.ParseBool(m["open"])
	if err != nil {
		return nil, fmt.Errorf("listing %s open flag: %w", h.Short(), err)
	}
	l.Open = open
	if l.Escrow, err = protocol.ParseEscrowType(m["escrow"]); err != nil {
		return nil, fmt.Errorf("listing %s: %w", h.Short(), err)
	}
	if p := m["price"]; p != "" {
		if l.Price, err = decimal.NewFromString(p); err != nil {
			return nil, fmt.Errorf("listing %s price: %w", h.Short(), err)
		}
	}
	return l, nil
}

// Put publishes or overwrites a listing.
func (r *RedisRegistry) Put(ctx context.Context, l Listing) error {
	return r.client.HSet(ctx, r.key(l.Hash), map[string]interface{}{
		"seller":   string(l.Seller),
		"open":     strconv.FormatBool(l.Open),
		"escrow":   l.Escrow.String(),
		"price":    l.Price.String(),
		"currency": l.Currency,
	}).Err()
}

func (r *RedisRegistry) Reserve(ctx context.Context, h, orderID protocol.Hash) error {
	return r.client.SAdd(ctx, r.reservedKey(h), orderID.String()).Err()
}

func (r *RedisRegistry) Release(ctx context.Context, h, orderID protocol.Hash) error {
	return r.client.SRem(ctx, r.reservedKey(h), orderID.String()).Err()
}

// Reservations lists order ids currently holding h.
func (r *RedisRegistry) Reservations(ctx context.Context, h protocol.Hash) ([]string, error) {
	return r.client.SMembers(ctx, r.reservedKey(h)).Result()
}
