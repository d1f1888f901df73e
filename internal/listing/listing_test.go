package listing

import (
	"context"
	"os"
	"testing"

	"bidmesh.com/internal/protocol"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemRegistry()
	h := protocol.Hash{1}

	_, err := r.Lookup(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Reserve(ctx, h, protocol.Hash{2}), ErrNotFound)

	r.Put(Listing{Hash: h, Seller: "s", Open: true, Escrow: protocol.EscrowNormal})
	l, err := r.Lookup(ctx, h)
	require.NoError(t, err)
	assert.True(t, l.Open)

	require.NoError(t, r.Reserve(ctx, h, protocol.Hash{2}))
	assert.True(t, r.Reserved(h, protocol.Hash{2}))
	require.NoError(t, r.Release(ctx, h, protocol.Hash{2}))
	require.NoError(t, r.Release(ctx, h, protocol.Hash{2}), "release is idempotent")
	assert.False(t, r.Reserved(h, protocol.Hash{2}))

	r.Close(h)
	l, err = r.Lookup(ctx, h)
	require.NoError(t, err)
	assert.False(t, l.Open)
}

func TestParseListing(t *testing.T) {
	h := protocol.Hash{3}
	l, err := parseListing(h, map[string]string{
		"seller": "s", "open": "true", "escrow": "MULTISIG", "price": "9.99", "currency": "PART",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.EscrowMultisig, l.Escrow)
	assert.True(t, l.Price.Equal(decimal.RequireFromString("9.99")))

	_, err = parseListing(h, map[string]string{"open": "maybe"})
	assert.Error(t, err)
	_, err = parseListing(h, map[string]string{"open": "true", "escrow": "BARTER"})
	assert.Error(t, err)
}

// 默认跑在 miniredis 上；REDIS_ADDR=127.0.0.1:6379 时打真实 redis
func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	r := NewRedisRegistry(rdb, "test-listing")
	h := protocol.Hash{0xbe, 0xef}
	t.Cleanup(func() { rdb.Del(ctx, r.key(h), r.reservedKey(h)) })

	_, err := r.Lookup(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Put(ctx, Listing{Hash: h, Seller: "s", Open: true, Escrow: protocol.EscrowNormal, Price: decimal.NewFromInt(5)}))
	l, err := r.Lookup(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, protocol.Identity("s"), l.Seller)
	assert.True(t, l.Open)

	require.NoError(t, r.Reserve(ctx, h, protocol.Hash{1}))
	ids, err := r.Reservations(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.Hash{1}.String()}, ids)
	require.NoError(t, r.Release(ctx, h, protocol.Hash{1}))
	ids, err = r.Reservations(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
