package escrow

import (
	"context"
	"sync"
	"testing"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// 两个节点各自持有一个 RedisLedger：买方锁的钱卖方能退
func TestRedisLedgerSharedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	buyerSide := NewRedisLedger(rdb, "t")
	sellerSide := NewRedisLedger(rdb, "t")
	req := Request{Order: oid, Buyer: buyer, Seller: seller, Amount: decimal.RequireFromString("2.5")}

	r1, err := buyerSide.Lock(ctx, req)
	require.NoError(t, err)
	r2, err := sellerSide.Lock(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, r1.Ref, r2.Ref, "lock is idempotent per order")

	held, ok := sellerSide.Held(ctx, oid)
	require.True(t, ok)
	assert.True(t, held.Equal(req.Amount))

	rc, err := sellerSide.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, r1.Ref, rc.Ref)
	_, err = sellerSide.Refund(ctx, req)
	require.NoError(t, err)
	_, err = buyerSide.Release(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	bal, err := buyerSide.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bal.Equal(req.Amount), "refunded once: %s", bal)
	bal, err = buyerSide.Balance(ctx, seller)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	_, ok = buyerSide.Held(ctx, oid)
	assert.False(t, ok)

	_, err = sellerSide.Refund(ctx, Request{Order: protocol.Hash{0xff}})
	assert.ErrorIs(t, err, ErrNotLocked)
	_, err = buyerSide.Lock(ctx, Request{Order: protocol.Hash{0xfe}})
	assert.Error(t, err, "zero amount")
}

func TestRedisLedgerConcurrentSettle(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	amount := decimal.RequireFromString("1")

	l := NewRedisLedger(rdb, "t")
	const orders = 4
	for i := 0; i < orders; i++ {
		_, err := l.Lock(ctx, Request{Order: protocol.Hash{byte(i + 1)}, Buyer: buyer, Seller: seller, Amount: amount})
		require.NoError(t, err)
	}

	// 同一卖方的余额被并发结算，不能丢更新
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(id protocol.Hash) {
				defer wg.Done()
				l := NewRedisLedger(rdb, "t")
				for try := 0; try < 20; try++ {
					if _, err := l.Release(ctx, Request{Order: id}); err == nil {
						return
					}
				}
			}(protocol.Hash{byte(i + 1)})
		}
	}
	wg.Wait()

	bal, err := l.Balance(ctx, seller)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(orders)), "balance %s", bal)
}

func TestHandlersOnSeparateRedisLedgers(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)

	bsub := &fakeSubmitter{}
	bh := NewHandler(buyer, seed(t, order.StatusAccepted, protocol.EscrowNormal), NewRedisLedger(rdb, "t"), nil)
	bh.Bind(bsub)
	lock, err := bh.Lock(ctx, oid)
	require.NoError(t, err)

	ssub := &fakeSubmitter{}
	sellerLedger := NewRedisLedger(rdb, "t")
	sh := NewHandler(seller, seed(t, order.StatusEscrowLocked, protocol.EscrowNormal), sellerLedger, nil)
	sh.Bind(ssub)
	refund, err := sh.Refund(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, lock.Escrow.Ref, refund.Escrow.Ref)

	bal, err := sellerLedger.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("3")))
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{ActionLock, ActionRelease, ActionRefund} {
		got, err := parseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := parseAction("steal")
	assert.Error(t, err)
}
