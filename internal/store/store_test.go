package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/orm"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	// 文件库：sqlite 单连接，串行化事务
	db, err := orm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orders.db")), &orm.Config{MaxOpen: 1, LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	s := NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return NewMemStore() },
		"mem-journal": func(t *testing.T) Store {
			s, err := OpenMemStore(filepath.Join(t.TempDir(), "orders.wal"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"gorm": func(t *testing.T) Store { return newGormStore(t) },
	}
}

func sampleOrder(id byte) *order.Order {
	h := protocol.Hash{id}
	now := time.Unix(1_700_000_000, 0).UTC()
	return &order.Order{
		ID:        h,
		Listing:   protocol.Hash{0xaa, id},
		Buyer:     "buyer",
		Seller:    "seller",
		Status:    order.StatusBidReceived,
		History:   []protocol.Hash{h},
		Amount:    decimal.RequireFromString("2.5"),
		Currency:  "PART",
		Escrow:    order.EscrowRecord{Type: protocol.EscrowNormal},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func appendMsg(h protocol.Hash, status order.Status) Mutation {
	return func(cur *order.Order) (*order.Order, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		cur.History = append(cur.History, h)
		cur.Status = status
		return cur, nil
	}
}

func TestStoreContract(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				s := mk(t)
				_, err := s.Get(ctx, protocol.Hash{9})
				assert.ErrorIs(t, err, ErrNotFound)
				seen, err := s.HasSeen(ctx, protocol.Hash{9}, protocol.Hash{9})
				require.NoError(t, err)
				assert.False(t, seen)
			})

			t.Run("create and get", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(1)
				require.NoError(t, s.Create(ctx, o))
				assert.ErrorIs(t, s.Create(ctx, o), ErrExists)

				got, err := s.Get(ctx, o.ID)
				require.NoError(t, err)
				assert.Equal(t, o.ID, got.ID)
				assert.Equal(t, o.Listing, got.Listing)
				assert.Equal(t, o.History, got.History)
				assert.Equal(t, order.StatusBidReceived, got.Status)
				assert.True(t, o.Amount.Equal(got.Amount))
				assert.Equal(t, protocol.EscrowNormal, got.Escrow.Type)
				assert.True(t, o.ExpiresAt.Equal(got.ExpiresAt))

				seen, err := s.HasSeen(ctx, o.ID, o.ID)
				require.NoError(t, err)
				assert.True(t, seen)
			})

			t.Run("apply creates when absent", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(2)
				got, err := s.ApplyAndSave(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
					assert.Nil(t, cur)
					return o, nil
				})
				require.NoError(t, err)
				assert.Equal(t, o.ID, got.ID)

				_, err = s.Get(ctx, o.ID)
				require.NoError(t, err)
			})

			t.Run("apply appends history", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(3)
				require.NoError(t, s.Create(ctx, o))

				next := protocol.Hash{3, 1}
				got, err := s.ApplyAndSave(ctx, o.ID, appendMsg(next, order.StatusAccepted))
				require.NoError(t, err)
				assert.Equal(t, next, got.LastHash())

				got, err = s.Get(ctx, o.ID)
				require.NoError(t, err)
				assert.Equal(t, []protocol.Hash{o.ID, next}, got.History)
				assert.Equal(t, order.StatusAccepted, got.Status)

				seen, err := s.HasSeen(ctx, o.ID, next)
				require.NoError(t, err)
				assert.True(t, seen)
			})

			t.Run("mutation error leaves state", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(4)
				require.NoError(t, s.Create(ctx, o))

				boom := errors.New("boom")
				_, err := s.ApplyAndSave(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
					cur.Status = order.StatusCancelled
					return nil, boom
				})
				assert.ErrorIs(t, err, boom)

				got, err := s.Get(ctx, o.ID)
				require.NoError(t, err)
				assert.Equal(t, order.StatusBidReceived, got.Status)
			})

			t.Run("returned orders are copies", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(5)
				require.NoError(t, s.Create(ctx, o))
				o.Status = order.StatusCancelled

				got, err := s.Get(ctx, o.ID)
				require.NoError(t, err)
				got.History[0] = protocol.Hash{0xff}

				again, err := s.Get(ctx, o.ID)
				require.NoError(t, err)
				assert.Equal(t, order.StatusBidReceived, again.Status)
				assert.Equal(t, o.ID, again.History[0])
			})

			t.Run("list active", func(t *testing.T) {
				s := mk(t)
				a, b := sampleOrder(6), sampleOrder(7)
				b.Status = order.StatusRejected
				require.NoError(t, s.Create(ctx, a))
				require.NoError(t, s.Create(ctx, b))

				act, err := s.ListActive(ctx)
				require.NoError(t, err)
				require.Len(t, act, 1)
				assert.Equal(t, a.ID, act[0].ID)
				assert.Equal(t, a.History, act[0].History)
			})

			t.Run("concurrent appends serialize", func(t *testing.T) {
				s := mk(t)
				o := sampleOrder(8)
				require.NoError(t, s.Create(ctx, o))

				const n = 20
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := s.ApplyAndSave(ctx, o.ID, appendMsg(protocol.Hash{8, byte(i + 1)}, order.StatusBidReceived))
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()

				got, err := s.Get(ctx, o.ID)
				require.NoError(t, err)
				assert.Len(t, got.History, n+1, "no lost update")
			})
		})
	}
}

func TestMemStoreJournalReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orders.wal")

	s, err := OpenMemStore(path)
	require.NoError(t, err)
	o := sampleOrder(1)
	o.RejectReason = protocol.ReasonOutOfStock
	o.Escrow.CustodyRef = "lock-1"
	o.Escrow.Amount = decimal.NewFromInt(7)
	require.NoError(t, s.Create(ctx, o))
	_, err = s.ApplyAndSave(ctx, o.ID, appendMsg(protocol.Hash{1, 1}, order.StatusRejected))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	back, err := OpenMemStore(path)
	require.NoError(t, err)
	defer back.Close()

	got, err := back.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, got.Status)
	assert.Equal(t, []protocol.Hash{o.ID, {1, 1}}, got.History)
	assert.Equal(t, protocol.ReasonOutOfStock, got.RejectReason)
	assert.Equal(t, "lock-1", got.Escrow.CustodyRef)
	assert.True(t, got.Escrow.Amount.Equal(decimal.NewFromInt(7)))
}

func TestGormStoreRejectsHistoryRewrite(t *testing.T) {
	ctx := context.Background()
	s := newGormStore(t)
	o := sampleOrder(1)
	require.NoError(t, s.Create(ctx, o))

	_, err := s.ApplyAndSave(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		cur.History = []protocol.Hash{{0xee}}
		return cur, nil
	})
	assert.Error(t, err)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Hash{o.ID}, got.History)
}

// 两个进程同时建同一个 BID：后到的插入撞唯一键，要报 ErrExists 而不是 DbError
func TestGormStoreConcurrentCreateIsExists(t *testing.T) {
	s := newGormStore(t)
	o := sampleOrder(9)
	insert := func() error {
		return s.db.Transaction(func(tx *gorm.DB) error { return s.insert(tx, o, 0, true) })
	}
	require.NoError(t, insert())
	err := insert()
	assert.ErrorIs(t, err, ErrExists)
	got, err := s.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.History, got.History, "loser wrote nothing")

	assert.True(t, isDuplicateKey(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, isDuplicateKey(errors.New("connection refused")))
}
