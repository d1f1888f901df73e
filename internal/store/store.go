package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
)

var (
	ErrNotFound = errors.New("store: order not found")
	ErrExists   = errors.New("store: order already exists")
	// ErrNilOrder is returned when a mutation produces no order.
	ErrNilOrder = errors.New("store: mutation returned nil order")
)

// Mutation receives a private copy of the current order, or nil when the order
// does not exist yet, and returns the order to persist. A non-nil error aborts
// the unit and is returned unchanged from ApplyAndSave.
type Mutation func(cur *order.Order) (*order.Order, error)

// Store is the sole mutable owner of orders. Every returned order is a copy.
type Store interface {
	Get(ctx context.Context, id protocol.Hash) (*order.Order, error)
	Create(ctx context.Context, o *order.Order) error
	// ApplyAndSave runs mut and persists its result as one atomic unit,
	// exclusive per order id.
	ApplyAndSave(ctx context.Context, id protocol.Hash, mut Mutation) (*order.Order, error)
	HasSeen(ctx context.Context, id, msg protocol.Hash) (bool, error)
	// ListActive returns every non-terminal order.
	ListActive(ctx context.Context) ([]*order.Order, error)
	Close() error
}

const lockStripes = 256

// stripedLock 按 order id 分段加锁，不同订单可并行
type stripedLock struct {
	mu [lockStripes]sync.Mutex
}

func (s *stripedLock) lock(id protocol.Hash) func() {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	m := &s.mu[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
