package listing

import (
	"context"
	"errors"
	"sync"

	"bidmesh.com/internal/protocol"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("listing: not found")

// Listing is the subset of a published listing the protocol core consults.
type Listing struct {
	Hash     protocol.Hash
	Seller   protocol.Identity
	Open     bool
	Escrow   protocol.EscrowType
	Price    decimal.Decimal
	Currency string
}

// Registry is the listing/inventory collaborator. Reserve and Release are
// keyed by order so repeated calls are harmless.
type Registry interface {
	Lookup(ctx context.Context, h protocol.Hash) (*Listing, error)
	Reserve(ctx context.Context, h, orderID protocol.Hash) error
	Release(ctx context.Context, h, orderID protocol.Hash) error
}

// MemRegistry is an in-process registry used by tests and single node setups.
type MemRegistry struct {
	mu       sync.RWMutex
	listings map[protocol.Hash]Listing
	reserved map[protocol.Hash]map[protocol.Hash]struct{}
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		listings: make(map[protocol.Hash]Listing),
		reserved: make(map[protocol.Hash]map[protocol.Hash]struct{}),
	}
}

var _ Registry = (*MemRegistry)(nil)

func (r *MemRegistry) Put(l Listing) {
	r.mu.Lock()
	r.listings[l.Hash] = l
	r.mu.Unlock()
}

// Close marks a listing as no longer open for bids.
func (r *MemRegistry) Close(h protocol.Hash) {
	r.mu.Lock()
	if l, ok := r.listings[h]; ok {
		l.Open = false
		r.listings[h] = l
	}
	r.mu.Unlock()
}

func (r *MemRegistry) Lookup(_ context.Context, h protocol.Hash) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[h]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (r *MemRegistry) Reserve(_ context.Context, h, orderID protocol.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[h]; !ok {
		return ErrNotFound
	}
	set := r.reserved[h]
	if set == nil {
		set = make(map[protocol.Hash]struct{})
		r.reserved[h] = set
	}
	set[orderID] = struct{}{}
	return nil
}

func (r *MemRegistry) Release(_ context.Context, h, orderID protocol.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved[h], orderID)
	return nil
}

// Reserved reports whether orderID holds a reservation on h.
func (r *MemRegistry) Reserved(h, orderID protocol.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reserved[h][orderID]
	return ok
}
