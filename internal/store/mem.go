package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/wal"
)

// MemStore keeps orders in memory. With a journal every committed snapshot is
// appended to a pkg/wal log and replayed on open, last write wins.
type MemStore struct {
	locks stripedLock

	mu     sync.RWMutex
	orders map[protocol.Hash]*order.Order

	jmu     sync.Mutex
	journal *wal.Writer
}

func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[protocol.Hash]*order.Order)}
}

// OpenMemStore replays the journal at path (a missing file is empty) and keeps
// appending to it.
func OpenMemStore(path string) (*MemStore, error) {
	s := NewMemStore()
	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(p []byte) error {
		o, err := decodeRecord(p)
		if err != nil {
			return err
		}
		s.orders[o.ID] = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay order journal: %w", err)
	}
	// 半写的尾巴截掉，否则后续追加会接在坏记录后面
	if st.TruncatedTail {
		if err := wal.TruncateTo(path, st.LastGoodOffset); err != nil {
			return nil, fmt.Errorf("repair order journal: %w", err)
		}
	}
	w, err := wal.OpenWrite(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open order journal: %w", err)
	}
	s.journal = w
	return s, nil
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Get(_ context.Context, id protocol.Hash) (*order.Order, error) {
	s.mu.RLock()
	o := s.orders[id]
	s.mu.RUnlock()
	if o == nil {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemStore) Create(_ context.Context, o *order.Order) error {
	unlock := s.locks.lock(o.ID)
	defer unlock()

	s.mu.RLock()
	_, ok := s.orders[o.ID]
	s.mu.RUnlock()
	if ok {
		return ErrExists
	}
	return s.commit(o.Clone())
}

func (s *MemStore) ApplyAndSave(_ context.Context, id protocol.Hash, mut Mutation) (*order.Order, error) {
	start := time.Now()
	defer func() { metrics.ApplyDuration.WithLabelValues("mem").Observe(time.Since(start).Seconds()) }()

	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.RLock()
	cur := s.orders[id]
	s.mu.RUnlock()

	next, err := mut(cur.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrNilOrder
	}
	if next.ID != id {
		return nil, fmt.Errorf("store: mutation changed order id %s -> %s", id.Short(), next.ID.Short())
	}
	next = next.Clone()
	if err := s.commit(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// commit 先落日志再改内存，日志失败则不可见
func (s *MemStore) commit(o *order.Order) error {
	if s.journal != nil {
		b, err := encodeRecord(o)
		if err != nil {
			return err
		}
		s.jmu.Lock()
		err = s.journal.Append(b)
		if err == nil {
			err = s.journal.Flush()
		}
		s.jmu.Unlock()
		if err != nil {
			return fmt.Errorf("append order journal: %w", err)
		}
	}
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
	return nil
}

func (s *MemStore) HasSeen(_ context.Context, id, msg protocol.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.orders[id]
	if o == nil {
		return false, nil
	}
	return o.HasSeen(msg), nil
}

func (s *MemStore) ListActive(_ context.Context) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) Close() error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
