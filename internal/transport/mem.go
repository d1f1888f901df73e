package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"bidmesh.com/internal/protocol"
)

// Fault decides the fate of one delivery attempt; a non-nil error fails it.
type Fault func(dest protocol.Identity, payload []byte) error

// MemNetwork connects in-process peers. Tests use it to inject transient
// failures, duplicates and reordering.
type MemNetwork struct {
	mu    sync.RWMutex
	peers map[protocol.Identity]*MemTransport
	fault Fault

	delivered uint64
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{peers: make(map[protocol.Identity]*MemTransport)}
}

func (n *MemNetwork) SetFault(f Fault) {
	n.mu.Lock()
	n.fault = f
	n.mu.Unlock()
}

// Delivered counts successful deliveries.
func (n *MemNetwork) Delivered() uint64 { return atomic.LoadUint64(&n.delivered) }

// Join registers id on the network.
func (n *MemNetwork) Join(id protocol.Identity, buffer int) *MemTransport {
	if buffer <= 0 {
		buffer = 1024
	}
	t := &MemTransport{net: n, self: id, inbox: make(chan []byte, buffer)}
	n.mu.Lock()
	n.peers[id] = t
	n.mu.Unlock()
	return t
}

func (n *MemNetwork) leave(id protocol.Identity) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
}

type MemTransport struct {
	net   *MemNetwork
	self  protocol.Identity
	inbox chan []byte

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*MemTransport)(nil)

// Receive returns the inbox. It is never closed; stop on ctx.
func (t *MemTransport) Receive(context.Context) (<-chan []byte, error) {
	return t.inbox, nil
}

// Inject places raw bytes in the inbox as if a peer had sent them.
func (t *MemTransport) Inject(payload []byte) {
	t.inbox <- append([]byte(nil), payload...)
}

func (t *MemTransport) Deliver(ctx context.Context, dest protocol.Identity, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.net.mu.RLock()
	peer := t.net.peers[dest]
	fault := t.net.fault
	t.net.mu.RUnlock()

	if fault != nil {
		if err := fault(dest, payload); err != nil {
			return err
		}
	}
	if peer == nil {
		return ErrUnknownRecipient
	}
	select {
	case peer.inbox <- append([]byte(nil), payload...):
		atomic.AddUint64(&t.net.delivered, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.net.leave(t.self)
	}
	return nil
}
