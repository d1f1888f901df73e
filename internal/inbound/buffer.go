package inbound

import (
	"errors"
	"sync"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/metrics"
)

type pending struct {
	msg *protocol.Message
	at  time.Time
}

var (
	errOrderFull  = errors.New("order buffer full")
	errSignerFull = errors.New("signer buffer full")
	errBufferFull = errors.New("causal buffer full")
)

type bufferLimits struct {
	total     int
	perOrder  int
	perSigner int
}

// causalBuffer holds messages whose predecessor has not been applied yet,
// grouped by order. Senders can make up order ids freely, so besides the
// per-order cap there is one per signer and one overall.
type causalBuffer struct {
	mu       sync.Mutex
	byOrder  map[protocol.Hash][]pending
	bySigner map[protocol.Identity]int
	n        int
	limits   bufferLimits
}

func newCausalBuffer(limits bufferLimits) *causalBuffer {
	return &causalBuffer{
		byOrder:  make(map[protocol.Hash][]pending),
		bySigner: make(map[protocol.Identity]int),
		limits:   limits,
	}
}

// add parks msg. A message already parked is accepted again without a
// second copy.
func (b *causalBuffer) add(msg *protocol.Message, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := msg.OrderID()
	list := b.byOrder[id]
	for _, p := range list {
		if p.msg.Hash == msg.Hash {
			return nil
		}
	}
	switch {
	case b.limits.perOrder > 0 && len(list) >= b.limits.perOrder:
		return errOrderFull
	case b.limits.perSigner > 0 && b.bySigner[msg.Signer] >= b.limits.perSigner:
		return errSignerFull
	case b.limits.total > 0 && b.n >= b.limits.total:
		return errBufferFull
	}
	b.byOrder[id] = append(list, pending{msg: msg, at: now})
	b.bySigner[msg.Signer]++
	b.n++
	metrics.BufferedMessages.Set(float64(b.n))
	return nil
}

// forget drops the signer accounting of removed messages. Caller holds mu.
func (b *causalBuffer) forget(msgs []*protocol.Message) {
	for _, m := range msgs {
		if b.bySigner[m.Signer] <= 1 {
			delete(b.bySigner, m.Signer)
		} else {
			b.bySigner[m.Signer]--
		}
	}
	b.n -= len(msgs)
	metrics.BufferedMessages.Set(float64(b.n))
}

// take removes and returns the messages of orderID that point at prev.
func (b *causalBuffer) take(orderID, prev protocol.Hash) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.byOrder[orderID]
	if len(list) == 0 {
		return nil
	}
	var out []*protocol.Message
	keep := list[:0]
	for _, p := range list {
		if p.msg.Prev == prev {
			out = append(out, p.msg)
		} else {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		delete(b.byOrder, orderID)
	} else {
		b.byOrder[orderID] = keep
	}
	b.forget(out)
	return out
}

// expire drops everything parked for longer than retention.
func (b *causalBuffer) expire(now time.Time, retention time.Duration) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Message
	for id, list := range b.byOrder {
		keep := list[:0]
		for _, p := range list {
			if now.Sub(p.at) >= retention {
				out = append(out, p.msg)
			} else {
				keep = append(keep, p)
			}
		}
		if len(keep) == 0 {
			delete(b.byOrder, id)
		} else {
			b.byOrder[id] = keep
		}
	}
	b.forget(out)
	if len(out) > 0 {
		metrics.BufferExpiredTotal.Add(float64(len(out)))
	}
	return out
}

func (b *causalBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
