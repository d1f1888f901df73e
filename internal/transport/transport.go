package transport

import (
	"context"
	"errors"

	"bidmesh.com/internal/protocol"
)

var (
	// ErrUnknownRecipient is permanent: no peer is listening for the identity.
	ErrUnknownRecipient = errors.New("transport: unknown recipient")
	ErrClosed           = errors.New("transport: closed")
)

// Transport is the secure messaging collaborator. Delivery is at-least-once
// and unordered; Receive may yield the same bytes more than once.
type Transport interface {
	// Receive streams raw envelopes addressed to this peer until ctx ends.
	Receive(ctx context.Context) (<-chan []byte, error)
	// Deliver returns nil once dest acknowledged the bytes.
	Deliver(ctx context.Context, dest protocol.Identity, payload []byte) error
	Close() error
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownRecipient) || errors.Is(err, ErrClosed)
}
