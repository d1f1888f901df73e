package notify

import (
	"context"
	"fmt"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Event is an order notification for operators and UIs.
type Event struct {
	Kind    string            `json:"kind"`
	Order   string            `json:"order"`
	Listing string            `json:"listing"`
	Status  string            `json:"status"`
	Target  protocol.Identity `json:"target,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	logger.Info(ctx, "order event",
		zap.String("kind", ev.Kind),
		zap.String("order", ev.Order),
		zap.String("status", ev.Status),
		zap.String("target", string(ev.Target)),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// NatsNotifier publishes JSON events on <prefix>.events.<order>.
type NatsNotifier struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsNotifier(nc *nats.Conn, prefix string) *NatsNotifier {
	if prefix == "" {
		prefix = "bidmesh"
	}
	return &NatsNotifier{nc: nc, prefix: prefix}
}

func (n *NatsNotifier) Subject(orderID string) string {
	return fmt.Sprintf("%s.events.%s", n.prefix, orderID)
}

func (n *NatsNotifier) Notify(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(ev.Order), b)
}

// Multi fans out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
