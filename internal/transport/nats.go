package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const ackOK = "ok"

type NatsConfig struct {
	URL     string        `mapstructure:"url"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"` // 单次投递等待 ack
	Buffer  int           `mapstructure:"buffer"`
}

// NatsTransport delivers envelopes as NATS requests on <prefix>.peer.<identity>.
// The receiver replies only after the envelope is queued locally, so a reply
// is the delivery ack and "no responders" means nobody serves that identity.
type NatsTransport struct {
	nc   *nats.Conn
	self protocol.Identity
	cfg  NatsConfig
}

func NewNatsTransport(self protocol.Identity, cfg NatsConfig, opts ...nats.Option) (*NatsTransport, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "bidmesh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	opts = append([]nats.Option{nats.Name("bidmesh-" + self.Short())}, opts...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return &NatsTransport{nc: nc, self: self, cfg: cfg}, nil
}

// Conn exposes the connection so the notifier can share it.
func (t *NatsTransport) Conn() *nats.Conn { return t.nc }

func (t *NatsTransport) subject(id protocol.Identity) string {
	return fmt.Sprintf("%s.peer.%s", t.cfg.Prefix, id)
}

func (t *NatsTransport) Receive(ctx context.Context) (<-chan []byte, error) {
	out := make(chan []byte, t.cfg.Buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := t.nc.Subscribe(t.subject(t.self), func(m *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		// 入队成功才 ack；队满就阻塞，发送方超时后会重试
		select {
		case out <- m.Data:
			if m.Reply != "" {
				if err := m.Respond([]byte(ackOK)); err != nil {
					logger.Warn(ctx, "nats ack failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.subject(t.self), err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (t *NatsTransport) Deliver(ctx context.Context, dest protocol.Identity, payload []byte) error {
	if t.nc.IsClosed() {
		return ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	resp, err := t.nc.RequestWithContext(ctx, t.subject(dest), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, dest.Short())
		}
		return fmt.Errorf("deliver to %s: %w", dest.Short(), err)
	}
	if string(resp.Data) != ackOK {
		return fmt.Errorf("deliver to %s: unexpected ack %q", dest.Short(), resp.Data)
	}
	return nil
}

func (t *NatsTransport) Close() error {
	if t.nc != nil && !t.nc.IsClosed() {
		_ = t.nc.Drain()
		t.nc.Close()
	}
	return nil
}
