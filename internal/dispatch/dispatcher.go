package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/transport"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/ratelimit"
	"bidmesh.com/pkg/xerr"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	ReasonPermanent = "PERMANENT"
	ReasonExhausted = "EXHAUSTED"
)

type Config struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	// 每个对端的发送速率
	RatePerSec float64        `mapstructure:"rate_per_sec"`
	Burst      int            `mapstructure:"burst"`
	Breaker    ratelimit.Rule `mapstructure:"breaker"`
	// SentTTL is how long a delivered hash is remembered for suppression.
	SentTTL time.Duration `mapstructure:"sent_ttl"`
}

func (c *Config) withDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 6
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.SentTTL <= 0 {
		c.SentTTL = time.Hour
	}
}

type SendResult struct {
	Hash      protocol.Hash
	Recipient protocol.Identity
	Attempts  int
	// Duplicate is set when the hash was already delivered to the recipient.
	Duplicate bool
}

type sentKey struct {
	to   protocol.Identity
	hash protocol.Hash
}

// Dispatcher hands encoded messages to the transport with bounded retries.
type Dispatcher struct {
	t        transport.Transport
	cfg      Config
	breakers *ratelimit.Manager
	limiter  *ratelimit.Store
	sf       singleflight.Group

	mu   sync.Mutex
	sent map[sentKey]time.Time
	now  func() time.Time
}

func NewDispatcher(t transport.Transport, cfg Config) *Dispatcher {
	cfg.withDefaults()
	breakers := ratelimit.NewManager(cfg.Breaker, func(err error) bool {
		// 调用方取消不算对端故障
		return errors.Is(err, context.Canceled)
	})
	breakers.OnStateChange(func(name string, from, to gobreaker.State) {
		metrics.BreakerState.WithLabelValues(name, from.String()).Set(0)
		metrics.BreakerState.WithLabelValues(name, to.String()).Set(1)
		logger.Warn(context.Background(), "peer breaker state changed",
			zap.String("peer", name), zap.String("from", from.String()), zap.String("to", to.String()))
	})
	return &Dispatcher{
		t:        t,
		cfg:      cfg,
		breakers: breakers,
		limiter:  ratelimit.NewStore(rate.Limit(cfg.RatePerSec), cfg.Burst, 10*time.Minute),
		sent:     make(map[sentKey]time.Time),
		now:      time.Now,
	}
}

// StartJanitor evicts idle per-peer limiters and forgets delivered hashes
// older than SentTTL until ctx ends.
func (d *Dispatcher) StartJanitor(ctx context.Context) {
	d.limiter.StartJanitor(ctx, time.Minute)
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.prune(d.now()); n > 0 {
					logger.Debug(ctx, "sent hashes pruned", zap.Int("count", n))
				}
			}
		}
	}()
}

// Send delivers msg to recipient. Sending a hash that recipient already
// acknowledged is suppressed and reported as Duplicate.
func (d *Dispatcher) Send(ctx context.Context, recipient protocol.Identity, msg *protocol.Message) (SendResult, error) {
	if msg == nil || len(msg.Raw()) == 0 {
		return SendResult{}, errors.New("dispatch: message has no encoding")
	}
	return d.SendRaw(ctx, recipient, msg.Hash, msg.Raw())
}

// SendRaw is Send for already encoded bytes, used when replaying the outbox.
func (d *Dispatcher) SendRaw(ctx context.Context, recipient protocol.Identity, h protocol.Hash, raw []byte) (SendResult, error) {
	key := sentKey{to: recipient, hash: h}
	if d.wasSent(key) {
		metrics.SendsTotal.WithLabelValues("duplicate").Inc()
		return SendResult{Hash: h, Recipient: recipient, Duplicate: true}, nil
	}

	// 同一条消息并发发送只走一次网络
	v, err, _ := d.sf.Do(string(recipient)+"/"+h.String(), func() (interface{}, error) {
		attempts, err := d.deliver(ctx, recipient, raw)
		if err == nil {
			d.markSent(key)
		}
		return attempts, err
	})
	res := SendResult{Hash: h, Recipient: recipient}
	if n, ok := v.(int); ok {
		res.Attempts = n
	}
	return res, err
}

func (d *Dispatcher) deliver(ctx context.Context, recipient protocol.Identity, raw []byte) (int, error) {
	cb := d.breakers.Get(string(recipient))
	attempts := 0

	op := func() (struct{}, error) {
		if err := d.limiter.Wait(ctx, string(recipient)); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		metrics.SendAttemptsTotal.Inc()
		_, err := cb.Execute(func() (struct{}, error) {
			actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			defer cancel()
			return struct{}{}, d.t.Deliver(actx, recipient, raw)
		})
		if err != nil && transport.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug(ctx, "send retry",
				zap.String("to", recipient.Short()), zap.Duration("next", next), zap.Error(err))
		}),
	)
	switch {
	case err == nil:
		metrics.SendsTotal.WithLabelValues("delivered").Inc()
		return attempts, nil
	case transport.IsPermanent(err):
		metrics.SendsTotal.WithLabelValues("permanent").Inc()
		return attempts, xerr.Wrap(xerr.TransportFailure, ReasonPermanent, err)
	default:
		metrics.SendsTotal.WithLabelValues("exhausted").Inc()
		return attempts, xerr.Wrap(xerr.TransportFailure, ReasonExhausted,
			fmt.Errorf("%d attempts to %s: %w", attempts, recipient.Short(), err))
	}
}

func (d *Dispatcher) wasSent(k sentKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sent[k]
	return ok
}

func (d *Dispatcher) markSent(k sentKey) {
	d.mu.Lock()
	d.sent[k] = d.now()
	d.mu.Unlock()
}

// prune drops delivered hashes older than SentTTL. A later resend of one of
// them reaches the peer again, which dedups by hash on its side.
func (d *Dispatcher) prune(now time.Time) int {
	cut := now.Add(-d.cfg.SentTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, at := range d.sent {
		if at.Before(cut) {
			delete(d.sent, k)
			n++
		}
	}
	return n
}

// IsPermanent reports whether a Send error will not succeed on retry.
func IsPermanent(err error) bool {
	return xerr.ReasonOf(err) == ReasonPermanent || transport.IsPermanent(err)
}
