package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidmesh.com/internal/dispatch"
	"bidmesh.com/internal/escrow"
	"bidmesh.com/internal/listing"
	"bidmesh.com/internal/negotiation"
	"bidmesh.com/internal/notify"
	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/store"
	"bidmesh.com/internal/validator"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/xerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("bidmesh.com/internal/inbound")

type Outcome uint8

const (
	Applied Outcome = iota
	Duplicate
	Buffered
	Rejected
	// Dropped: undecodable, unverifiable or not storable right now.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	case Rejected:
		return "rejected"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

type Config struct {
	// 乱序消息最多等待多久
	Retention           time.Duration `mapstructure:"retention"`
	MaxBufferedPerOrder int           `mapstructure:"max_buffered_per_order"`
	// 任何人都能为编造的订单号签消息，所以按签名方和总量再各限一道
	MaxBufferedPerSigner int `mapstructure:"max_buffered_per_signer"`
	MaxBuffered          int `mapstructure:"max_buffered"`
	// AutoEscrowLock locks funds as soon as the seller accepts our bid.
	AutoEscrowLock bool `mapstructure:"auto_escrow_lock"`
}

func (c *Config) withDefaults() {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.MaxBufferedPerOrder <= 0 {
		c.MaxBufferedPerOrder = 64
	}
	if c.MaxBufferedPerSigner <= 0 {
		c.MaxBufferedPerSigner = 256
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10000
	}
}

// Deps are the collaborators of a Processor. Escrow and Notifier are optional.
type Deps struct {
	Signer    protocol.Signer
	Codec     *protocol.Codec
	Store     store.Store
	Validator *validator.Validator
	Listings  listing.Registry
	Outbound  dispatch.Outbound
	Notifier  notify.Notifier
	Escrow    *escrow.Handler
}

// Processor is the single entry point for every message, remote or local.
type Processor struct {
	cfg      Config
	self     protocol.Identity
	signer   protocol.Signer
	codec    *protocol.Codec
	store    store.Store
	val      *validator.Validator
	listings listing.Registry
	out      dispatch.Outbound
	notifier notify.Notifier
	escrow   *escrow.Handler

	buf *causalBuffer
	now func() time.Time
}

var _ escrow.Submitter = (*Processor)(nil)

func New(cfg Config, d Deps) *Processor {
	cfg.withDefaults()
	if d.Codec == nil {
		d.Codec = protocol.NewCodec()
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	p := &Processor{
		cfg:      cfg,
		self:     d.Signer.Identity(),
		signer:   d.Signer,
		codec:    d.Codec,
		store:    d.Store,
		val:      d.Validator,
		listings: d.Listings,
		out:      d.Outbound,
		notifier: d.Notifier,
		escrow:   d.Escrow,
		buf: newCausalBuffer(bufferLimits{
			total:     cfg.MaxBuffered,
			perOrder:  cfg.MaxBufferedPerOrder,
			perSigner: cfg.MaxBufferedPerSigner,
		}),
		now:      time.Now,
	}
	if p.escrow != nil {
		p.escrow.Bind(p)
	}
	return p
}

func (p *Processor) Identity() protocol.Identity { return p.self }

// Buffered is the number of messages waiting for a predecessor.
func (p *Processor) Buffered() int { return p.buf.len() }

// Handle decodes raw and processes it. Decode failures are Dropped and never
// reach validation.
func (p *Processor) Handle(ctx context.Context, raw []byte) (Outcome, error) {
	msg, err := p.Decode(ctx, raw)
	if err != nil {
		return Dropped, err
	}
	return p.HandleMessage(ctx, msg)
}

// Decode verifies raw and accounts for it when it is dropped.
func (p *Processor) Decode(ctx context.Context, raw []byte) (*protocol.Message, error) {
	msg, err := p.codec.Decode(raw)
	if err != nil {
		reason := protocol.ReasonOf(err)
		metrics.MessagesTotal.WithLabelValues("unknown", Dropped.String(), "remote").Inc()
		logger.Warn(ctx, "message dropped", zap.String("reason", string(reason)), zap.Error(err))
		return nil, xerr.Wrap(xerr.DecodeError, string(reason), err)
	}
	return msg, nil
}

// HandleMessage processes a decoded message. A non-nil error accompanies
// Rejected and Dropped; Applied carries an error only when sending a locally
// authored message to the counterparty failed after the state was committed.
func (p *Processor) HandleMessage(ctx context.Context, msg *protocol.Message) (out Outcome, err error) {
	id := msg.OrderID()
	ctx = logger.WithOrder(ctx, id.String())
	ctx, span := tracer.Start(ctx, "inbound.handle")
	span.SetAttributes(
		attribute.String("msg.variant", msg.Variant.String()),
		attribute.String("msg.hash", msg.Hash.String()),
		attribute.String("order.id", id.String()),
	)
	origin := "remote"
	if msg.Signer == p.self {
		origin = "local"
	}
	defer func() {
		metrics.MessagesTotal.WithLabelValues(msg.Variant.String(), out.String(), origin).Inc()
		span.SetAttributes(attribute.String("outcome", out.String()))
		if err != nil && out != Applied {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	seen, err := p.store.HasSeen(ctx, id, msg.Hash)
	if err != nil {
		return Dropped, err
	}
	if seen {
		logger.Debug(ctx, "duplicate message", zap.String("hash", msg.Hash.Short()))
		return Duplicate, nil
	}

	cur, err := p.store.Get(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Dropped, err
	}
	res, err := p.val.Validate(ctx, cur, msg)
	if err != nil {
		return Dropped, err
	}
	if res.Verdict != validator.Accepted {
		return p.settle(ctx, msg, res)
	}

	var (
		effects []negotiation.Effect
		inLock  validator.Result
	)
	next, err := p.store.ApplyAndSave(ctx, id, func(cur *order.Order) (*order.Order, error) {
		// 锁内重做一次纯校验，外面的结论可能已经过期
		if cur != nil {
			if r := p.val.Check(cur, msg); r.Verdict != validator.Accepted {
				inLock = r
				return nil, errNotApplied
			}
		} else if msg.Variant != protocol.VariantBid {
			inLock = validator.Result{Verdict: validator.Buffered, Reason: validator.ReasonAwaitingPredecessor}
			return nil, errNotApplied
		}
		n, eff, err := negotiation.Apply(cur, msg)
		effects = eff
		return n, err
	})
	switch {
	case errors.Is(err, errNotApplied):
		return p.settle(ctx, msg, inLock)
	case errors.Is(err, negotiation.ErrIllegalTransition), errors.Is(err, negotiation.ErrEscrowRegression):
		return p.settle(ctx, msg, validator.Result{
			Verdict: validator.Rejected, Reason: validator.ReasonInvalidTransition, Detail: err.Error(),
		})
	case errors.Is(err, store.ErrExists):
		// 并发的同一个 BID
		return Duplicate, nil
	case err != nil:
		logger.Error(ctx, "apply failed", zap.String("hash", msg.Hash.Short()), zap.Error(err))
		return Dropped, err
	}

	logger.Info(ctx, "message applied",
		zap.String("variant", msg.Variant.String()),
		zap.String("hash", msg.Hash.Short()),
		zap.String("status", next.Status.String()),
		zap.String("origin", origin),
	)

	sendErr := p.afterCommit(ctx, next, msg, effects)
	p.drain(ctx, id, msg.Hash)
	return Applied, sendErr
}

var errNotApplied = errors.New("inbound: not applied")

// settle turns a non-accepting verdict into an outcome.
func (p *Processor) settle(ctx context.Context, msg *protocol.Message, res validator.Result) (Outcome, error) {
	switch {
	case res.Reason == validator.ReasonDuplicate:
		return Duplicate, nil
	case res.Verdict == validator.Buffered:
		return p.park(ctx, msg)
	}
	logger.Warn(ctx, "message rejected",
		zap.String("variant", msg.Variant.String()),
		zap.String("hash", msg.Hash.Short()),
		zap.String("reason", string(res.Reason)),
		zap.String("detail", res.Detail),
	)
	return Rejected, xerr.Wrap(xerr.ValidationRejected, string(res.Reason), errors.New(res.String()))
}

func (p *Processor) park(ctx context.Context, msg *protocol.Message) (Outcome, error) {
	if err := p.buf.add(msg, p.now()); err != nil {
		logger.Warn(ctx, "message not buffered",
			zap.String("hash", msg.Hash.Short()),
			zap.String("signer", msg.Signer.Short()),
			zap.Error(err),
		)
		return Dropped, xerr.Wrap(xerr.Busy, "BUFFER_FULL", fmt.Errorf("order %s: %w", msg.OrderID().Short(), err))
	}
	logger.Debug(ctx, "message buffered",
		zap.String("hash", msg.Hash.Short()), zap.String("prev", msg.Prev.Short()))

	// 前驱可能在校验和入队之间刚好落地
	if seen, err := p.store.HasSeen(ctx, msg.OrderID(), msg.Prev); err == nil && seen {
		p.drain(ctx, msg.OrderID(), msg.Prev)
	}
	return Buffered, nil
}

// drain retries buffered messages that were waiting on applied.
func (p *Processor) drain(ctx context.Context, orderID, applied protocol.Hash) {
	for _, m := range p.buf.take(orderID, applied) {
		out, err := p.HandleMessage(ctx, m)
		logger.Debug(ctx, "buffered message retried",
			zap.String("hash", m.Hash.Short()), zap.String("outcome", out.String()), zap.Error(err))
	}
}

// afterCommit runs side effects outside the store lock. Only the counterparty
// send error is returned; everything else is logged.
func (p *Processor) afterCommit(ctx context.Context, o *order.Order, msg *protocol.Message, effects []negotiation.Effect) error {
	if msg.Variant == protocol.VariantBid && o.Seller == p.self && p.listings != nil {
		if err := p.listings.Reserve(ctx, o.Listing, o.ID); err != nil {
			logger.Warn(ctx, "listing reserve failed", zap.Error(err))
		}
	}

	var sendErr error
	if msg.Signer == p.self && p.out != nil {
		to := o.Counterparty(p.self)
		if err := p.out.Send(ctx, to, msg); err != nil {
			logger.Error(ctx, "send to counterparty failed", zap.String("to", to.Short()), zap.Error(err))
			sendErr = err
		}
	}

	p.runEffects(ctx, o, effects)
	return sendErr
}

func (p *Processor) runEffects(ctx context.Context, o *order.Order, effects []negotiation.Effect) {
	for _, eff := range effects {
		ev := notify.Event{
			Kind:    eff.Kind.String(),
			Order:   o.ID.String(),
			Listing: o.Listing.String(),
			Status:  o.Status.String(),
			Target:  eff.Target,
			At:      p.now(),
		}
		if o.Status == order.StatusRejected {
			ev.Reason = o.RejectReason.String()
		}
		if err := p.notifier.Notify(ctx, ev); err != nil {
			logger.Warn(ctx, "notify failed", zap.String("kind", ev.Kind), zap.Error(err))
		}

		switch eff.Kind {
		case negotiation.ReleaseListing:
			if o.Seller == p.self && p.listings != nil {
				if err := p.listings.Release(ctx, o.Listing, o.ID); err != nil {
					logger.Warn(ctx, "listing release failed", zap.Error(err))
				}
			}
		case negotiation.BeginEscrowLock:
			if eff.Target == p.self && p.cfg.AutoEscrowLock && p.escrow != nil {
				if _, err := p.escrow.Lock(ctx, o.ID); err != nil {
					logger.Warn(ctx, "auto escrow lock failed", zap.Error(err))
				}
			}
		case negotiation.EscrowLocked, negotiation.EscrowReleased, negotiation.EscrowRefunded:
			if p.escrow != nil {
				p.escrow.Observe(ctx, o, eff)
			}
		}
	}
	if o.Status.IsTerminal() && p.escrow != nil {
		p.escrow.Forget(o.ID)
	}
}
