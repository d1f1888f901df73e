package escrow

import (
	"context"
	"fmt"
	"sync"

	"bidmesh.com/internal/negotiation"
	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/validator"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/xerr"
	"go.uber.org/zap"
)

// Submitter records a custody outcome as a locally authored ESCROW_* message.
type Submitter interface {
	SubmitEscrow(ctx context.Context, orderID protocol.Hash, v protocol.Variant, p *protocol.EscrowPayload) (*protocol.Message, error)
}

type OrderReader interface {
	Get(ctx context.Context, id protocol.Hash) (*order.Order, error)
}

// Handler drives custody for orders this node is party to. The order status
// only advances after custody succeeded, through the submitted message.
type Handler struct {
	self    protocol.Identity
	orders  OrderReader
	custody Custody
	policy  *validator.Policy
	submit  Submitter

	mu       sync.Mutex
	observed map[protocol.Hash]order.EscrowStatus
}

func NewHandler(self protocol.Identity, orders OrderReader, custody Custody, policy *validator.Policy) *Handler {
	if policy == nil {
		policy = validator.DefaultPolicy()
	}
	return &Handler{
		self:     self,
		orders:   orders,
		custody:  custody,
		policy:   policy,
		observed: make(map[protocol.Hash]order.EscrowStatus),
	}
}

// Bind sets the submitter. The processor and the handler reference each
// other, so this happens after both exist.
func (h *Handler) Bind(s Submitter) { h.submit = s }

func (h *Handler) Lock(ctx context.Context, orderID protocol.Hash) (*protocol.Message, error) {
	return h.run(ctx, ActionLock, orderID)
}

func (h *Handler) Release(ctx context.Context, orderID protocol.Hash) (*protocol.Message, error) {
	return h.run(ctx, ActionRelease, orderID)
}

func (h *Handler) Refund(ctx context.Context, orderID protocol.Hash) (*protocol.Message, error) {
	return h.run(ctx, ActionRefund, orderID)
}

func (h *Handler) run(ctx context.Context, a Action, orderID protocol.Hash) (*protocol.Message, error) {
	if h.submit == nil {
		return nil, fmt.Errorf("escrow: handler not bound")
	}
	ctx = logger.WithOrder(ctx, orderID.String())
	o, err := h.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	v := a.Variant()
	if err := h.check(o, v); err != nil {
		return nil, err
	}

	req := Request{
		Order:    o.ID,
		Buyer:    o.Buyer,
		Seller:   o.Seller,
		Amount:   o.Amount,
		Currency: o.Currency,
	}
	var rc Receipt
	switch a {
	case ActionLock:
		rc, err = h.custody.Lock(ctx, req)
	case ActionRelease:
		rc, err = h.custody.Release(ctx, req)
	case ActionRefund:
		rc, err = h.custody.Refund(ctx, req)
	}
	if err != nil {
		metrics.CustodyFailuresTotal.WithLabelValues(a.String()).Inc()
		logger.Warn(ctx, "custody action failed", zap.String("action", a.String()), zap.Error(err))
		return nil, &CustodyError{Action: a, Order: orderID, Err: err}
	}

	logger.Info(ctx, "custody action done", zap.String("action", a.String()), zap.String("ref", rc.Ref))
	return h.submit.SubmitEscrow(ctx, orderID, v, &protocol.EscrowPayload{Ref: rc.Ref, Amount: rc.Amount})
}

// check runs the local preconditions before any funds move.
func (h *Handler) check(o *order.Order, v protocol.Variant) error {
	if o.Escrow.Type == protocol.EscrowNone {
		return xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonEscrowNotRequired),
			fmt.Errorf("order %s has no escrow", o.ID.Short()))
	}
	if !order.Allowed(o.Status, v) {
		return xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonInvalidTransition),
			fmt.Errorf("%s not allowed in %s", v, o.Status))
	}
	if !h.policy.Permits(o, v, h.self) {
		return xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonWrongSigner),
			fmt.Errorf("%s on %s must be signed by %s", v, o.ID.Short(), h.policy.Expected(o.Status, v)))
	}
	return nil
}

// Observe records escrow effects applied from messages, including ones the
// counterparty authored.
func (h *Handler) Observe(ctx context.Context, o *order.Order, eff negotiation.Effect) {
	var st order.EscrowStatus
	switch eff.Kind {
	case negotiation.EscrowLocked:
		st = order.EscrowLocked
	case negotiation.EscrowReleased:
		st = order.EscrowReleased
	case negotiation.EscrowRefunded:
		st = order.EscrowRefunded
	default:
		return
	}

	h.mu.Lock()
	prev := h.observed[o.ID]
	if prev == st {
		h.mu.Unlock()
		return
	}
	h.observed[o.ID] = st
	h.mu.Unlock()

	fields := []zap.Field{
		zap.String("escrow", st.String()),
		zap.String("ref", o.Escrow.CustodyRef),
		zap.String("amount", o.Escrow.Amount.String()),
	}
	if au, ok := h.custody.(Auditor); ok && st == order.EscrowLocked {
		held, ok := au.Held(ctx, o.ID)
		if !ok || !held.Equal(o.Escrow.Amount) {
			logger.Warn(ctx, "escrow lock not backed by custody",
				append(fields, zap.String("held", held.String()))...)
			return
		}
	}
	logger.Info(ctx, "escrow observed", fields...)
}

// Observed returns the last escrow status seen for orderID.
func (h *Handler) Observed(orderID protocol.Hash) order.EscrowStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observed[orderID]
}

// Forget drops what was observed for orderID. Called once the order is
// terminal, nothing is observed for it after that.
func (h *Handler) Forget(orderID protocol.Hash) {
	h.mu.Lock()
	delete(h.observed, orderID)
	h.mu.Unlock()
}

// Tracked is the number of orders with an observed escrow status.
func (h *Handler) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observed)
}
