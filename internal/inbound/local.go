package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidmesh.com/internal/listing"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/store"
	"bidmesh.com/internal/validator"
	"bidmesh.com/pkg/xerr"
	"github.com/shopspring/decimal"
)

const ReasonUnknownRejectReason = "UNKNOWN_REJECT_REASON"

// Action is an operator request against an existing order.
type Action struct {
	Order   protocol.Hash
	Variant protocol.Variant
	// Reason is the REJECT reason, e.g. OUT_OF_STOCK.
	Reason string
	// Escrow is the custody receipt. When nil on an ESCROW_* action, custody
	// is performed first by the escrow handler.
	Escrow *protocol.EscrowPayload
}

// SubmitLocalAction signs the action as this node and runs it through Handle.
// Unlike remote deliveries, anything short of Applied is an error.
func (p *Processor) SubmitLocalAction(ctx context.Context, a Action) (*protocol.Message, error) {
	return p.submitAction(ctx, a, p.now())
}

// submitAction signs a at the given time. The sweeper stamps expiry
// REJECT/CANCELs with its own clock.
func (p *Processor) submitAction(ctx context.Context, a Action, at time.Time) (*protocol.Message, error) {
	switch a.Variant {
	case protocol.VariantAccept, protocol.VariantReject, protocol.VariantCancel:
	case protocol.VariantEscrowLock, protocol.VariantEscrowRelease, protocol.VariantEscrowRefund:
		if a.Escrow == nil {
			return p.custody(ctx, a)
		}
	case protocol.VariantBid:
		return nil, xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonInvalidTransition),
			errors.New("bids are placed with PlaceBid"))
	default:
		return nil, xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonInvalidTransition),
			fmt.Errorf("%s cannot be submitted locally", a.Variant))
	}

	o, err := p.store.Get(ctx, a.Order)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, xerr.Wrap(xerr.RecordNotFound, "ORDER_NOT_FOUND", fmt.Errorf("order %s", a.Order.Short()))
		}
		return nil, err
	}

	d := protocol.Draft{
		Variant:   a.Variant,
		Order:     o.ID,
		Prev:      o.LastHash(),
		CreatedAt: at,
		Escrow:    a.Escrow,
	}
	if a.Variant == protocol.VariantReject {
		reason, err := protocol.ParseRejectReason(a.Reason)
		if err != nil {
			return nil, xerr.Wrap(xerr.ValidationRejected, ReasonUnknownRejectReason, err)
		}
		d.Reject = &protocol.RejectPayload{Reason: reason}
	}
	return p.submit(ctx, d)
}

func (p *Processor) custody(ctx context.Context, a Action) (*protocol.Message, error) {
	if p.escrow == nil {
		return nil, xerr.Wrap(xerr.CustodyFailure, "NO_CUSTODY", errors.New("no custody configured"))
	}
	switch a.Variant {
	case protocol.VariantEscrowLock:
		return p.escrow.Lock(ctx, a.Order)
	case protocol.VariantEscrowRelease:
		return p.escrow.Release(ctx, a.Order)
	default:
		return p.escrow.Refund(ctx, a.Order)
	}
}

// SubmitEscrow records a completed custody action.
func (p *Processor) SubmitEscrow(ctx context.Context, orderID protocol.Hash, v protocol.Variant, e *protocol.EscrowPayload) (*protocol.Message, error) {
	return p.SubmitLocalAction(ctx, Action{Order: orderID, Variant: v, Escrow: e})
}

type BidRequest struct {
	Listing protocol.Hash
	// Amount and Currency default to the listing's price.
	Amount    decimal.Decimal
	Currency  string
	ExpiresAt time.Time
}

// PlaceBid opens an order on a listing as the buyer. The order exists locally
// once this returns; the BID is sent to the seller.
func (p *Processor) PlaceBid(ctx context.Context, req BidRequest) (*protocol.Message, error) {
	l, err := p.listings.Lookup(ctx, req.Listing)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return nil, xerr.Wrap(xerr.ValidationRejected, string(validator.ReasonListingUnavailable), err)
		}
		return nil, err
	}
	amount, currency := req.Amount, req.Currency
	if amount.IsZero() {
		amount = l.Price
	}
	if currency == "" {
		currency = l.Currency
	}
	if !amount.IsPositive() {
		return nil, xerr.Wrap(xerr.ValidationRejected, "BAD_AMOUNT", fmt.Errorf("bid amount %s", amount))
	}
	return p.submit(ctx, protocol.Draft{
		Variant:   protocol.VariantBid,
		CreatedAt: p.now(),
		Bid: &protocol.BidPayload{
			Listing:   l.Hash,
			Seller:    l.Seller,
			Amount:    amount,
			Currency:  currency,
			Escrow:    l.Escrow,
			ExpiresAt: req.ExpiresAt,
		},
	})
}

func (p *Processor) submit(ctx context.Context, d protocol.Draft) (*protocol.Message, error) {
	msg, err := p.codec.Encode(d, p.signer)
	if err != nil {
		return nil, err
	}
	// 本地动作与远端消息走同一条路径
	out, err := p.Handle(ctx, msg.Raw())
	switch out {
	case Applied:
		return msg, err
	case Duplicate:
		return nil, xerr.Wrap(xerr.DuplicateMessage, string(validator.ReasonDuplicate),
			fmt.Errorf("%s %s already applied", d.Variant, msg.Hash.Short()))
	case Buffered:
		return nil, xerr.Wrap(xerr.AwaitingPredecessor, string(validator.ReasonAwaitingPredecessor),
			fmt.Errorf("%s %s waits for its predecessor", d.Variant, msg.Hash.Short()))
	}
	return nil, err
}
