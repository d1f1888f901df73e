package negotiation

import (
	"errors"
	"fmt"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
)

var (
	ErrIllegalTransition = errors.New("negotiation: illegal transition")
	ErrEscrowRegression  = errors.New("negotiation: escrow status cannot move backwards")
)

// Apply computes the successor of cur (nil for a new order) under msg. cur is
// never modified. Re-applying a message already in the history returns an
// unchanged copy and no effects.
//
// Apply trusts the validator for signer and causal checks but re-asserts the
// transition table and escrow monotonicity.
func Apply(cur *order.Order, msg *protocol.Message) (*order.Order, []Effect, error) {
	if cur == nil {
		if msg.Variant != protocol.VariantBid {
			return nil, nil, fmt.Errorf("%w: %s without order", ErrIllegalTransition, msg.Variant)
		}
		return applyBid(msg)
	}
	if cur.HasSeen(msg.Hash) {
		return cur.Clone(), nil, nil
	}
	if !order.Allowed(cur.Status, msg.Variant) {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrIllegalTransition, msg.Variant, cur.Status)
	}

	next := cur.Clone()
	// 先记历史，再算副作用
	next.History = append(next.History, msg.Hash)
	next.UpdatedAt = msg.CreatedAt

	base := Effect{Order: next.ID, Listing: next.Listing, Cause: msg.Hash}
	with := func(k EffectKind, target protocol.Identity) Effect {
		e := base
		e.Kind, e.Target = k, target
		return e
	}

	var effects []Effect
	// 过期由签名消息驱动：对已过期出价的 REJECT/CANCEL 落为 EXPIRED，
	// 用的是消息自带的时间，任何节点重放都得到同一结果
	if (msg.Variant == protocol.VariantReject || msg.Variant == protocol.VariantCancel) && cur.Expired(msg.CreatedAt) {
		next.Status = order.StatusExpired
		if msg.Reject != nil {
			next.RejectReason = msg.Reject.Reason
		}
		effects = append(effects,
			with(NotifyCounterparty, next.Counterparty(msg.Signer)),
			with(ReleaseListing, next.Seller))
		return next, effects, nil
	}

	switch msg.Variant {
	case protocol.VariantAccept:
		next.Status = order.StatusAccepted
		if next.Escrow.Type != protocol.EscrowNone {
			effects = append(effects, with(BeginEscrowLock, next.Buyer))
		} else {
			effects = append(effects, with(ReadyToShip, next.Seller))
		}

	case protocol.VariantReject:
		next.Status = order.StatusRejected
		if msg.Reject != nil {
			next.RejectReason = msg.Reject.Reason
		}
		effects = append(effects, with(NotifyBuyer, next.Buyer), with(ReleaseListing, next.Seller))

	case protocol.VariantCancel:
		next.Status = order.StatusCancelled
		effects = append(effects,
			with(NotifyCounterparty, next.Counterparty(msg.Signer)),
			with(ReleaseListing, next.Seller))

	case protocol.VariantEscrowLock:
		if err := advanceEscrow(next, order.EscrowLocked); err != nil {
			return nil, nil, err
		}
		next.Status = order.StatusEscrowLocked
		next.Escrow.LockMsg = msg.Hash
		if msg.Escrow != nil {
			next.Escrow.CustodyRef = msg.Escrow.Ref
			if !msg.Escrow.Amount.IsZero() {
				next.Escrow.Amount = msg.Escrow.Amount
			}
		}
		if next.Escrow.Amount.IsZero() {
			next.Escrow.Amount = next.Amount
		}
		effects = append(effects, with(EscrowLocked, next.Seller))

	case protocol.VariantEscrowRelease:
		if err := advanceEscrow(next, order.EscrowReleased); err != nil {
			return nil, nil, err
		}
		next.Status = order.StatusComplete
		next.Escrow.ReleaseMsg = msg.Hash
		effects = append(effects, with(EscrowReleased, next.Seller))

	case protocol.VariantEscrowRefund:
		if err := advanceEscrow(next, order.EscrowRefunded); err != nil {
			return nil, nil, err
		}
		next.Status = order.StatusCancelled
		next.Escrow.RefundMsg = msg.Hash
		effects = append(effects, with(EscrowRefunded, next.Buyer), with(ReleaseListing, next.Seller))

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrIllegalTransition, msg.Variant)
	}
	return next, effects, nil
}

func applyBid(msg *protocol.Message) (*order.Order, []Effect, error) {
	bid := msg.Bid
	if bid == nil {
		return nil, nil, fmt.Errorf("%w: bid without payload", ErrIllegalTransition)
	}
	o := &order.Order{
		ID:        msg.Hash,
		Listing:   bid.Listing,
		Buyer:     msg.Signer,
		Seller:    bid.Seller,
		Status:    order.StatusBidReceived,
		History:   []protocol.Hash{msg.Hash},
		Escrow:    order.EscrowRecord{Type: bid.Escrow},
		Amount:    bid.Amount,
		Currency:  bid.Currency,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.CreatedAt,
		ExpiresAt: bid.ExpiresAt,
	}
	return o, nil, nil
}

func advanceEscrow(o *order.Order, to order.EscrowStatus) error {
	if !o.Escrow.Status.CanAdvance(to) {
		return fmt.Errorf("%w: %s -> %s", ErrEscrowRegression, o.Escrow.Status, to)
	}
	o.Escrow.Status = to
	return nil
}
