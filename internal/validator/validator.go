package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidmesh.com/internal/listing"
	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
)

type Verdict uint8

const (
	Accepted Verdict = iota
	Buffered
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Buffered:
		return "buffered"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Verdict(%d)", uint8(v))
}

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonAwaitingPredecessor Reason = "AWAITING_PREDECESSOR"
	ReasonDuplicate           Reason = "DUPLICATE"
	ReasonOrderMismatch       Reason = "ORDER_MISMATCH"
	ReasonConflictingBranch   Reason = "CONFLICTING_BRANCH"
	ReasonInvalidTransition   Reason = "INVALID_TRANSITION"
	ReasonWrongSigner         Reason = "WRONG_SIGNER"
	ReasonListingUnavailable  Reason = "LISTING_UNAVAILABLE"
	ReasonSellerMismatch      Reason = "SELLER_MISMATCH"
	ReasonEscrowMismatch      Reason = "ESCROW_MISMATCH"
	ReasonEscrowNotRequired   Reason = "ESCROW_NOT_REQUIRED"
	ReasonBidExpired          Reason = "BID_EXPIRED"
)

type Result struct {
	Verdict Verdict
	Reason  Reason
	Detail  string
}

func (r Result) String() string {
	if r.Reason == ReasonNone {
		return r.Verdict.String()
	}
	if r.Detail == "" {
		return fmt.Sprintf("%s(%s)", r.Verdict, r.Reason)
	}
	return fmt.Sprintf("%s(%s: %s)", r.Verdict, r.Reason, r.Detail)
}

func accept() Result { return Result{Verdict: Accepted} }

func buffer(reason Reason, format string, args ...interface{}) Result {
	return Result{Verdict: Buffered, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func reject(reason Reason, format string, args ...interface{}) Result {
	return Result{Verdict: Rejected, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ListingLookup is the read half of listing.Registry.
type ListingLookup interface {
	Lookup(ctx context.Context, h protocol.Hash) (*listing.Listing, error)
}

// Validator decides whether a message may be applied. It never mutates
// anything and is safe for concurrent use.
type Validator struct {
	listings ListingLookup
	policy   *Policy
	now      func() time.Time
}

func New(listings ListingLookup, policy *Policy) *Validator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Validator{listings: listings, policy: policy, now: time.Now}
}

func (v *Validator) Policy() *Policy { return v.policy }

// Validate checks msg against o (nil when the order is unknown locally).
// The error is reserved for listing collaborator failures.
func (v *Validator) Validate(ctx context.Context, o *order.Order, msg *protocol.Message) (Result, error) {
	if o != nil {
		return v.Check(o, msg), nil
	}
	if msg.Variant != protocol.VariantBid {
		return buffer(ReasonAwaitingPredecessor, "order %s unknown", msg.OrderID().Short()), nil
	}
	return v.checkBid(ctx, msg)
}

func (v *Validator) checkBid(ctx context.Context, msg *protocol.Message) (Result, error) {
	bid := msg.Bid
	if bid == nil {
		return reject(ReasonInvalidTransition, "bid without payload"), nil
	}
	if !bid.ExpiresAt.IsZero() && !v.now().Before(bid.ExpiresAt) {
		return reject(ReasonBidExpired, "expired at %s", bid.ExpiresAt.Format(time.RFC3339)), nil
	}
	if msg.Signer == bid.Seller {
		return reject(ReasonWrongSigner, "seller cannot bid on own listing"), nil
	}
	l, err := v.listings.Lookup(ctx, bid.Listing)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return reject(ReasonListingUnavailable, "listing %s not found", bid.Listing.Short()), nil
		}
		return Result{}, err
	}
	if !l.Open {
		return reject(ReasonListingUnavailable, "listing %s closed", bid.Listing.Short()), nil
	}
	if l.Seller != bid.Seller {
		return reject(ReasonSellerMismatch, "listing seller %s", l.Seller.Short()), nil
	}
	if l.Escrow != bid.Escrow {
		return reject(ReasonEscrowMismatch, "listing wants %s, bid has %s", l.Escrow, bid.Escrow), nil
	}
	return accept(), nil
}

// Check is the pure part of validation for an existing order. It is safe to
// call inside a store mutation.
func (v *Validator) Check(o *order.Order, msg *protocol.Message) Result {
	if o.HasSeen(msg.Hash) {
		return reject(ReasonDuplicate, "%s already applied", msg.Hash.Short())
	}
	if msg.OrderID() != o.ID {
		return reject(ReasonOrderMismatch, "message for %s, order %s", msg.OrderID().Short(), o.ID.Short())
	}
	if o.Status.IsTerminal() {
		return reject(ReasonInvalidTransition, "%s on terminal %s", msg.Variant, o.Status)
	}
	if !o.HasSeen(msg.Prev) {
		return buffer(ReasonAwaitingPredecessor, "prev %s not applied", msg.Prev.Short())
	}
	if msg.Prev != o.LastHash() {
		return reject(ReasonConflictingBranch, "prev %s is not head %s", msg.Prev.Short(), o.LastHash().Short())
	}
	if !order.Allowed(o.Status, msg.Variant) {
		return reject(ReasonInvalidTransition, "%s not allowed in %s", msg.Variant, o.Status)
	}
	if msg.Variant.IsEscrow() && o.Escrow.Type == protocol.EscrowNone {
		return reject(ReasonEscrowNotRequired, "order has no escrow")
	}
	if !v.policy.Permits(o, msg.Variant, msg.Signer) {
		return reject(ReasonWrongSigner, "%s in %s must be signed by %s",
			msg.Variant, o.Status, v.policy.Expected(o.Status, msg.Variant))
	}
	// 以签名时间为准，两端对同一条消息得出同一结论
	if msg.Variant == protocol.VariantAccept && o.Expired(msg.CreatedAt) {
		return reject(ReasonBidExpired, "bid expired at %s", o.ExpiresAt.Format(time.RFC3339))
	}
	return accept()
}
