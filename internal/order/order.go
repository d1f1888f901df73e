package order

import (
	"fmt"
	"time"

	"bidmesh.com/internal/protocol"
	"github.com/shopspring/decimal"
)

type Status uint8

const (
	StatusAwaitingBid Status = iota
	StatusBidReceived
	StatusAccepted
	StatusEscrowLocked
	StatusComplete
	StatusRejected
	StatusCancelled
	StatusExpired
)

var statusNames = [...]string{
	StatusAwaitingBid:  "AWAITING_BID",
	StatusBidReceived:  "BID_RECEIVED",
	StatusAccepted:     "ACCEPTED",
	StatusEscrowLocked: "ESCROW_LOCKED",
	StatusComplete:     "COMPLETE",
	StatusRejected:     "REJECTED",
	StatusCancelled:    "CANCELLED",
	StatusExpired:      "EXPIRED",
}

// Statuses lists every status, useful for exhaustive tests.
var Statuses = []Status{
	StatusAwaitingBid, StatusBidReceived, StatusAccepted, StatusEscrowLocked,
	StatusComplete, StatusRejected, StatusCancelled, StatusExpired,
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return StatusAwaitingBid, fmt.Errorf("unknown order status %q", s)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// allowed 是唯一的状态迁移表，validator 和 negotiation 共用
var allowed = map[Status][]protocol.Variant{
	StatusAwaitingBid:  {protocol.VariantBid},
	StatusBidReceived:  {protocol.VariantAccept, protocol.VariantReject, protocol.VariantCancel},
	StatusAccepted:     {protocol.VariantEscrowLock, protocol.VariantCancel},
	StatusEscrowLocked: {protocol.VariantEscrowRelease, protocol.VariantEscrowRefund},
}

// Allowed reports whether a message of variant v may be applied in status s.
func Allowed(s Status, v protocol.Variant) bool {
	for _, a := range allowed[s] {
		if a == v {
			return true
		}
	}
	return false
}

type EscrowStatus uint8

const (
	EscrowNone EscrowStatus = iota
	EscrowLocked
	EscrowReleased
	EscrowRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowNone:
		return "NONE"
	case EscrowLocked:
		return "LOCKED"
	case EscrowReleased:
		return "RELEASED"
	case EscrowRefunded:
		return "REFUNDED"
	}
	return fmt.Sprintf("EscrowStatus(%d)", uint8(s))
}

// CanAdvance enforces NONE -> LOCKED -> (RELEASED | REFUNDED).
func (s EscrowStatus) CanAdvance(to EscrowStatus) bool {
	switch s {
	case EscrowNone:
		return to == EscrowLocked
	case EscrowLocked:
		return to == EscrowReleased || to == EscrowRefunded
	}
	return false
}

type EscrowRecord struct {
	Type       protocol.EscrowType
	Status     EscrowStatus
	LockMsg    protocol.Hash
	ReleaseMsg protocol.Hash
	RefundMsg  protocol.Hash
	CustodyRef string
	Amount     decimal.Decimal
}

// Order is one buyer/seller negotiation thread. Only the store hands out
// Orders, always as private copies.
type Order struct {
	ID       protocol.Hash
	Listing  protocol.Hash
	Buyer    protocol.Identity
	Seller   protocol.Identity
	Status   Status
	History  []protocol.Hash
	Escrow   EscrowRecord
	Amount   decimal.Decimal
	Currency string

	RejectReason protocol.RejectReason

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero: never
}

// LastHash is the causal head of the order.
func (o *Order) LastHash() protocol.Hash {
	if len(o.History) == 0 {
		return protocol.ZeroHash
	}
	return o.History[len(o.History)-1]
}

func (o *Order) HasSeen(h protocol.Hash) bool {
	for _, x := range o.History {
		if x == h {
			return true
		}
	}
	return false
}

// Counterparty returns the other party of self, or "" when self is not a party.
func (o *Order) Counterparty(self protocol.Identity) protocol.Identity {
	switch self {
	case o.Buyer:
		return o.Seller
	case o.Seller:
		return o.Buyer
	}
	return ""
}

// Lapsed reports whether the bid expiry has passed at t.
func (o *Order) Lapsed(t time.Time) bool {
	return !o.ExpiresAt.IsZero() && !t.Before(o.ExpiresAt)
}

// Expired reports whether a still unanswered bid has outlived its expiry.
// Once accepted an order never expires: the buyer may already have locked
// funds, so only signed CANCEL/REFUND can end it.
func (o *Order) Expired(t time.Time) bool {
	return o.Status == StatusBidReceived && o.Lapsed(t)
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.History = append([]protocol.Hash(nil), o.History...)
	return &cp
}
