package protocol

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Variant is the closed set of marketplace protocol actions.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantBid
	VariantAccept
	VariantReject
	VariantCancel
	VariantEscrowLock
	VariantEscrowRefund
	VariantEscrowRelease
	VariantEscrowComplete
)

// Variants lists every known variant in wire order.
var Variants = []Variant{
	VariantBid, VariantAccept, VariantReject, VariantCancel,
	VariantEscrowLock, VariantEscrowRefund, VariantEscrowRelease, VariantEscrowComplete,
}

var variantTags = map[Variant]string{
	VariantBid:            "MPA_BID",
	VariantAccept:         "MPA_ACCEPT",
	VariantReject:         "MPA_REJECT",
	VariantCancel:         "MPA_CANCEL",
	VariantEscrowLock:     "MPA_LOCK",
	VariantEscrowRefund:   "MPA_REFUND",
	VariantEscrowRelease:  "MPA_RELEASE",
	VariantEscrowComplete: "MPA_COMPLETE",
}

func (v Variant) String() string {
	if s, ok := variantTags[v]; ok {
		return s
	}
	return fmt.Sprintf("Variant(%d)", uint8(v))
}

// IsEscrow reports whether v moves funds.
func (v Variant) IsEscrow() bool {
	switch v {
	case VariantEscrowLock, VariantEscrowRefund, VariantEscrowRelease, VariantEscrowComplete:
		return true
	}
	return false
}

// ParseVariant accepts wire tags (MPA_BID) and plain names (BID, ESCROW_LOCK).
func ParseVariant(s string) (Variant, error) {
	for v, tag := range variantTags {
		if s == tag {
			return v, nil
		}
	}
	switch s {
	case "BID":
		return VariantBid, nil
	case "ACCEPT":
		return VariantAccept, nil
	case "REJECT":
		return VariantReject, nil
	case "CANCEL":
		return VariantCancel, nil
	case "ESCROW_LOCK":
		return VariantEscrowLock, nil
	case "ESCROW_REFUND":
		return VariantEscrowRefund, nil
	case "ESCROW_RELEASE":
		return VariantEscrowRelease, nil
	case "ESCROW_COMPLETE":
		return VariantEscrowComplete, nil
	}
	return VariantUnknown, fmt.Errorf("unknown variant %q", s)
}

// RejectReason is the seller supplied justification of a REJECT.
type RejectReason uint8

const (
	ReasonUnspecified RejectReason = iota
	ReasonOutOfStock
)

func (r RejectReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "UNSPECIFIED"
	case ReasonOutOfStock:
		return "OUT_OF_STOCK"
	}
	return fmt.Sprintf("RejectReason(%d)", uint8(r))
}

// ParseRejectReason maps "" to ReasonUnspecified.
func ParseRejectReason(s string) (RejectReason, error) {
	switch s {
	case "", "UNSPECIFIED":
		return ReasonUnspecified, nil
	case "OUT_OF_STOCK":
		return ReasonOutOfStock, nil
	}
	return ReasonUnspecified, fmt.Errorf("unknown reject reason %q", s)
}

// EscrowType is taken from the listing's payment terms.
type EscrowType uint8

const (
	EscrowNone EscrowType = iota
	EscrowNormal
	EscrowMultisig
)

func (t EscrowType) String() string {
	switch t {
	case EscrowNone:
		return "NONE"
	case EscrowNormal:
		return "NORMAL"
	case EscrowMultisig:
		return "MULTISIG"
	}
	return fmt.Sprintf("EscrowType(%d)", uint8(t))
}

func ParseEscrowType(s string) (EscrowType, error) {
	switch s {
	case "", "NONE":
		return EscrowNone, nil
	case "NORMAL", "MAD":
		return EscrowNormal, nil
	case "MULTISIG":
		return EscrowMultisig, nil
	}
	return EscrowNone, fmt.Errorf("unknown escrow type %q", s)
}

// Hash is a content address (double SHA-256).
type Hash [32]byte

var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == ZeroHash }

// Short is for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MustHash is for tests and constants.
func MustHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Identity is a peer's hex encoded compressed secp256k1 public key.
type Identity string

func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// BidPayload carries the buyer's offer.
type BidPayload struct {
	Listing   Hash
	Seller    Identity
	Amount    decimal.Decimal
	Currency  string
	Escrow    EscrowType
	ExpiresAt time.Time // zero: no expiry
}

type RejectPayload struct {
	Reason RejectReason
}

// EscrowPayload references the custody action behind an ESCROW_* message.
type EscrowPayload struct {
	Ref    string
	Amount decimal.Decimal
}

// Message is a decoded, verified protocol message. Messages are immutable
// after decoding; identity is Hash.
type Message struct {
	Hash      Hash
	Variant   Variant
	Order     Hash // zero for BID, the order is then Hash itself
	Prev      Hash // causal pointer, zero only for BID
	Signer    Identity
	CreatedAt time.Time

	Bid    *BidPayload
	Reject *RejectPayload
	Escrow *EscrowPayload

	Signature []byte
	raw       []byte
}

// OrderID is the id of the order this message belongs to.
func (m *Message) OrderID() Hash {
	if m.Variant == VariantBid {
		return m.Hash
	}
	return m.Order
}

// Raw returns the exact wire bytes the message was decoded from or encoded to.
func (m *Message) Raw() []byte { return m.raw }

// Draft is an unsigned message under construction.
type Draft struct {
	Variant   Variant
	Order     Hash
	Prev      Hash
	CreatedAt time.Time

	Bid    *BidPayload
	Reject *RejectPayload
	Escrow *EscrowPayload
}
