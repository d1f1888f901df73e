package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// WireVersion is the only body version this codec understands.
const WireVersion = 1

// DefaultMaxMessageSize bounds raw envelopes from untrusted peers.
const DefaultMaxMessageSize = 64 << 10

// DecodeReason is a machine readable decode failure code.
type DecodeReason string

const (
	ReasonMalformed            DecodeReason = "MALFORMED"
	ReasonTooLarge             DecodeReason = "TOO_LARGE"
	ReasonUnsupportedVersion   DecodeReason = "UNSUPPORTED_VERSION"
	ReasonUnknownVariant       DecodeReason = "UNKNOWN_VARIANT"
	ReasonBadPayload           DecodeReason = "BAD_PAYLOAD"
	ReasonBadSigner            DecodeReason = "BAD_SIGNER"
	ReasonBadSignature         DecodeReason = "BAD_SIGNATURE"
	ReasonMissingCausalPointer DecodeReason = "MISSING_CAUSAL_POINTER"
)

type DecodeError struct {
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + string(e.Reason)
	}
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason DecodeReason, format string, args ...interface{}) error {
	return &DecodeError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf returns the decode reason of err, or "" when err is not a decode failure.
func ReasonOf(err error) DecodeReason {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

type envelope struct {
	Body []byte `json:"body"`
	Sig  string `json:"sig"`
}

type wireBody struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Order   string          `json:"order,omitempty"`
	Prev    string          `json:"prev,omitempty"`
	Signer  string          `json:"signer"`
	Created int64           `json:"created"` // unix ms
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireBid struct {
	Listing  string `json:"listing"`
	Seller   string `json:"seller"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Escrow   string `json:"escrow"`
	Expires  int64  `json:"expires,omitempty"` // unix ms
}

type wireReject struct {
	Reason string `json:"reason,omitempty"`
}

type wireEscrow struct {
	Ref    string `json:"ref,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// Codec turns envelopes into verified messages and back. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	MaxMessageSize int
}

func NewCodec() *Codec { return &Codec{MaxMessageSize: DefaultMaxMessageSize} }

// Decode parses and verifies raw. Every failure is a *DecodeError.
func (c *Codec) Decode(raw []byte) (msg *Message, err error) {
	defer func() {
		// 不信任的输入绝不能打崩进程
		if r := recover(); r != nil {
			msg, err = nil, decodeErr(ReasonMalformed, "panic: %v", r)
		}
	}()

	limit := c.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	if len(raw) > limit {
		return nil, decodeErr(ReasonTooLarge, "%d bytes exceeds %d", len(raw), limit)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr(ReasonMalformed, "envelope: %v", err)
	}
	if len(env.Body) == 0 {
		return nil, decodeErr(ReasonMalformed, "empty body")
	}
	var body wireBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, decodeErr(ReasonMalformed, "body: %v", err)
	}
	if body.V != WireVersion {
		return nil, decodeErr(ReasonUnsupportedVersion, "version %d", body.V)
	}
	variant, err := ParseVariant(body.Type)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonUnknownVariant, Err: err}
	}

	pub, err := parseIdentity(body.Signer)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonBadSigner, Err: err}
	}

	msg = &Message{
		Hash:      Hash(chainhash.DoubleHashH(env.Body)),
		Variant:   variant,
		Signer:    identityOf(pub),
		CreatedAt: time.UnixMilli(body.Created).UTC(),
		raw:       append([]byte(nil), raw...),
	}

	if variant == VariantBid {
		if body.Order != "" || body.Prev != "" {
			return nil, decodeErr(ReasonMalformed, "bid must not carry order or prev")
		}
	} else {
		if body.Order == "" || body.Prev == "" {
			return nil, decodeErr(ReasonMissingCausalPointer, "%s without order/prev", variant)
		}
		if msg.Order, err = ParseHash(body.Order); err != nil {
			return nil, &DecodeError{Reason: ReasonMalformed, Err: err}
		}
		if msg.Prev, err = ParseHash(body.Prev); err != nil {
			return nil, &DecodeError{Reason: ReasonMalformed, Err: err}
		}
	}

	if err := decodePayload(msg, body.Payload); err != nil {
		return nil, &DecodeError{Reason: ReasonBadPayload, Err: err}
	}

	sig, err := hex.DecodeString(env.Sig)
	if err != nil {
		return nil, decodeErr(ReasonBadSignature, "sig hex: %v", err)
	}
	msg.Signature = sig
	if !verifyHash(msg.Hash, sig, pub) {
		return nil, decodeErr(ReasonBadSignature, "signature does not match signer %s", msg.Signer.Short())
	}
	return msg, nil
}

// Verify reports whether msg carries a valid signature by expected.
func Verify(msg *Message, expected Identity) bool {
	if msg == nil {
		return false
	}
	pub, err := parseIdentity(string(expected))
	if err != nil || msg.Signer != identityOf(pub) {
		return false
	}
	return verifyHash(msg.Hash, msg.Signature, pub)
}

// Encode serializes d, signs it with s and returns the resulting message.
func (c *Codec) Encode(d Draft, s Signer) (*Message, error) {
	if s == nil {
		return nil, errors.New("encode: nil signer")
	}
	if d.Variant == VariantUnknown {
		return nil, errors.New("encode: unknown variant")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.Variant == VariantReject && d.Reject == nil {
		d.Reject = &RejectPayload{}
	}

	payload, err := encodePayload(d)
	if err != nil {
		return nil, err
	}
	body := wireBody{
		V:       WireVersion,
		Type:    d.Variant.String(),
		Signer:  string(s.Identity()),
		Created: d.CreatedAt.UnixMilli(),
		Payload: payload,
	}
	if d.Variant != VariantBid {
		if d.Order.IsZero() || d.Prev.IsZero() {
			return nil, fmt.Errorf("encode %s: order and prev are required", d.Variant)
		}
		body.Order = d.Order.String()
		body.Prev = d.Prev.String()
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	h := Hash(chainhash.DoubleHashH(bodyBytes))
	sig, err := s.Sign(h)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	raw, err := json.Marshal(envelope{Body: bodyBytes, Sig: hex.EncodeToString(sig)})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	msg := &Message{
		Hash:      h,
		Variant:   d.Variant,
		Signer:    s.Identity(),
		CreatedAt: time.UnixMilli(body.Created).UTC(),
		Bid:       d.Bid,
		Reject:    d.Reject,
		Escrow:    d.Escrow,
		Signature: sig,
		raw:       raw,
	}
	if d.Variant != VariantBid {
		msg.Order, msg.Prev = d.Order, d.Prev
	}
	return msg, nil
}

func decodePayload(msg *Message, raw json.RawMessage) error {
	switch msg.Variant {
	case VariantBid:
		if len(raw) == 0 {
			return errors.New("bid without payload")
		}
		var w wireBid
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		listing, err := ParseHash(w.Listing)
		if err != nil {
			return fmt.Errorf("listing: %w", err)
		}
		sellerPub, err := parseIdentity(w.Seller)
		if err != nil {
			return fmt.Errorf("seller: %w", err)
		}
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("amount must be positive, got %s", amount)
		}
		et, err := ParseEscrowType(w.Escrow)
		if err != nil {
			return err
		}
		bid := &BidPayload{
			Listing:  listing,
			Seller:   identityOf(sellerPub),
			Amount:   amount,
			Currency: w.Currency,
			Escrow:   et,
		}
		if w.Expires > 0 {
			bid.ExpiresAt = time.UnixMilli(w.Expires).UTC()
		}
		msg.Bid = bid
	case VariantReject:
		var w wireReject
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
		}
		reason, err := ParseRejectReason(w.Reason)
		if err != nil {
			return err
		}
		msg.Reject = &RejectPayload{Reason: reason}
	case VariantEscrowLock, VariantEscrowRefund, VariantEscrowRelease, VariantEscrowComplete:
		if len(raw) == 0 {
			return nil
		}
		var w wireEscrow
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		ep := &EscrowPayload{Ref: w.Ref}
		if w.Amount != "" {
			amt, err := decimal.NewFromString(w.Amount)
			if err != nil {
				return fmt.Errorf("escrow amount: %w", err)
			}
			ep.Amount = amt
		}
		msg.Escrow = ep
	default:
		if len(raw) > 0 && string(raw) != "null" && string(raw) != "{}" {
			return fmt.Errorf("%s carries no payload", msg.Variant)
		}
	}
	return nil
}

func encodePayload(d Draft) (json.RawMessage, error) {
	var v interface{}
	switch d.Variant {
	case VariantBid:
		if d.Bid == nil {
			return nil, errors.New("encode bid: missing payload")
		}
		w := wireBid{
			Listing:  d.Bid.Listing.String(),
			Seller:   string(d.Bid.Seller),
			Amount:   d.Bid.Amount.String(),
			Currency: d.Bid.Currency,
			Escrow:   d.Bid.Escrow.String(),
		}
		if !d.Bid.ExpiresAt.IsZero() {
			w.Expires = d.Bid.ExpiresAt.UnixMilli()
		}
		v = w
	case VariantReject:
		if d.Reject == nil || d.Reject.Reason == ReasonUnspecified {
			return nil, nil
		}
		v = wireReject{Reason: d.Reject.Reason.String()}
	case VariantEscrowLock, VariantEscrowRefund, VariantEscrowRelease, VariantEscrowComplete:
		if d.Escrow == nil {
			return nil, nil
		}
		w := wireEscrow{Ref: d.Escrow.Ref}
		if !d.Escrow.Amount.IsZero() {
			w.Amount = d.Escrow.Amount.String()
		}
		v = w
	default:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func parseIdentity(s string) (*btcec.PublicKey, error) {
	if s == "" {
		return nil, errors.New("empty identity")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity hex: %w", err)
	}
	if len(b) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("identity must be a compressed key, got %d bytes", len(b))
	}
	return btcec.ParsePubKey(b)
}

// identityOf is the canonical (lower case hex, compressed) form of a key.
// Identities are compared as strings, so every decoded identity goes through it.
func identityOf(pub *btcec.PublicKey) Identity {
	return Identity(hex.EncodeToString(pub.SerializeCompressed()))
}

func verifyHash(h Hash, sig []byte, pub *btcec.PublicKey) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(h[:], pub)
}
