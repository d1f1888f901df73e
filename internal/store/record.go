package store

import (
	"fmt"
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// orderRecord is the journal encoding of an order snapshot.
type orderRecord struct {
	ID       string   `json:"id"`
	Listing  string   `json:"listing"`
	Buyer    string   `json:"buyer"`
	Seller   string   `json:"seller"`
	Status   string   `json:"status"`
	History  []string `json:"history"`
	Amount   string   `json:"amount"`
	Currency string   `json:"currency"`
	Reject   string   `json:"reject,omitempty"`

	EscrowType    string `json:"escrow_type"`
	EscrowStatus  uint8  `json:"escrow_status"`
	EscrowLock    string `json:"escrow_lock,omitempty"`
	EscrowRelease string `json:"escrow_release,omitempty"`
	EscrowRefund  string `json:"escrow_refund,omitempty"`
	CustodyRef    string `json:"custody_ref,omitempty"`
	EscrowAmount  string `json:"escrow_amount,omitempty"`

	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Expires int64 `json:"expires,omitempty"`
}

func hashOrEmpty(h protocol.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func parseOptionalHash(s string) (protocol.Hash, error) {
	if s == "" {
		return protocol.ZeroHash, nil
	}
	return protocol.ParseHash(s)
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeRecord(o *order.Order) ([]byte, error) {
	r := orderRecord{
		ID:            o.ID.String(),
		Listing:       o.Listing.String(),
		Buyer:         string(o.Buyer),
		Seller:        string(o.Seller),
		Status:        o.Status.String(),
		History:       make([]string, len(o.History)),
		Amount:        o.Amount.String(),
		Currency:      o.Currency,
		EscrowType:    o.Escrow.Type.String(),
		EscrowStatus:  uint8(o.Escrow.Status),
		EscrowLock:    hashOrEmpty(o.Escrow.LockMsg),
		EscrowRelease: hashOrEmpty(o.Escrow.ReleaseMsg),
		EscrowRefund:  hashOrEmpty(o.Escrow.RefundMsg),
		CustodyRef:    o.Escrow.CustodyRef,
		Created:       unixNanoOrZero(o.CreatedAt),
		Updated:       unixNanoOrZero(o.UpdatedAt),
		Expires:       unixNanoOrZero(o.ExpiresAt),
	}
	if o.RejectReason != protocol.ReasonUnspecified {
		r.Reject = o.RejectReason.String()
	}
	if !o.Escrow.Amount.IsZero() {
		r.EscrowAmount = o.Escrow.Amount.String()
	}
	for i, h := range o.History {
		r.History[i] = h.String()
	}
	return json.Marshal(r)
}

func decodeRecord(b []byte) (*order.Order, error) {
	var r orderRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode order record: %w", err)
	}
	o := &order.Order{
		Buyer:     protocol.Identity(r.Buyer),
		Seller:    protocol.Identity(r.Seller),
		Currency:  r.Currency,
		CreatedAt: timeOrZero(r.Created),
		UpdatedAt: timeOrZero(r.Updated),
		ExpiresAt: timeOrZero(r.Expires),
		History:   make([]protocol.Hash, len(r.History)),
	}
	var err error
	if o.ID, err = protocol.ParseHash(r.ID); err != nil {
		return nil, err
	}
	if o.Listing, err = protocol.ParseHash(r.Listing); err != nil {
		return nil, err
	}
	if o.Status, err = order.ParseStatus(r.Status); err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(r.Amount); err != nil {
		return nil, err
	}
	if o.RejectReason, err = protocol.ParseRejectReason(r.Reject); err != nil {
		return nil, err
	}
	for i, s := range r.History {
		if o.History[i], err = protocol.ParseHash(s); err != nil {
			return nil, err
		}
	}

	e := &o.Escrow
	if e.Type, err = protocol.ParseEscrowType(r.EscrowType); err != nil {
		return nil, err
	}
	e.Status = order.EscrowStatus(r.EscrowStatus)
	if e.LockMsg, err = parseOptionalHash(r.EscrowLock); err != nil {
		return nil, err
	}
	if e.ReleaseMsg, err = parseOptionalHash(r.EscrowRelease); err != nil {
		return nil, err
	}
	if e.RefundMsg, err = parseOptionalHash(r.EscrowRefund); err != nil {
		return nil, err
	}
	e.CustodyRef = r.CustodyRef
	if r.EscrowAmount != "" {
		if e.Amount, err = decimal.NewFromString(r.EscrowAmount); err != nil {
			return nil, err
		}
	}
	return o, nil
}
