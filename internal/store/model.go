package store

import (
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"github.com/shopspring/decimal"
)

type OrderRow struct {
	ID           string          `gorm:"column:id;primaryKey;type:char(64)"`
	Listing      string          `gorm:"column:listing;type:char(64);not null"`
	Buyer        string          `gorm:"column:buyer;type:varchar(66);not null;index"`
	Seller       string          `gorm:"column:seller;type:varchar(66);not null;index"`
	Status       string          `gorm:"column:status;type:varchar(16);not null;index"`
	Amount       decimal.Decimal `gorm:"column:amount;type:varchar(64);not null"`
	Currency     string          `gorm:"column:currency;type:varchar(16)"`
	RejectReason string          `gorm:"column:reject_reason;type:varchar(32)"`

	EscrowType    string          `gorm:"column:escrow_type;type:varchar(16)"`
	EscrowStatus  uint8           `gorm:"column:escrow_status;not null"`
	EscrowLock    string          `gorm:"column:escrow_lock;type:varchar(64)"`
	EscrowRelease string          `gorm:"column:escrow_release;type:varchar(64)"`
	EscrowRefund  string          `gorm:"column:escrow_refund;type:varchar(64)"`
	CustodyRef    string          `gorm:"column:custody_ref;type:varchar(128)"`
	EscrowAmount  decimal.Decimal `gorm:"column:escrow_amount;type:varchar(64)"`

	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	// 历史长度，用于只追加新消息
	HistoryLen int `gorm:"column:history_len;not null"`
}

func (OrderRow) TableName() string { return "orders" }

// MessageRow is one applied message of an order's history.
type MessageRow struct {
	ID      uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID string `gorm:"column:order_id;type:char(64);not null;uniqueIndex:uk_order_seq,priority:1;uniqueIndex:uk_order_hash,priority:1"`
	Seq     int    `gorm:"column:seq;not null;uniqueIndex:uk_order_seq,priority:2"`
	Hash    string `gorm:"column:hash;type:char(64);not null;uniqueIndex:uk_order_hash,priority:2"`
}

func (MessageRow) TableName() string { return "order_messages" }

func toRow(o *order.Order) *OrderRow {
	r := &OrderRow{
		ID:            o.ID.String(),
		Listing:       o.Listing.String(),
		Buyer:         string(o.Buyer),
		Seller:        string(o.Seller),
		Status:        o.Status.String(),
		Amount:        o.Amount,
		Currency:      o.Currency,
		EscrowType:    o.Escrow.Type.String(),
		EscrowStatus:  uint8(o.Escrow.Status),
		EscrowLock:    hashOrEmpty(o.Escrow.LockMsg),
		EscrowRelease: hashOrEmpty(o.Escrow.ReleaseMsg),
		EscrowRefund:  hashOrEmpty(o.Escrow.RefundMsg),
		CustodyRef:    o.Escrow.CustodyRef,
		EscrowAmount:  o.Escrow.Amount,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		HistoryLen:    len(o.History),
	}
	if o.RejectReason != protocol.ReasonUnspecified {
		r.RejectReason = o.RejectReason.String()
	}
	if !o.ExpiresAt.IsZero() {
		t := o.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

func fromRow(r *OrderRow, msgs []MessageRow) (*order.Order, error) {
	o := &order.Order{
		Buyer:     protocol.Identity(r.Buyer),
		Seller:    protocol.Identity(r.Seller),
		Amount:    r.Amount,
		Currency:  r.Currency,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		History:   make([]protocol.Hash, 0, len(msgs)),
	}
	if r.ExpiresAt != nil {
		o.ExpiresAt = *r.ExpiresAt
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
	if o.RejectReason, err = protocol.ParseRejectReason(r.RejectReason); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		h, err := protocol.ParseHash(m.Hash)
		if err != nil {
			return nil, err
		}
		o.History = append(o.History, h)
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
	e.Amount = r.EscrowAmount
	return o, nil
}
