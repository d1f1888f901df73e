package escrow

import (
	"context"
	"errors"
	"testing"

	"bidmesh.com/internal/negotiation"
	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/store"
	"bidmesh.com/pkg/xerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  protocol.Identity = "B"
	seller protocol.Identity = "S"
)

var oid = protocol.Hash{0x0a}

type fakeSubmitter struct {
	calls []protocol.Variant
	refs  []string
}

func (f *fakeSubmitter) SubmitEscrow(_ context.Context, id protocol.Hash, v protocol.Variant, p *protocol.EscrowPayload) (*protocol.Message, error) {
	f.calls = append(f.calls, v)
	f.refs = append(f.refs, p.Ref)
	return &protocol.Message{Variant: v, Order: id, Escrow: p}, nil
}

func seed(t *testing.T, st order.Status, et protocol.EscrowType) store.Store {
	t.Helper()
	s := store.NewMemStore()
	require.NoError(t, s.Create(context.Background(), &order.Order{
		ID:       oid,
		Listing:  protocol.Hash{0x11},
		Buyer:    buyer,
		Seller:   seller,
		Status:   st,
		History:  []protocol.Hash{oid},
		Escrow:   order.EscrowRecord{Type: et},
		Amount:   decimal.RequireFromString("3"),
		Currency: "PART",
	}))
	return s
}

func TestLockSubmitsAfterCustody(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	sub := &fakeSubmitter{}
	h := NewHandler(buyer, seed(t, order.StatusAccepted, protocol.EscrowNormal), ledger, nil)
	h.Bind(sub)

	msg, err := h.Lock(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, protocol.VariantEscrowLock, msg.Variant)
	assert.Equal(t, []protocol.Variant{protocol.VariantEscrowLock}, sub.calls)
	held, ok := ledger.Held(ctx, oid)
	assert.True(t, ok)
	assert.True(t, held.Equal(decimal.RequireFromString("3")))
}

func TestCustodyFailureLeavesOrderAlone(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	down := errors.New("custody offline")
	ledger.Fail = func(Action, protocol.Hash) error { return down }
	sub := &fakeSubmitter{}
	h := NewHandler(buyer, seed(t, order.StatusAccepted, protocol.EscrowNormal), ledger, nil)
	h.Bind(sub)

	_, err := h.Lock(ctx, oid)
	var ce *CustodyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ActionLock, ce.Action)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, xerr.CustodyFailure, xerr.CodeOf(err))
	assert.Empty(t, sub.calls, "nothing submitted on custody failure")

	// 恢复后重试成功
	ledger.Fail = nil
	_, err = h.Lock(ctx, oid)
	require.NoError(t, err)
	assert.Len(t, sub.calls, 1)
}

func TestHandlerPreconditions(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		self   protocol.Identity
		status order.Status
		et     protocol.EscrowType
		run    func(h *Handler) (*protocol.Message, error)
		reason string
	}{
		{"no escrow", buyer, order.StatusAccepted, protocol.EscrowNone,
			func(h *Handler) (*protocol.Message, error) { return h.Lock(ctx, oid) }, "ESCROW_NOT_REQUIRED"},
		{"lock before accept", buyer, order.StatusBidReceived, protocol.EscrowNormal,
			func(h *Handler) (*protocol.Message, error) { return h.Lock(ctx, oid) }, "INVALID_TRANSITION"},
		{"seller cannot lock", seller, order.StatusAccepted, protocol.EscrowNormal,
			func(h *Handler) (*protocol.Message, error) { return h.Lock(ctx, oid) }, "WRONG_SIGNER"},
		{"buyer cannot refund", buyer, order.StatusEscrowLocked, protocol.EscrowNormal,
			func(h *Handler) (*protocol.Message, error) { return h.Refund(ctx, oid) }, "WRONG_SIGNER"},
		{"release needs lock", buyer, order.StatusAccepted, protocol.EscrowNormal,
			func(h *Handler) (*protocol.Message, error) { return h.Release(ctx, oid) }, "INVALID_TRANSITION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			h := NewHandler(tc.self, seed(t, tc.status, tc.et), NewLedger(), nil)
			h.Bind(sub)
			_, err := tc.run(h)
			require.Error(t, err)
			assert.Equal(t, xerr.ValidationRejected, xerr.CodeOf(err))
			assert.Equal(t, tc.reason, xerr.ReasonOf(err))
			assert.Empty(t, sub.calls)
		})
	}
}

func TestLedgerIdempotentAndExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	req := Request{Order: oid, Buyer: buyer, Seller: seller, Amount: decimal.RequireFromString("2")}

	r1, err := l.Lock(ctx, req)
	require.NoError(t, err)
	r2, err := l.Lock(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, r1.Ref, r2.Ref)

	_, err = l.Release(ctx, req)
	require.NoError(t, err)
	_, err = l.Release(ctx, req)
	require.NoError(t, err)
	assert.True(t, l.Balance(seller).Equal(decimal.RequireFromString("2")), "released once")

	_, err = l.Refund(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	_, err = l.Refund(ctx, Request{Order: protocol.Hash{0xff}})
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(seller, store.NewMemStore(), NewLedger(), nil)
	o := &order.Order{ID: oid, Buyer: buyer, Seller: seller}
	h.Observe(ctx, o, negotiation.Effect{Kind: negotiation.NotifyBuyer, Order: oid})
	assert.Equal(t, order.EscrowNone, h.Observed(oid))
	h.Observe(ctx, o, negotiation.Effect{Kind: negotiation.EscrowLocked, Order: oid})
	assert.Equal(t, order.EscrowLocked, h.Observed(oid))
	h.Observe(ctx, o, negotiation.Effect{Kind: negotiation.EscrowReleased, Order: oid})
	assert.Equal(t, order.EscrowReleased, h.Observed(oid))
	assert.Equal(t, 1, h.Tracked())

	h.Forget(oid)
	assert.Zero(t, h.Tracked())
	assert.Equal(t, order.EscrowNone, h.Observed(oid))
}
