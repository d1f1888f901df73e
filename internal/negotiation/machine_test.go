package negotiation

import (
	"testing"
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	buyer  protocol.Identity = "B"
	seller protocol.Identity = "S"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

type chain struct {
	n    byte
	last protocol.Hash
	bid  protocol.Hash
}

func (c *chain) next() protocol.Hash {
	c.n++
	return protocol.Hash{0xc0, c.n}
}

func (c *chain) bidMsg(et protocol.EscrowType) *protocol.Message {
	h := c.next()
	c.bid, c.last = h, h
	return &protocol.Message{
		Hash:      h,
		Variant:   protocol.VariantBid,
		Signer:    buyer,
		CreatedAt: t0,
		Bid: &protocol.BidPayload{
			Listing:  protocol.Hash{0x11},
			Seller:   seller,
			Amount:   decimal.RequireFromString("4.2"),
			Currency: "PART",
			Escrow:   et,
		},
	}
}

func (c *chain) msg(v protocol.Variant, signer protocol.Identity) *protocol.Message {
	h := c.next()
	m := &protocol.Message{
		Hash:      h,
		Variant:   v,
		Order:     c.bid,
		Prev:      c.last,
		Signer:    signer,
		CreatedAt: t0.Add(time.Duration(c.n) * time.Minute),
	}
	if v == protocol.VariantReject {
		m.Reject = &protocol.RejectPayload{Reason: protocol.ReasonOutOfStock}
	}
	c.last = h
	return m
}

func mustApply(t *testing.T, o *order.Order, m *protocol.Message) (*order.Order, []Effect) {
	t.Helper()
	next, effects, err := Apply(o, m)
	require.NoError(t, err)
	return next, effects
}

func TestHappyEscrowPath(t *testing.T) {
	c := &chain{}
	bid := c.bidMsg(protocol.EscrowNormal)

	o, effects := mustApply(t, nil, bid)
	assert.Equal(t, order.StatusBidReceived, o.Status)
	assert.Equal(t, bid.Hash, o.ID)
	assert.Equal(t, buyer, o.Buyer)
	assert.Equal(t, seller, o.Seller)
	assert.Empty(t, effects)

	o, effects = mustApply(t, o, c.msg(protocol.VariantAccept, seller))
	assert.Equal(t, order.StatusAccepted, o.Status)
	assert.Equal(t, []EffectKind{BeginEscrowLock}, Kinds(effects))
	assert.Equal(t, buyer, effects[0].Target)

	lock := c.msg(protocol.VariantEscrowLock, buyer)
	lock.Escrow = &protocol.EscrowPayload{Ref: "lock-ref"}
	o, effects = mustApply(t, o, lock)
	assert.Equal(t, order.StatusEscrowLocked, o.Status)
	assert.Equal(t, order.EscrowLocked, o.Escrow.Status)
	assert.Equal(t, lock.Hash, o.Escrow.LockMsg)
	assert.Equal(t, "lock-ref", o.Escrow.CustodyRef)
	assert.True(t, o.Escrow.Amount.Equal(decimal.RequireFromString("4.2")), "lock defaults to bid amount")
	assert.Equal(t, []EffectKind{EscrowLocked}, Kinds(effects))

	rel := c.msg(protocol.VariantEscrowRelease, buyer)
	o, effects = mustApply(t, o, rel)
	assert.Equal(t, order.StatusComplete, o.Status)
	assert.Equal(t, order.EscrowReleased, o.Escrow.Status)
	assert.Equal(t, rel.Hash, o.Escrow.ReleaseMsg)
	assert.Equal(t, []EffectKind{EscrowReleased}, Kinds(effects))
	assert.Len(t, o.History, 4)

	// 重投原始 BID：无变化、无副作用
	again, effects := mustApply(t, o, bid)
	assert.Equal(t, o, again)
	assert.Empty(t, effects)
}

func TestRejectThenAccept(t *testing.T) {
	c := &chain{}
	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowNormal))
	o, effects := mustApply(t, o, c.msg(protocol.VariantReject, seller))
	assert.Equal(t, order.StatusRejected, o.Status)
	assert.Equal(t, protocol.ReasonOutOfStock, o.RejectReason)
	assert.Equal(t, []EffectKind{NotifyBuyer, ReleaseListing}, Kinds(effects))

	_, _, err := Apply(o, c.msg(protocol.VariantAccept, seller))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestAcceptWithoutEscrow(t *testing.T) {
	c := &chain{}
	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowNone))
	o, effects := mustApply(t, o, c.msg(protocol.VariantAccept, seller))
	assert.Equal(t, order.StatusAccepted, o.Status)
	assert.Equal(t, []EffectKind{ReadyToShip}, Kinds(effects))
}

func TestCancelNotifiesCounterparty(t *testing.T) {
	c := &chain{}
	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowNormal))
	o, _ = mustApply(t, o, c.msg(protocol.VariantAccept, seller))
	o, effects := mustApply(t, o, c.msg(protocol.VariantCancel, seller))
	assert.Equal(t, order.StatusCancelled, o.Status)
	require.Len(t, effects, 2)
	assert.Equal(t, NotifyCounterparty, effects[0].Kind)
	assert.Equal(t, buyer, effects[0].Target)
	assert.Equal(t, ReleaseListing, effects[1].Kind)
}

func TestRefund(t *testing.T) {
	c := &chain{}
	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowMultisig))
	o, _ = mustApply(t, o, c.msg(protocol.VariantAccept, seller))
	o, _ = mustApply(t, o, c.msg(protocol.VariantEscrowLock, buyer))
	o, effects := mustApply(t, o, c.msg(protocol.VariantEscrowRefund, seller))
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, order.EscrowRefunded, o.Escrow.Status)
	assert.Equal(t, []EffectKind{EscrowRefunded, ReleaseListing}, Kinds(effects))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	c := &chain{}
	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowNormal))
	before := o.Clone()
	_, _ = mustApply(t, o, c.msg(protocol.VariantAccept, seller))
	assert.Equal(t, before, o)
}

func TestApplyErrors(t *testing.T) {
	c := &chain{}
	_, _, err := Apply(nil, c.msg(protocol.VariantAccept, seller))
	assert.ErrorIs(t, err, ErrIllegalTransition)

	o, _ := mustApply(t, nil, c.bidMsg(protocol.EscrowNormal))
	o.Status = order.StatusAccepted
	o.Escrow.Status = order.EscrowReleased
	_, _, err = Apply(o, c.msg(protocol.VariantEscrowLock, buyer))
	assert.ErrorIs(t, err, ErrEscrowRegression)
}

func TestLapsedBidExpiresOnSignedMessage(t *testing.T) {
	for _, tt := range []struct {
		variant protocol.Variant
		signer  protocol.Identity
		notify  protocol.Identity
	}{
		{protocol.VariantReject, seller, buyer},
		{protocol.VariantCancel, buyer, seller},
	} {
		t.Run(tt.variant.String(), func(t *testing.T) {
			c := &chain{}
			bid := c.bidMsg(protocol.EscrowNormal)
			bid.Bid.ExpiresAt = t0.Add(time.Hour)
			o, _ := mustApply(t, nil, bid)

			// 未过期时照常 REJECTED/CANCELLED
			early, _ := mustApply(t, o, c.msg(tt.variant, tt.signer))
			assert.NotEqual(t, order.StatusExpired, early.Status)

			c.last = bid.Hash
			m := c.msg(tt.variant, tt.signer)
			m.CreatedAt = t0.Add(2 * time.Hour)
			next, effects := mustApply(t, o, m)
			assert.Equal(t, order.StatusExpired, next.Status)
			assert.Equal(t, m.Hash, next.LastHash(), "expiry is on the chain")
			assert.Equal(t, []EffectKind{NotifyCounterparty, ReleaseListing}, Kinds(effects))
			assert.Equal(t, tt.notify, effects[0].Target)
		})
	}
}

func TestAcceptedOrderNeverExpires(t *testing.T) {
	c := &chain{}
	bid := c.bidMsg(protocol.EscrowNormal)
	bid.Bid.ExpiresAt = t0.Add(time.Hour)
	o, _ := mustApply(t, nil, bid)
	o, _ = mustApply(t, o, c.msg(protocol.VariantAccept, seller))

	m := c.msg(protocol.VariantCancel, seller)
	m.CreatedAt = t0.Add(2 * time.Hour)
	o, _ = mustApply(t, o, m)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

// genSequence 随机走一条合法路径
func genSequence(t *rapid.T) []*protocol.Message {
	policy := validator.DefaultPolicy()
	c := &chain{}
	ets := []protocol.EscrowType{protocol.EscrowNone, protocol.EscrowNormal, protocol.EscrowMultisig}
	et := ets[rapid.IntRange(0, 2).Draw(t, "escrow").(int)]
	bid := c.bidMsg(et)
	seq := []*protocol.Message{bid}

	o, _, err := Apply(nil, bid)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	for !o.Status.IsTerminal() {
		var options []protocol.Variant
		for _, v := range protocol.Variants {
			if !order.Allowed(o.Status, v) || (v.IsEscrow() && et == protocol.EscrowNone) {
				continue
			}
			options = append(options, v)
		}
		if len(options) == 0 || rapid.IntRange(0, 9).Draw(t, "stop").(int) == 0 {
			break
		}
		v := options[rapid.IntRange(0, len(options)-1).Draw(t, "variant").(int)]
		var signer protocol.Identity
		switch policy.Expected(o.Status, v) {
		case validator.PartyBuyer:
			signer = buyer
		case validator.PartySeller:
			signer = seller
		default:
			signer = []protocol.Identity{buyer, seller}[rapid.IntRange(0, 1).Draw(t, "either").(int)]
		}
		m := c.msg(v, signer)
		if res := validator.New(nil, policy).Check(o, m); res.Verdict != validator.Accepted {
			t.Fatalf("generated invalid message: %s", res)
		}
		if o, _, err = Apply(o, m); err != nil {
			t.Fatalf("apply %s: %v", v, err)
		}
		seq = append(seq, m)
	}
	return seq
}

func run(seq []*protocol.Message) (*order.Order, int, error) {
	var (
		o       *order.Order
		effects int
	)
	for _, m := range seq {
		next, eff, err := Apply(o, m)
		if err != nil {
			return nil, 0, err
		}
		o = next
		effects += len(eff)
	}
	return o, effects, nil
}

func TestDeterminismAndIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seq := genSequence(t)
		want, wantEffects, err := run(seq)
		if err != nil {
			t.Fatalf("clean run: %v", err)
		}

		// 插入重复投递
		var noisy []*protocol.Message
		for i, m := range seq {
			noisy = append(noisy, m)
			dups := rapid.IntRange(0, 2).Draw(t, "dups").(int)
			for d := 0; d < dups; d++ {
				noisy = append(noisy, seq[rapid.IntRange(0, i).Draw(t, "dup").(int)])
			}
		}
		got, gotEffects, err := run(noisy)
		if err != nil {
			t.Fatalf("noisy run: %v", err)
		}
		if got.Status != want.Status || got.Escrow.Status != want.Escrow.Status ||
			got.Escrow.LockMsg != want.Escrow.LockMsg || got.Escrow.ReleaseMsg != want.Escrow.ReleaseMsg ||
			got.Escrow.RefundMsg != want.Escrow.RefundMsg {
			t.Fatalf("diverged: %s/%s vs %s/%s", got.Status, got.Escrow.Status, want.Status, want.Escrow.Status)
		}
		if gotEffects != wantEffects {
			t.Fatalf("duplicates produced effects: %d vs %d", gotEffects, wantEffects)
		}
		if len(got.History) != len(seq) {
			t.Fatalf("history %d, want %d", len(got.History), len(seq))
		}
	})
}

func TestEscrowMonotonic(t *testing.T) {
	rank := map[order.EscrowStatus]int{
		order.EscrowNone: 0, order.EscrowLocked: 1, order.EscrowReleased: 2, order.EscrowRefunded: 2,
	}
	v := validator.New(nil, nil)
	rapid.Check(t, func(t *rapid.T) {
		c := &chain{}
		o, _, err := Apply(nil, c.bidMsg(protocol.EscrowNormal))
		if err != nil {
			t.Fatal(err)
		}
		steps := rapid.IntRange(1, 12).Draw(t, "steps").(int)
		for i := 0; i < steps; i++ {
			variant := protocol.Variants[rapid.IntRange(1, len(protocol.Variants)-1).Draw(t, "variant").(int)]
			signer := []protocol.Identity{buyer, seller}[rapid.IntRange(0, 1).Draw(t, "signer").(int)]
			saved := c.last
			m := c.msg(variant, signer)
			if v.Check(o, m).Verdict != validator.Accepted {
				c.last = saved
				continue
			}
			prev := o.Escrow.Status
			if o, _, err = Apply(o, m); err != nil {
				t.Fatalf("accepted message failed: %v", err)
			}
			if rank[o.Escrow.Status] < rank[prev] {
				t.Fatalf("escrow regressed %s -> %s", prev, o.Escrow.Status)
			}
			if (prev == order.EscrowReleased || prev == order.EscrowRefunded) && o.Escrow.Status != prev {
				t.Fatalf("terminal escrow changed %s -> %s", prev, o.Escrow.Status)
			}
		}
	})
}
