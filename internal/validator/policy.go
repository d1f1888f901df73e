package validator

import (
	"fmt"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
)

// Party names who may sign a message.
type Party uint8

const (
	PartyNone Party = iota
	PartyBuyer
	PartySeller
	PartyEither
)

func (p Party) String() string {
	switch p {
	case PartyBuyer:
		return "buyer"
	case PartySeller:
		return "seller"
	case PartyEither:
		return "either"
	}
	return "none"
}

func ParseParty(s string) (Party, error) {
	switch s {
	case "buyer":
		return PartyBuyer, nil
	case "seller":
		return PartySeller, nil
	case "either":
		return PartyEither, nil
	}
	return PartyNone, fmt.Errorf("unknown party %q", s)
}

// SignerRule overrides who signs variant, optionally only in status.
type SignerRule struct {
	Variant string `mapstructure:"variant"`
	Status  string `mapstructure:"status"`
	Party   string `mapstructure:"party"`
}

type policyKey struct {
	status  order.Status
	variant protocol.Variant
	any     bool
}

// Policy maps (status, variant) to the party allowed to sign.
type Policy struct {
	rules map[policyKey]Party
}

func anyStatus(v protocol.Variant) policyKey { return policyKey{variant: v, any: true} }

// DefaultPolicy: the seller answers bids and refunds, the buyer bids, locks
// and releases, the buyer alone may withdraw a pending bid, either party may
// cancel an accepted order before funds are locked.
func DefaultPolicy() *Policy {
	return &Policy{rules: map[policyKey]Party{
		anyStatus(protocol.VariantBid):           PartyBuyer,
		anyStatus(protocol.VariantAccept):        PartySeller,
		anyStatus(protocol.VariantReject):        PartySeller,
		anyStatus(protocol.VariantCancel):        PartyEither,
		anyStatus(protocol.VariantEscrowLock):    PartyBuyer,
		anyStatus(protocol.VariantEscrowRelease): PartyBuyer,
		anyStatus(protocol.VariantEscrowRefund):  PartySeller,
		{status: order.StatusBidReceived, variant: protocol.VariantCancel}: PartyBuyer,
	}}
}

// NewPolicy applies rules on top of DefaultPolicy.
func NewPolicy(rules []SignerRule) (*Policy, error) {
	p := DefaultPolicy()
	for _, r := range rules {
		v, err := protocol.ParseVariant(r.Variant)
		if err != nil {
			return nil, err
		}
		party, err := ParseParty(r.Party)
		if err != nil {
			return nil, err
		}
		k := anyStatus(v)
		if r.Status != "" {
			s, err := order.ParseStatus(r.Status)
			if err != nil {
				return nil, err
			}
			k = policyKey{status: s, variant: v}
		}
		p.rules[k] = party
	}
	return p, nil
}

// Expected returns the party that must sign v while the order is in s.
func (p *Policy) Expected(s order.Status, v protocol.Variant) Party {
	if party, ok := p.rules[policyKey{status: s, variant: v}]; ok {
		return party
	}
	return p.rules[anyStatus(v)]
}

// Permits reports whether signer may sign v on o.
func (p *Policy) Permits(o *order.Order, v protocol.Variant, signer protocol.Identity) bool {
	switch p.Expected(o.Status, v) {
	case PartyBuyer:
		return signer == o.Buyer
	case PartySeller:
		return signer == o.Seller
	case PartyEither:
		return signer == o.Buyer || signer == o.Seller
	}
	return false
}
