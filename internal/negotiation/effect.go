package negotiation

import (
	"fmt"

	"bidmesh.com/internal/protocol"
)

type EffectKind uint8

const (
	// BeginEscrowLock asks the buyer side to lock funds.
	BeginEscrowLock EffectKind = iota + 1
	ReadyToShip
	NotifyBuyer
	NotifyCounterparty
	ReleaseListing
	EscrowLocked
	EscrowReleased
	EscrowRefunded
)

func (k EffectKind) String() string {
	switch k {
	case BeginEscrowLock:
		return "BeginEscrowLock"
	case ReadyToShip:
		return "ReadyToShip"
	case NotifyBuyer:
		return "NotifyBuyer"
	case NotifyCounterparty:
		return "NotifyCounterparty"
	case ReleaseListing:
		return "ReleaseListing"
	case EscrowLocked:
		return "EscrowLocked"
	case EscrowReleased:
		return "EscrowReleased"
	case EscrowRefunded:
		return "EscrowRefunded"
	}
	return fmt.Sprintf("EffectKind(%d)", uint8(k))
}

// Effect is work the surrounding node must perform after the new state is
// committed.
type Effect struct {
	Kind    EffectKind
	Order   protocol.Hash
	Listing protocol.Hash
	// Target is who the effect concerns (notified party); empty when n/a.
	Target protocol.Identity
	// Cause is the message (zero for time driven transitions) that produced it.
	Cause protocol.Hash
}

func (e Effect) String() string {
	if e.Target == "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Order.Short())
	}
	return fmt.Sprintf("%s(%s -> %s)", e.Kind, e.Order.Short(), e.Target.Short())
}

// Kinds is a test and logging helper.
func Kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}
