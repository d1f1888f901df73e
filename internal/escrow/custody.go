package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/xerr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Action uint8

const (
	ActionLock Action = iota
	ActionRelease
	ActionRefund
)

func (a Action) String() string {
	switch a {
	case ActionLock:
		return "lock"
	case ActionRelease:
		return "release"
	case ActionRefund:
		return "refund"
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

func parseAction(s string) (Action, error) {
	switch s {
	case "lock":
		return ActionLock, nil
	case "release":
		return ActionRelease, nil
	case "refund":
		return ActionRefund, nil
	}
	return 0, fmt.Errorf("unknown custody action %q", s)
}

// Variant is the message that records a successful custody action.
func (a Action) Variant() protocol.Variant {
	switch a {
	case ActionLock:
		return protocol.VariantEscrowLock
	case ActionRelease:
		return protocol.VariantEscrowRelease
	case ActionRefund:
		return protocol.VariantEscrowRefund
	}
	return protocol.VariantUnknown
}

// Request is keyed by Order; custody treats repeats as the same request.
type Request struct {
	Order    protocol.Hash
	Buyer    protocol.Identity
	Seller   protocol.Identity
	Amount   decimal.Decimal
	Currency string
}

type Receipt struct {
	Ref    string
	Amount decimal.Decimal
}

// Custody moves funds. Implementations must be idempotent per order.
type Custody interface {
	Lock(ctx context.Context, req Request) (Receipt, error)
	Release(ctx context.Context, req Request) (Receipt, error)
	Refund(ctx context.Context, req Request) (Receipt, error)
}

// Auditor is optionally implemented by custody backends that can report
// what they hold for an order.
type Auditor interface {
	Held(ctx context.Context, orderID protocol.Hash) (decimal.Decimal, bool)
}

var (
	ErrNotLocked      = errors.New("custody: funds not locked")
	ErrAlreadySettled = errors.New("custody: already settled the other way")
)

var custodyCode = xerr.NewErrCode(xerr.CustodyFailure)

// CustodyError is a recoverable custody failure; the order is left untouched
// and the action may be retried.
type CustodyError struct {
	Action Action
	Order  protocol.Hash
	Err    error
}

func (e *CustodyError) Error() string {
	return fmt.Sprintf("custody %s %s: %v", e.Action, e.Order.Short(), e.Err)
}

func (e *CustodyError) Unwrap() []error { return []error{e.Err, custodyCode} }

type account struct {
	state  Action
	ref    string
	amount decimal.Decimal
	buyer  protocol.Identity
	seller protocol.Identity
}

// Ledger is an in-memory custody service. Settled funds are credited to the
// seller on release and to the buyer on refund.
type Ledger struct {
	mu       sync.Mutex
	accounts map[protocol.Hash]*account
	balances map[protocol.Identity]decimal.Decimal

	// Fail injects failures, checked before every action.
	Fail func(a Action, orderID protocol.Hash) error
}

var (
	_ Custody = (*Ledger)(nil)
	_ Auditor = (*Ledger)(nil)
)

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[protocol.Hash]*account),
		balances: make(map[protocol.Identity]decimal.Decimal),
	}
}

func (l *Ledger) Lock(_ context.Context, req Request) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ActionLock, req.Order); err != nil {
		return Receipt{}, err
	}
	if acc, ok := l.accounts[req.Order]; ok {
		return Receipt{Ref: acc.ref, Amount: acc.amount}, nil
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("custody: lock amount %s", req.Amount)
	}
	acc := &account{
		state:  ActionLock,
		ref:    uuid.NewString(),
		amount: req.Amount,
		buyer:  req.Buyer,
		seller: req.Seller,
	}
	l.accounts[req.Order] = acc
	return Receipt{Ref: acc.ref, Amount: acc.amount}, nil
}

func (l *Ledger) Release(_ context.Context, req Request) (Receipt, error) {
	return l.settle(ActionRelease, req.Order)
}

func (l *Ledger) Refund(_ context.Context, req Request) (Receipt, error) {
	return l.settle(ActionRefund, req.Order)
}

func (l *Ledger) settle(a Action, orderID protocol.Hash) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(a, orderID); err != nil {
		return Receipt{}, err
	}
	acc, ok := l.accounts[orderID]
	if !ok {
		return Receipt{}, ErrNotLocked
	}
	switch acc.state {
	case a:
		return Receipt{Ref: acc.ref, Amount: acc.amount}, nil
	case ActionLock:
	default:
		return Receipt{}, ErrAlreadySettled
	}

	to := acc.seller
	if a == ActionRefund {
		to = acc.buyer
	}
	acc.state = a
	l.balances[to] = l.balances[to].Add(acc.amount)
	return Receipt{Ref: acc.ref, Amount: acc.amount}, nil
}

func (l *Ledger) fail(a Action, orderID protocol.Hash) error {
	if l.Fail == nil {
		return nil
	}
	return l.Fail(a, orderID)
}

// Held returns the amount still locked for orderID.
func (l *Ledger) Held(_ context.Context, orderID protocol.Hash) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[orderID]
	if !ok || acc.state != ActionLock {
		return decimal.Zero, false
	}
	return acc.amount, true
}

func (l *Ledger) Balance(id protocol.Identity) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}
