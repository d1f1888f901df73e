package escrow

import (
	"context"
	"errors"
	"fmt"

	"bidmesh.com/internal/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 乐观事务冲突时的重试次数
const maxTxRetries = 8

// RedisLedger is the custody ledger shared by every node pointing at the
// same redis, so a lock taken by the buyer's node can be refunded by the
// seller's.
//
//	<prefix>:acct:<order>  hash {state, ref, amount, buyer, seller}
//	<prefix>:balance       hash identity -> settled amount
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ Custody = (*RedisLedger)(nil)
	_ Auditor = (*RedisLedger)(nil)
)

func NewRedisLedger(rdb *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "custody"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix}
}

func (l *RedisLedger) accountKey(orderID protocol.Hash) string {
	return fmt.Sprintf("%s:acct:%s", l.prefix, orderID)
}

func (l *RedisLedger) balanceKey() string { return l.prefix + ":balance" }

// txn runs fn under WATCH on keys and retries when another node won the race.
func (l *RedisLedger) txn(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = l.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("custody: too much contention: %w", err)
}

func (l *RedisLedger) Lock(ctx context.Context, req Request) (Receipt, error) {
	key := l.accountKey(req.Order)
	var rc Receipt
	err := l.txn(ctx, func(tx *redis.Tx) error {
		acc, err := readAccount(ctx, tx, key)
		if err != nil {
			return err
		}
		if acc != nil {
			rc = Receipt{Ref: acc.ref, Amount: acc.amount}
			return nil
		}
		if !req.Amount.IsPositive() {
			return fmt.Errorf("custody: lock amount %s", req.Amount)
		}
		rc = Receipt{Ref: uuid.NewString(), Amount: req.Amount}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"state":  ActionLock.String(),
				"ref":    rc.Ref,
				"amount": rc.Amount.String(),
				"buyer":  string(req.Buyer),
				"seller": string(req.Seller),
			})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Receipt{}, err
	}
	return rc, nil
}

func (l *RedisLedger) Release(ctx context.Context, req Request) (Receipt, error) {
	return l.settle(ctx, ActionRelease, req.Order)
}

func (l *RedisLedger) Refund(ctx context.Context, req Request) (Receipt, error) {
	return l.settle(ctx, ActionRefund, req.Order)
}

func (l *RedisLedger) settle(ctx context.Context, a Action, orderID protocol.Hash) (Receipt, error) {
	key, bal := l.accountKey(orderID), l.balanceKey()
	var rc Receipt
	err := l.txn(ctx, func(tx *redis.Tx) error {
		acc, err := readAccount(ctx, tx, key)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrNotLocked
		}
		rc = Receipt{Ref: acc.ref, Amount: acc.amount}
		switch acc.state {
		case a:
			return nil
		case ActionLock:
		default:
			return ErrAlreadySettled
		}

		to := acc.seller
		if a == ActionRefund {
			to = acc.buyer
		}
		cur, err := tx.HGet(ctx, bal, string(to)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		total := decimal.Zero
		if cur != "" {
			if total, err = decimal.NewFromString(cur); err != nil {
				return fmt.Errorf("custody: balance of %s: %w", to.Short(), err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", a.String())
			pipe.HSet(ctx, bal, string(to), total.Add(acc.amount).String())
			return nil
		})
		return err
	}, key, bal)
	if err != nil {
		return Receipt{}, err
	}
	return rc, nil
}

func readAccount(ctx context.Context, tx *redis.Tx, key string) (*account, error) {
	m, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	state, err := parseAction(m["state"])
	if err != nil {
		return nil, fmt.Errorf("custody: %s: %w", key, err)
	}
	amount, err := decimal.NewFromString(m["amount"])
	if err != nil {
		return nil, fmt.Errorf("custody: %s amount: %w", key, err)
	}
	return &account{
		state:  state,
		ref:    m["ref"],
		amount: amount,
		buyer:  protocol.Identity(m["buyer"]),
		seller: protocol.Identity(m["seller"]),
	}, nil
}

// Held returns the amount still locked for orderID.
func (l *RedisLedger) Held(ctx context.Context, orderID protocol.Hash) (decimal.Decimal, bool) {
	m, err := l.rdb.HMGet(ctx, l.accountKey(orderID), "state", "amount").Result()
	if err != nil || len(m) != 2 {
		return decimal.Zero, false
	}
	state, _ := m[0].(string)
	amount, _ := m[1].(string)
	if state != ActionLock.String() {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Balance is what id has been credited by settled orders.
func (l *RedisLedger) Balance(ctx context.Context, id protocol.Identity) (decimal.Decimal, error) {
	s, err := l.rdb.HGet(ctx, l.balanceKey(), string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
