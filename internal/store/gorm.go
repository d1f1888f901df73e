package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidmesh.com/internal/order"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/metrics"
	"bidmesh.com/pkg/orm"
	"bidmesh.com/pkg/xerr"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const listPageSize = 500

var terminalStatuses = []string{
	order.StatusComplete.String(),
	order.StatusRejected.String(),
	order.StatusCancelled.String(),
	order.StatusExpired.String(),
}

// GormStore persists orders in SQL. Per-order exclusion is a row lock
// (SELECT ... FOR UPDATE) inside a transaction; the striped in-process lock
// keeps same-node writers off the database lock and covers dialects without
// row locks.
type GormStore struct {
	db    *gorm.DB
	locks stripedLock
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// Migrate creates the orders and order_messages tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&OrderRow{}, &MessageRow{}); err != nil {
		return dbErr("migrate", err)
	}
	return nil
}

func dbErr(op string, err error) error {
	return xerr.Wrap(xerr.DbError, op, fmt.Errorf("%s: %w", op, err))
}

// isDuplicateKey 识别主键/唯一索引冲突。orm.Open 打开了 TranslateError，
// 其余两种是没走翻译的连接的兜底
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const mysqlDuplicateEntry = 1062

func (s *GormStore) load(tx *gorm.DB, id protocol.Hash, forUpdate bool) (*order.Order, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row OrderRow
	if err := q.Where("id = ?", id.String()).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, dbErr("load order", err)
	}
	var msgs []MessageRow
	if err := tx.Where("order_id = ?", row.ID).Order("seq").Find(&msgs).Error; err != nil {
		return nil, dbErr("load history", err)
	}
	return fromRow(&row, msgs)
}

func (s *GormStore) Get(ctx context.Context, id protocol.Hash) (*order.Order, error) {
	return s.load(s.db.WithContext(ctx), id, false)
}

func (s *GormStore) Create(ctx context.Context, o *order.Order) error {
	unlock := s.locks.lock(o.ID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&OrderRow{}).Where("id = ?", o.ID.String()).Count(&n).Error; err != nil {
			return dbErr("check order", err)
		}
		if n > 0 {
			return ErrExists
		}
		return s.insert(tx, o, 0, true)
	})
}

// insert 写订单行，并追加 history[from:]
func (s *GormStore) insert(tx *gorm.DB, o *order.Order, from int, create bool) error {
	row := toRow(o)
	if create {
		if err := tx.Create(row).Error; err != nil {
			// 另一个进程抢先建了同一订单
			if isDuplicateKey(err) {
				return ErrExists
			}
			return dbErr("insert order", err)
		}
	} else if err := tx.Save(row).Error; err != nil {
		return dbErr("update order", err)
	}
	if from >= len(o.History) {
		return nil
	}
	msgs := make([]MessageRow, 0, len(o.History)-from)
	for i := from; i < len(o.History); i++ {
		msgs = append(msgs, MessageRow{OrderID: row.ID, Seq: i, Hash: o.History[i].String()})
	}
	if err := tx.Create(&msgs).Error; err != nil {
		if create && isDuplicateKey(err) {
			return ErrExists
		}
		return dbErr("insert history", err)
	}
	return nil
}

func (s *GormStore) ApplyAndSave(ctx context.Context, id protocol.Hash, mut Mutation) (*order.Order, error) {
	start := time.Now()
	defer func() { metrics.ApplyDuration.WithLabelValues("gorm").Observe(time.Since(start).Seconds()) }()

	unlock := s.locks.lock(id)
	defer unlock()

	var out *order.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.load(tx, id, true)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, err := mut(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			return ErrNilOrder
		}
		if next.ID != id {
			return fmt.Errorf("store: mutation changed order id %s -> %s", id.Short(), next.ID.Short())
		}
		from := 0
		if cur != nil {
			from = len(cur.History)
			// history 只能追加
			if len(next.History) < from {
				return fmt.Errorf("store: mutation truncated history of %s", id.Short())
			}
			for i := 0; i < from; i++ {
				if next.History[i] != cur.History[i] {
					return fmt.Errorf("store: mutation rewrote history of %s", id.Short())
				}
			}
		}
		if err := s.insert(tx, next, from, cur == nil); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) HasSeen(ctx context.Context, id, msg protocol.Hash) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MessageRow{}).
		Where("order_id = ? AND hash = ?", id.String(), msg.String()).
		Count(&n).Error
	if err != nil {
		return false, dbErr("has seen", err)
	}
	return n > 0, nil
}

func (s *GormStore) ListActive(ctx context.Context) ([]*order.Order, error) {
	var (
		out   []*order.Order
		after string
	)
	for {
		var rows []OrderRow
		q := s.db.WithContext(ctx).Where("status NOT IN ?", terminalStatuses)
		if err := orm.ApplyKeyset(q, "id", after, listPageSize).Find(&rows).Error; err != nil {
			return nil, dbErr("list active", err)
		}
		if len(rows) == 0 {
			return out, nil
		}

		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		var msgs []MessageRow
		if err := s.db.WithContext(ctx).Where("order_id IN ?", ids).Order("order_id, seq").Find(&msgs).Error; err != nil {
			return nil, dbErr("list history", err)
		}
		byOrder := make(map[string][]MessageRow, len(rows))
		for _, m := range msgs {
			byOrder[m.OrderID] = append(byOrder[m.OrderID], m)
		}
		for i := range rows {
			o, err := fromRow(&rows[i], byOrder[rows[i].ID])
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		if len(rows) < listPageSize {
			return out, nil
		}
		after = rows[len(rows)-1].ID
	}
}

// Close is a no-op; the *gorm.DB belongs to the caller.
func (s *GormStore) Close() error { return nil }
