package node

import (
	"context"
	"errors"
	"hash/fnv"
	"sync/atomic"

	"bidmesh.com/internal/inbound"
	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/logger"
	"go.uber.org/zap"
)

var ErrBusy = errors.New("node busy: shard mailbox full")

type ShardConfig struct {
	Count       int `mapstructure:"count"`
	MailboxSize int `mapstructure:"mailbox_size"` // 每个分片的邮箱容量
	BatchMax    int `mapstructure:"batch_max"`    // 一次最多处理多少条
}

type handler interface {
	HandleMessage(ctx context.Context, msg *protocol.Message) (inbound.Outcome, error)
}

// shard processes the deliveries of a fixed subset of orders one at a time,
// in arrival order.
type shard struct {
	id  int
	in  chan *protocol.Message
	h   handler
	cfg ShardConfig

	mailboxFull uint64
}

func newShard(id int, h handler, cfg ShardConfig) *shard {
	return &shard{id: id, in: make(chan *protocol.Message, cfg.MailboxSize), h: h, cfg: cfg}
}

func (s *shard) TryEnqueue(msg *protocol.Message) error {
	select {
	case s.in <- msg:
		return nil
	default:
		atomic.AddUint64(&s.mailboxFull, 1)
		return ErrBusy
	}
}

// Enqueue blocks until there is room or ctx ends.
func (s *shard) Enqueue(ctx context.Context, msg *protocol.Message) error {
	select {
	case s.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *shard) MailboxFull() uint64 { return atomic.LoadUint64(&s.mailboxFull) }

func (s *shard) Run(ctx context.Context) {
	batch := make([]*protocol.Message, 0, s.cfg.BatchMax)
	for {
		// 先阻塞拿 1 条，再尽量多拿几条（不阻塞）
		select {
		case <-ctx.Done():
			return
		case first := <-s.in:
			batch = append(batch[:0], first)
		}
	fill:
		for len(batch) < s.cfg.BatchMax {
			select {
			case msg := <-s.in:
				batch = append(batch, msg)
			default:
				break fill
			}
		}

		for i, msg := range batch {
			out, err := s.h.HandleMessage(ctx, msg)
			if err != nil {
				logger.Debug(ctx, "delivery not applied",
					zap.Int("shard", s.id),
					zap.String("hash", msg.Hash.Short()),
					zap.String("outcome", out.String()),
					zap.Error(err))
			}
			batch[i] = nil
		}
	}
}

// shards routes messages by order id so one order never runs on two shards.
type shards []*shard

func newShards(h handler, cfg ShardConfig) shards {
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 64
	}
	out := make(shards, cfg.Count)
	for i := range out {
		out[i] = newShard(i, h, cfg)
	}
	return out
}

func (ss shards) pick(orderID protocol.Hash) *shard {
	f := fnv.New32a()
	_, _ = f.Write(orderID[:])
	return ss[f.Sum32()%uint32(len(ss))]
}
