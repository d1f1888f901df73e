package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/wal"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

type PublisherConfig struct {
	Poll time.Duration `mapstructure:"poll"`
	// 同一条记录最多重发几轮（每轮内部已有退避重试），之后放弃
	MaxRounds int `mapstructure:"max_rounds"`
}

// Publisher tails the outbox and hands each record to the dispatcher. The
// cursor only moves past a record once it is delivered or given up on.
type Publisher struct {
	box *Outbox
	d   *Dispatcher
	cfg PublisherConfig

	// OnGiveUp is called for records dropped after MaxRounds or a permanent error.
	OnGiveUp func(to protocol.Identity, h protocol.Hash, err error)
}

func NewPublisher(box *Outbox, d *Dispatcher, cfg PublisherConfig) *Publisher {
	if cfg.Poll <= 0 {
		cfg.Poll = 50 * time.Millisecond
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	return &Publisher{box: box, d: d, cfg: cfg}
}

// Run publishes until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	off := loadCursor(p.box.cursor)
	// cursor 可能大于文件大小（比如修复/截断过），需要矫正
	if st, err := os.Stat(p.box.path); err == nil && off > st.Size() {
		off = st.Size()
		if err := storeCursor(p.box.cursor, off); err != nil {
			return err
		}
	}

	rounds := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		next, done, err := p.drain(ctx, off, &rounds)
		if next != off {
			off = next
			if err := storeCursor(p.box.cursor, off); err != nil {
				logger.Error(ctx, "store outbox cursor failed", zap.Error(err))
			}
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "outbox publish paused", zap.Int64("offset", off), zap.Error(err))
		}
		if done || err != nil {
			p.wait(ctx)
		}
	}
}

// drain reads from off until EOF or the first record that could not be
// delivered. Each pass opens a fresh reader so records appended after EOF
// are seen.
func (p *Publisher) drain(ctx context.Context, off int64, rounds *int) (int64, bool, error) {
	r, err := wal.OpenReader(p.box.path, off, wal.ReaderOptions{AllowTruncatedTail: true})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return off, true, nil
		}
		return off, false, err
	}
	defer r.Close()

	for {
		if ctx.Err() != nil {
			return off, false, ctx.Err()
		}
		payload, nextOff, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return off, true, nil
			}
			return off, false, err
		}

		var rec outboxRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			// 坏记录跳过，不阻塞后面的消息
			logger.Error(ctx, "outbox record undecodable", zap.Int64("offset", off), zap.Error(err))
			off = nextOff
			continue
		}
		h, _ := protocol.ParseHash(rec.Hash)

		_, err = p.d.SendRaw(ctx, rec.To, h, rec.Raw)
		if err != nil && ctx.Err() != nil {
			return off, false, ctx.Err()
		}
		if err != nil && !IsPermanent(err) {
			*rounds++
			if *rounds < p.cfg.MaxRounds {
				return off, false, err
			}
		}
		if err != nil {
			logger.Error(ctx, "outbox record dropped",
				zap.String("to", rec.To.Short()), zap.String("hash", h.Short()), zap.Error(err))
			if p.OnGiveUp != nil {
				p.OnGiveUp(rec.To, h, err)
			}
		}
		*rounds = 0
		off = nextOff
	}
}

func (p *Publisher) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.box.notify:
	case <-time.After(p.cfg.Poll):
	}
}
