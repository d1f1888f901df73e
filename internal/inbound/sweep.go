package inbound

import (
	"context"
	"time"

	"bidmesh.com/internal/protocol"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/metrics"
	"go.uber.org/zap"
)

type SweepStats struct {
	Discarded int
	Expired   int
}

// Sweep discards buffered messages past the retention window and ends
// unanswered bids that ran out. Expiry is a signed message like any other:
// the seller sends REJECT, the buyer sends CANCEL, both stamped with now, and
// the state machine turns either into EXPIRED. Orders this node is not a
// party to are left alone.
func (p *Processor) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var st SweepStats
	for _, m := range p.buf.expire(now, p.cfg.Retention) {
		st.Discarded++
		logger.Info(logger.WithOrder(ctx, m.OrderID().String()), "buffered message discarded",
			zap.String("variant", m.Variant.String()),
			zap.String("hash", m.Hash.Short()),
			zap.String("prev", m.Prev.Short()),
		)
	}

	active, err := p.store.ListActive(ctx)
	if err != nil {
		return st, err
	}
	for _, o := range active {
		if !o.Expired(now) {
			continue
		}
		var v protocol.Variant
		switch p.self {
		case o.Seller:
			v = protocol.VariantReject
		case o.Buyer:
			v = protocol.VariantCancel
		default:
			continue
		}
		octx := logger.WithOrder(ctx, o.ID.String())
		msg, err := p.submitAction(octx, Action{Order: o.ID, Variant: v}, now)
		if err != nil {
			// 对端抢先 ACCEPT 等情况下这里会被拒，属正常
			logger.Info(octx, "expire order skipped", zap.String("variant", v.String()), zap.Error(err))
			continue
		}
		st.Expired++
		metrics.OrdersExpiredTotal.Inc()
		logger.Info(octx, "order expired",
			zap.Time("expires_at", o.ExpiresAt),
			zap.String("hash", msg.Hash.Short()),
		)
	}
	return st, nil
}
