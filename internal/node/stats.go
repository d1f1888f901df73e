package node

import (
	"context"
	"time"

	"bidmesh.com/pkg/metrics"
)

// observePools samples the DB and Redis connection pools into gauges.
func (n *Node) observePools(ctx context.Context, every time.Duration) {
	if n.sqlDB == nil && n.rdb == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.samplePools()
		}
	}
}

func (n *Node) samplePools() {
	if n.sqlDB != nil {
		st := n.sqlDB.Stats()
		metrics.DbPoolOpen.Set(float64(st.OpenConnections))
		metrics.DbPoolIdle.Set(float64(st.Idle))
		metrics.DbPoolInuse.Set(float64(st.InUse))
		// 累计值，直接 Set
		metrics.DbPoolWaitCount.Set(float64(st.WaitCount))
		metrics.DbPoolWaitDuration.Set(st.WaitDuration.Seconds())
	}
	if n.rdb != nil {
		st := n.rdb.PoolStats()
		metrics.RedisPoolOpen.Set(float64(st.TotalConns))
		metrics.RedisPoolIdle.Set(float64(st.IdleConns))
		metrics.RedisPoolStale.Set(float64(st.StaleConns))
		metrics.RedisPoolWaitCount.Set(float64(st.WaitCount))
		metrics.RedisPoolTimeouts.Set(float64(st.Timeouts))
	}
}
