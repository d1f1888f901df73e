package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 连接池监控，node 每 5s 采样一次
var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_pool_open",
		Help:      "Current open DB connections",
	})
	DbPoolIdle         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolWaitCount    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_count"})
	DbPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_wait_seconds"})

	RedisPoolOpen      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_open"})
	RedisPoolIdle      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
	RedisPoolStale     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_stale"})
	RedisPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_wait_count"})
	RedisPoolTimeouts  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_timeouts"})
)
