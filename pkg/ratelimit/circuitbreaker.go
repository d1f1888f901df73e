package ratelimit

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `mapstructure:"interval"`
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `mapstructure:"timeout"`

	TripConsecutiveFailures uint32  `mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `mapstructure:"trip_failure_rate"` // 0~1
	TripMinRequests         uint32  `mapstructure:"trip_min_requests"`
}

// Manager lazily creates one breaker per key (destination peer).
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	rule Rule
	// IsSuccessful decides which errors count against the breaker. Nil counts
	// every non-nil error.
	isSuccessful func(err error) bool
	onChange     func(name string, from, to gobreaker.State)
}

func NewManager(rule Rule, isSuccessful func(err error) bool) *Manager {
	if rule.MaxRequests == 0 {
		rule.MaxRequests = 1
	}
	if rule.Timeout <= 0 {
		rule.Timeout = 30 * time.Second
	}
	if rule.Interval <= 0 {
		rule.Interval = time.Minute
	}
	if rule.TripConsecutiveFailures == 0 && rule.TripFailureRate == 0 {
		rule.TripConsecutiveFailures = 5
	}
	if rule.TripMinRequests == 0 {
		rule.TripMinRequests = 20
	}
	return &Manager{
		m:            make(map[string]*gobreaker.CircuitBreaker[struct{}], 64),
		rule:         rule,
		isSuccessful: isSuccessful,
	}
}

// OnStateChange registers a hook, typically a metrics gauge. Call before Get.
func (m *Manager) OnStateChange(fn func(name string, from, to gobreaker.State)) {
	m.onChange = fn
}

func (m *Manager) Get(key string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[key]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[key]; cb != nil {
		return cb
	}

	rule := m.rule
	st := gobreaker.Settings{
		Name:        key,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if m.isSuccessful != nil {
				return m.isSuccessful(err)
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onChange != nil {
				m.onChange(name, from, to)
			}
		},
	}
	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[key] = cb
	return cb
}
