package shard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor probes every shard on an interval and flips its health flag after
// maxFailures consecutive failed pings. One successful ping restores it.
type Monitor struct {
	pool        *Pool
	timeout     time.Duration
	maxFailures int
	logger      *zap.Logger

	mu    sync.Mutex
	fails map[int]int
}

func NewMonitor(pool *Pool, timeout time.Duration, maxFailures int, logger *zap.Logger) *Monitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Monitor{
		pool:        pool,
		timeout:     timeout,
		maxFailures: maxFailures,
		logger:      logger,
		fails:       make(map[int]int),
	}
}

// Run checks all shards immediately and then on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll pings every shard concurrently and updates health flags.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.pool.Shards() {
		wg.Add(1)
		go func(s *Shard) {
			defer wg.Done()
			m.check(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, s *Shard) {
	pctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	err := s.Ping(pctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.fails[s.ID()] = 0
		s.SetHealthy(true)
		return
	}
	if ctx.Err() != nil {
		return
	}

	m.fails[s.ID()]++
	n := m.fails[s.ID()]
	m.logger.Warn("shard ping failed",
		zap.String("shard", s.Name()),
		zap.Int("consecutive_failures", n),
		zap.Error(err),
	)
	if n >= m.maxFailures {
		s.SetHealthy(false)
	}
}
