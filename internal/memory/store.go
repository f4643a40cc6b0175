package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"
)

const typeName = "memory"

type entry struct {
	data         []byte
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// Store implements cache.Cache as an in-process LRU bounded by total bytes.
// Returned slices are shared with the cache and must not be modified.
type Store struct {
	mu         sync.Mutex
	lru        *simplelru.LRU // cache.Key -> *entry, oldest first
	totalBytes int64
	maxBytes   int64
	counters   cache.Counters
	logger     *zap.Logger
}

var _ cache.Cache = (*Store)(nil)

func NewStore(maxBytes int64, logger *zap.Logger) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("memory cache budget must be positive, got %d", maxBytes)
	}
	// Entry count is unbounded; the byte budget drives eviction.
	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &Store{lru: lru, maxBytes: maxBytes, logger: logger}, nil
}

func (s *Store) Get(_ context.Context, key cache.Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Get(key)
	if !ok {
		s.counters.Miss()
		metrics.CacheRequests.WithLabelValues(typeName, "miss").Inc()
		return nil, false
	}
	e := v.(*entry)
	e.lastAccessed = time.Now()
	e.accessCount++
	s.counters.Hit()
	metrics.CacheRequests.WithLabelValues(typeName, "hit").Inc()
	return e.data, true
}

func (s *Store) Contains(key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(key)
}

func (s *Store) Put(_ context.Context, key cache.Key, data []byte) ([]cache.Key, error) {
	size := int64(len(data))
	if size > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, budget %d", cache.ErrTooLarge, key, size, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lru.Peek(key); ok {
		s.totalBytes -= int64(len(v.(*entry).data))
		s.lru.Remove(key)
	}

	var evicted []cache.Key
	for s.totalBytes+size > s.maxBytes && s.lru.Len() > 0 {
		k, v, _ := s.lru.RemoveOldest()
		s.totalBytes -= int64(len(v.(*entry).data))
		evicted = append(evicted, k.(cache.Key))
		s.logger.Debug("evicted segment from memory", zap.Stringer("key", k.(cache.Key)))
	}

	now := time.Now()
	s.lru.Add(key, &entry{
		data:         append([]byte(nil), data...),
		createdAt:    now,
		lastAccessed: now,
	})
	s.totalBytes += size

	if n := len(evicted); n > 0 {
		s.counters.Evicted(n)
		metrics.CacheEvictions.WithLabelValues(typeName).Add(float64(n))
	}
	s.updateGauges()

	s.logger.Debug("segment cached in memory",
		zap.Stringer("key", key),
		zap.Int64("size", size),
		zap.Int64("total_bytes", s.totalBytes),
	)
	return evicted, nil
}

func (s *Store) Remove(_ context.Context, key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Peek(key)
	if !ok {
		return false
	}
	s.totalBytes -= int64(len(v.(*entry).data))
	s.lru.Remove(key)
	s.updateGauges()
	return true
}

func (s *Store) Clear(_ context.Context, videoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if videoID == "" {
		n := s.lru.Len()
		s.lru.Purge()
		s.totalBytes = 0
		s.updateGauges()
		return n
	}

	n := 0
	for _, k := range s.lru.Keys() {
		key := k.(cache.Key)
		if key.VideoID != videoID {
			continue
		}
		if v, ok := s.lru.Peek(key); ok {
			s.totalBytes -= int64(len(v.(*entry).data))
		}
		s.lru.Remove(key)
		n++
	}
	s.updateGauges()
	return n
}

func (s *Store) Stats() cache.Stats {
	s.mu.Lock()
	st := cache.Stats{
		Type:      typeName,
		Entries:   s.lru.Len(),
		SizeBytes: s.totalBytes,
		MaxBytes:  s.maxBytes,
	}
	s.mu.Unlock()
	s.counters.Fill(&st)
	return st
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	s.totalBytes = 0
	return nil
}

func (s *Store) updateGauges() {
	metrics.CacheBytes.WithLabelValues(typeName).Set(float64(s.totalBytes))
	metrics.CacheEntries.WithLabelValues(typeName).Set(float64(s.lru.Len()))
}
