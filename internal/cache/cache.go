// Package cache defines the segment cache contract shared by the in-memory
// and on-disk implementations.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrTooLarge is returned by Put when a single entry exceeds the byte budget.
var ErrTooLarge = errors.New("cache: entry larger than cache budget")

// Key identifies a cached segment.
type Key struct {
	VideoID string
	Segment string
}

func (k Key) String() string {
	return k.VideoID + "_" + k.Segment
}

// Cache is a byte-budgeted LRU of segment payloads. Implementations serialize
// all mutations and keep the total size within budget once a call returns.
type Cache interface {
	// Get returns the payload and refreshes its recency on a hit.
	Get(ctx context.Context, key Key) ([]byte, bool)
	// Contains reports presence without touching recency.
	Contains(key Key) bool
	// Put stores data and returns the keys evicted to make room.
	Put(ctx context.Context, key Key, data []byte) ([]Key, error)
	Remove(ctx context.Context, key Key) bool
	// Clear removes every entry of videoID, or everything when videoID is empty.
	Clear(ctx context.Context, videoID string) int
	Stats() Stats
	Close() error
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Type      string  `json:"type"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Corrupted int64   `json:"corrupted"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Counters tracks cache activity; safe for concurrent use.
type Counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	corrupted atomic.Int64
}

func (c *Counters) Hit()          { c.hits.Add(1) }
func (c *Counters) Miss()         { c.misses.Add(1) }
func (c *Counters) Evicted(n int) { c.evictions.Add(int64(n)) }
func (c *Counters) Corrupt()      { c.corrupted.Add(1) }

// Fill copies the counters into s and derives the hit ratio.
func (c *Counters) Fill(s *Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	s.Corrupted = c.corrupted.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
}
