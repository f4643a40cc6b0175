// Package segment is the read-path facade: it ties retrieval, the cache, the
// session tracker and the preload scheduler into one fetch operation.
package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/preload"
	"github.com/gftdcojp/segment-delivery/internal/retrieval"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AdminSession owns preload tasks started by an operator.
const AdminSession = "admin"

// ErrClosed is returned for cache misses once the service is closing.
var ErrClosed = errors.New("segment: service closed")

// Result is a fetched segment.
type Result struct {
	Data   []byte
	Hit    bool
	Record *meta.SegmentRecord
}

// Stats is the combined view served by the admin endpoints.
type Stats struct {
	Cache            cache.Stats        `json:"cache"`
	ActiveSessions   int                `json:"active_sessions"`
	Sessions         int                `json:"sessions"`
	InFlightPreloads int                `json:"in_flight_preloads"`
	Preload          preload.Stats      `json:"preload"`
	Shards           []types.ShardStats `json:"shards"`
}

// Service serves segments to viewers.
type Service struct {
	meta      meta.Store
	pool      *shard.Pool
	retriever *retrieval.Retriever
	cache     cache.Cache
	sessions  *session.Registry
	scheduler *preload.Scheduler
	flights   singleflight.Group
	loads     *loads
	logger    *zap.Logger
}

func New(
	store meta.Store,
	pool *shard.Pool,
	retriever *retrieval.Retriever,
	c cache.Cache,
	sessions *session.Registry,
	preloadOpts preload.Options,
	logger *zap.Logger,
) *Service {
	s := &Service{
		meta:      store,
		pool:      pool,
		retriever: retriever,
		cache:     c,
		sessions:  sessions,
		loads:     newLoads(),
		logger:    logger,
	}
	s.scheduler = preload.New(store, c, s.warm, preloadOpts, logger.Named("preload"))
	return s
}

func (s *Service) Scheduler() *preload.Scheduler { return s.scheduler }
func (s *Service) Sessions() *session.Registry    { return s.sessions }

// Fetch returns a segment for the viewer identified by fingerprint. Missing
// segments fail with shard.ErrNotFound and segments whose shard cannot be
// reached with shard.ErrUnavailable.
func (s *Service) Fetch(ctx context.Context, videoID, segment, fingerprint string) (*Result, error) {
	start := time.Now()
	gen := s.loads.generation(videoID)

	rec, err := s.retriever.Lookup(ctx, videoID, segment)
	if err != nil {
		metrics.FetchRequests.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	var snap session.Snapshot
	tracked := fingerprint != ""
	if tracked {
		snap = s.sessions.Touch(fingerprint, videoID, segment, rec.Order)
	}

	key := cache.Key{VideoID: videoID, Segment: segment}
	if data, ok := s.cache.Get(ctx, key); ok {
		if tracked {
			s.scheduler.Schedule(snap)
		}
		metrics.FetchRequests.WithLabelValues("hit").Inc()
		metrics.FetchLatency.WithLabelValues("cache").Observe(time.Since(start).Seconds())
		s.logger.Debug("cache hit", zap.String("key", key.String()))
		return &Result{Data: data, Hit: true, Record: rec}, nil
	}

	data, err := s.load(ctx, key, rec, gen)
	if err != nil {
		metrics.FetchRequests.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	if tracked {
		s.scheduler.Schedule(snap)
	}
	metrics.FetchRequests.WithLabelValues("miss").Inc()
	metrics.FetchLatency.WithLabelValues("backend").Observe(time.Since(start).Seconds())
	return &Result{Data: data, Record: rec}, nil
}

// load fetches key from its shard and writes it through to the cache. Callers
// for the same key and generation share one backend call; each waits on its
// own ctx while the call itself runs until done and is awaited by Close.
func (s *Service) load(ctx context.Context, key cache.Key, rec *meta.SegmentRecord, gen uint64) ([]byte, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		if !s.loads.begin(key.VideoID) {
			return nil, ErrClosed
		}
		defer s.loads.end(key.VideoID)

		if s.cache.Contains(key) {
			if data, ok := s.cache.Get(flightCtx, key); ok {
				return data, nil
			}
		}

		data, err := s.retriever.Fetch(flightCtx, rec)
		if err != nil {
			return nil, err
		}

		evicted, err := s.cache.Put(flightCtx, key, data)
		switch {
		case errors.Is(err, cache.ErrTooLarge):
			s.logger.Warn("segment not cached", zap.String("key", key.String()), zap.Error(err))
		case err != nil:
			s.logger.Error("cache write failed", zap.String("key", key.String()), zap.Error(err))
		default:
			if len(evicted) > 0 {
				s.logger.Debug("cache evicted entries", zap.String("key", key.String()), zap.Int("evicted", len(evicted)))
			}
			if s.loads.generation(key.VideoID) != gen {
				s.cache.Remove(flightCtx, key)
				s.logger.Debug("dropped write of invalidated segment", zap.String("key", key.String()))
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// warm is the preload path: the same retrieval and write-through as a
// foreground miss, without session tracking.
func (s *Service) warm(ctx context.Context, videoID, segment string) error {
	key := cache.Key{VideoID: videoID, Segment: segment}
	if s.cache.Contains(key) {
		return nil
	}
	gen := s.loads.generation(videoID)
	rec, err := s.retriever.Lookup(ctx, videoID, segment)
	if err != nil {
		return err
	}
	_, err = s.load(ctx, key, rec, gen)
	return err
}

// Preload warms count segments of videoID starting at order start under the
// admin session. It returns the number of tasks started.
func (s *Service) Preload(ctx context.Context, videoID string, start, count int) (int, error) {
	if start < 0 || count < 1 {
		return 0, shard.Rejected(fmt.Errorf("invalid preload range start=%d count=%d", start, count))
	}
	if _, err := s.meta.GetVideo(ctx, videoID); err != nil {
		if !errors.Is(err, meta.ErrNotFound) {
			return 0, fmt.Errorf("loading video %s: %w", videoID, err)
		}
		recs, err := s.meta.ListSegments(ctx, videoID)
		if err != nil {
			return 0, fmt.Errorf("listing segments of %s: %w", videoID, err)
		}
		if len(recs) == 0 {
			return 0, shard.NotFound(fmt.Errorf("video %s", videoID))
		}
	}

	scheduled := 0
	for order := start; order < start+count; order++ {
		rec, err := s.meta.SegmentAt(ctx, videoID, order)
		if errors.Is(err, meta.ErrNotFound) {
			continue
		}
		if err != nil {
			return scheduled, fmt.Errorf("looking up %s at %d: %w", videoID, order, err)
		}
		if s.cache.Contains(cache.Key{VideoID: videoID, Segment: rec.SegmentName}) {
			continue
		}
		task, created := s.scheduler.Enqueue(videoID, rec.SegmentName, AdminSession)
		if task == nil {
			return scheduled, preload.ErrClosed
		}
		if created {
			scheduled++
		}
	}

	s.logger.Info("manual preload scheduled",
		zap.String("video_id", videoID),
		zap.Int("start", start),
		zap.Int("count", count),
		zap.Int("scheduled", scheduled),
	)
	return scheduled, nil
}

// Invalidate drops the cached copy of one segment after its record changed.
// Loads of the video already running do not write their bytes back.
func (s *Service) Invalidate(ctx context.Context, videoID, segment string) {
	s.loads.invalidate(videoID)
	key := cache.Key{VideoID: videoID, Segment: segment}
	if s.cache.Remove(ctx, key) {
		s.logger.Debug("cached segment invalidated", zap.String("key", key.String()))
	}
}

// Clear drops cached segments of videoID, or all of them when it is empty.
// For a single video it first waits for that video's running loads, so none
// of them lands after the clear.
func (s *Service) Clear(ctx context.Context, videoID string) int {
	if done := s.loads.invalidate(videoID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("clearing while loads still run", zap.String("video_id", videoID), zap.Error(ctx.Err()))
		}
	}
	n := s.cache.Clear(ctx, videoID)
	s.logger.Info("cache cleared", zap.String("video_id", videoID), zap.Int("entries", n))
	return n
}

func (s *Service) Stats(ctx context.Context) Stats {
	shards := s.pool.Stats()
	usage, err := s.meta.ShardUsage(ctx)
	if err != nil {
		s.logger.Warn("shard usage unavailable", zap.Error(err))
	}
	for i := range shards {
		if u, ok := usage[shards[i].ID]; ok {
			shards[i].Segments = u.Segments
			shards[i].SegmentsBytes = u.Bytes
		}
	}
	return Stats{
		Cache:            s.cache.Stats(),
		ActiveSessions:   s.sessions.ActiveCount(),
		Sessions:         s.sessions.Len(),
		InFlightPreloads: s.scheduler.InFlight(),
		Preload:          s.scheduler.Stats(),
		Shards:           shards,
	}
}

func (s *Service) PopularVideos(n int) []session.VideoPopularity {
	return s.sessions.Popular(n)
}

// Close stops background preloading and waits for every backend load still
// running. It must run before the shard pool and the cache are closed.
func (s *Service) Close(ctx context.Context) error {
	err := s.scheduler.Shutdown(ctx)
	if lerr := s.loads.close(ctx); lerr != nil && err == nil {
		err = fmt.Errorf("waiting for segment loads: %w", lerr)
	}
	return err
}

func outcome(err error) string {
	switch shard.KindOf(err) {
	case shard.KindNotFound:
		return "not_found"
	case shard.KindUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}
