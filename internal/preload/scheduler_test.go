package preload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/memory"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var defaultOpts = Options{
	Enabled:       true,
	BaseLookahead: 4,
	MinLookahead:  3,
	MaxLookahead:  12,
	MaxConcurrent: 5,
}

func name(i int) string { return fmt.Sprintf("seg_%03d.ts", i) }

func newMeta(t *testing.T, video string, segments int) meta.Store {
	t.Helper()
	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), meta.Options{NoSync: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for i := 0; i < segments; i++ {
		require.NoError(t, store.PutSegment(context.Background(), meta.SegmentRecord{
			VideoID: video, SegmentName: name(i), Order: i, Size: 1, Handle: video + "/" + name(i),
		}))
	}
	return store
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := memory.NewStore(1<<20, zap.NewNop())
	require.NoError(t, err)
	return c
}

// recorder warms by writing a marker into the cache and remembers what it saw.
type recorder struct {
	cache cache.Cache

	mu   sync.Mutex
	seen []string
}

func (r *recorder) warm(ctx context.Context, videoID, segment string) error {
	r.mu.Lock()
	r.seen = append(r.seen, segment)
	r.mu.Unlock()
	_, err := r.cache.Put(ctx, cache.Key{VideoID: videoID, Segment: segment}, []byte("x"))
	return err
}

func (r *recorder) segments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.seen...)
	sort.Strings(out)
	return out
}

// blockingWarm parks every task until its context ends.
func blockingWarm(started chan<- string) WarmFunc {
	return func(ctx context.Context, _, segment string) error {
		if started != nil {
			started <- segment
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestLookahead(t *testing.T) {
	s := New(nil, nil, nil, defaultOpts, zap.NewNop())
	defer shutdown(t, s)

	assert.Equal(t, 4, s.Lookahead(1.0))
	assert.Equal(t, 8, s.Lookahead(2.0))
	assert.Equal(t, 3, s.Lookahead(0.5))
	assert.Equal(t, 12, s.Lookahead(5.0))
	assert.Greater(t, s.Lookahead(2.0), s.Lookahead(1.0))
}

func waitIdle(t *testing.T, s *Scheduler, wantCompleted int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Completed == wantCompleted && st.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduleFasterSessionWarmsMore(t *testing.T) {
	store := newMeta(t, "v1", 30)

	warmed := func(speed float64) []string {
		c := newCache(t)
		rec := &recorder{cache: c}
		s := New(store, c, rec.warm, defaultOpts, zap.NewNop())
		defer shutdown(t, s)

		s.Schedule(session.Snapshot{Fingerprint: "fp", VideoID: "v1", CurrentIndex: 5, Speed: speed})
		want := s.Lookahead(speed)
		waitIdle(t, s, int64(want))
		return rec.segments()
	}

	normal := warmed(1.0)
	fast := warmed(2.0)
	assert.Equal(t, []string{name(6), name(7), name(8), name(9)}, normal)
	assert.Len(t, fast, 8)
	assert.Equal(t, name(13), fast[len(fast)-1])
}

func TestPlaybackCadenceDrivesLookahead(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := Options{
		Enabled:       true,
		BaseLookahead: cfg.Preload.BaseLookahead,
		MinLookahead:  cfg.Preload.MinLookahead,
		MaxLookahead:  cfg.Preload.MaxLookahead,
		MaxConcurrent: cfg.Preload.MaxConcurrent,
	}
	// Two-second segments: a 1x viewer asks for the next one every 2s.
	const segmentLength = 2 * time.Second
	store := newMeta(t, "v1", 40)

	// replay requests segments 0..5 one interval apart, then schedules
	// prediction from the last request the way a served fetch does.
	replay := func(interval time.Duration) (lookahead int, warmed []string) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		reg := session.NewRegistry(session.Options{
			IdleTimeout:   cfg.Session.IdleTimeout.Duration(),
			ExpireTimeout: cfg.Session.ExpireTimeout.Duration(),
			RecentLimit:   cfg.Session.RecentLimit,
			MinInterval:   cfg.Session.MinInterval.Duration(),
			Clock:         func() time.Time { return now },
		}, zap.NewNop())
		defer reg.Close()

		var snap session.Snapshot
		for i := 0; i <= 5; i++ {
			snap = reg.Touch("viewer", "v1", name(i), i)
			now = now.Add(interval)
		}

		c := newCache(t)
		rec := &recorder{cache: c}
		s := New(store, c, rec.warm, opts, zap.NewNop())
		defer shutdown(t, s)

		lookahead = s.Lookahead(snap.Speed)
		s.Schedule(snap)
		waitIdle(t, s, int64(lookahead))
		return lookahead, rec.segments()
	}

	normal, normalWarmed := replay(segmentLength)
	double, doubleWarmed := replay(segmentLength / 2)

	assert.Greater(t, double, normal, "2x cadence must look further ahead than 1x")
	assert.Len(t, normalWarmed, normal)
	assert.Len(t, doubleWarmed, double)
	assert.Equal(t, name(5+normal), normalWarmed[len(normalWarmed)-1])
	assert.Equal(t, name(5+double), doubleWarmed[len(doubleWarmed)-1])
}

func TestScheduleSkipsCachedAndMissing(t *testing.T) {
	store := newMeta(t, "v1", 4)
	c := newCache(t)
	_, err := c.Put(context.Background(), cache.Key{VideoID: "v1", Segment: name(1)}, []byte("x"))
	require.NoError(t, err)

	rec := &recorder{cache: c}
	s := New(store, c, rec.warm, defaultOpts, zap.NewNop())
	defer shutdown(t, s)

	// Lookahead 4 from index 0 covers 1..4; 1 is cached and 4 does not exist.
	s.Schedule(session.Snapshot{Fingerprint: "fp", VideoID: "v1", CurrentIndex: 0, Speed: 1})
	waitIdle(t, s, 2)
	assert.Equal(t, []string{name(2), name(3)}, rec.segments())
}

func TestScheduleDisabled(t *testing.T) {
	store := newMeta(t, "v1", 10)
	c := newCache(t)
	rec := &recorder{cache: c}
	opts := defaultOpts
	opts.Enabled = false
	s := New(store, c, rec.warm, opts, zap.NewNop())

	s.Schedule(session.Snapshot{Fingerprint: "fp", VideoID: "v1", CurrentIndex: 0, Speed: 1})
	shutdown(t, s)
	assert.Empty(t, rec.segments())
	assert.Equal(t, int64(0), s.Stats().Scheduled)
}

func TestEnqueueDeduplicates(t *testing.T) {
	started := make(chan string, 1)
	s := New(nil, nil, blockingWarm(started), defaultOpts, zap.NewNop())
	defer shutdown(t, s)

	first, ok := s.Enqueue("v1", name(1), "fp")
	require.True(t, ok)
	<-started

	again, ok := s.Enqueue("v1", name(1), "fp")
	assert.False(t, ok)
	assert.Same(t, first, again)

	_, ok = s.Enqueue("v1", name(1), "other")
	assert.True(t, ok, "a different session gets its own task")
	assert.Equal(t, 2, s.InFlight())
}

func TestMaxConcurrent(t *testing.T) {
	var running, peak atomic.Int64
	release := make(chan struct{})
	warm := func(ctx context.Context, _, _ string) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	opts := defaultOpts
	opts.MaxConcurrent = 2
	s := New(nil, nil, warm, opts, zap.NewNop())
	defer shutdown(t, s)

	for i := 0; i < 8; i++ {
		_, ok := s.Enqueue("v1", name(i), "fp")
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitIdle(t, s, 8)
	assert.Equal(t, int64(2), peak.Load())
}

func TestCancelSession(t *testing.T) {
	opts := defaultOpts
	opts.MaxConcurrent = 2
	started := make(chan string, 8)
	s := New(nil, nil, blockingWarm(started), opts, zap.NewNop())
	defer shutdown(t, s)

	var tasks []*Task
	for i := 0; i < 3; i++ {
		task, ok := s.Enqueue("v1", name(i), "viewer-a")
		require.True(t, ok)
		tasks = append(tasks, task)
	}
	other, ok := s.Enqueue("v2", name(0), "viewer-b")
	require.True(t, ok)

	assert.Equal(t, 3, s.CancelSession("viewer-a"))
	for _, task := range tasks {
		assert.Equal(t, TaskCancelled, task.State())
		select {
		case <-task.Done():
		default:
			t.Fatalf("task %s not finished after CancelSession", task.ID)
		}
	}
	assert.Equal(t, 1, s.InFlight())
	assert.NotEqual(t, TaskCancelled, other.State())
	assert.Equal(t, int64(3), s.Stats().Cancelled)
}

func TestCancelVideo(t *testing.T) {
	s := New(nil, nil, blockingWarm(nil), defaultOpts, zap.NewNop())
	defer shutdown(t, s)

	s.Enqueue("v1", name(0), "admin")
	s.Enqueue("v1", name(1), "fp")
	s.Enqueue("v2", name(0), "fp")
	assert.Equal(t, 2, s.CancelVideo("v1"))
	assert.Equal(t, 1, s.InFlight())
}

func TestFailedTaskIsDropped(t *testing.T) {
	boom := errors.New("shard unavailable")
	s := New(nil, nil, func(context.Context, string, string) error { return boom }, defaultOpts, zap.NewNop())
	defer shutdown(t, s)

	task, ok := s.Enqueue("v1", name(0), "fp")
	require.True(t, ok)
	<-task.Done()
	assert.Equal(t, TaskDone, task.State())
	assert.ErrorIs(t, task.Err(), boom)
	assert.Equal(t, int64(1), s.Stats().Failed)
	assert.Equal(t, 0, s.InFlight())
}

func TestShutdownCancelsAndRefuses(t *testing.T) {
	started := make(chan string, 4)
	s := New(nil, nil, blockingWarm(started), defaultOpts, zap.NewNop())

	task, _ := s.Enqueue("v1", name(0), "fp")
	<-started
	shutdown(t, s)

	assert.Equal(t, TaskCancelled, task.State())
	assert.Equal(t, 0, s.InFlight())

	_, ok := s.Enqueue("v1", name(1), "fp")
	assert.False(t, ok)
}
