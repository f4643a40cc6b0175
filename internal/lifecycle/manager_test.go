package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/ingest"
	"github.com/gftdcojp/segment-delivery/internal/memory"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/preload"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/gftdcojp/segment-delivery/internal/shard/shardtest"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	mgr       *Manager
	meta      meta.Store
	cache     cache.Cache
	sessions  *session.Registry
	scheduler *preload.Scheduler
	pool      *shard.Pool
	backends  []*shardtest.Backend
	clock     *testClock
}

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, meta.Options{NoSync: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// parkedWarm holds every preload task until it is cancelled.
func parkedWarm(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestEnv(t *testing.T, stall time.Duration) *testEnv {
	t.Helper()
	metaStore := newTestMeta(t)
	memCache, err := memory.NewStore(1<<20, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pool, backends := shardtest.Pool(3, 1<<20)

	clock := &testClock{now: time.Now()}
	sessions := session.NewRegistry(session.Options{
		IdleTimeout:   10 * time.Minute,
		ExpireTimeout: 30 * time.Minute,
		Clock:         clock.Now,
	}, zap.NewNop())
	scheduler := preload.New(metaStore, memCache, parkedWarm, preload.Options{
		Enabled:       true,
		BaseLookahead: 4,
		MinLookahead:  3,
		MaxLookahead:  12,
		MaxConcurrent: 4,
	}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scheduler.Shutdown(ctx)
	})

	mgr := NewManager(Config{
		Sessions:     sessions,
		Scheduler:    scheduler,
		Meta:         metaStore,
		Pool:         pool,
		Cache:        memCache,
		StallTimeout: stall,
		Logger:       zap.NewNop(),
	})
	return &testEnv{
		mgr: mgr, meta: metaStore, cache: memCache, sessions: sessions,
		scheduler: scheduler, pool: pool, backends: backends, clock: clock,
	}
}

func (e *testEnv) ingest(t *testing.T, video string, n int) {
	t.Helper()
	d := ingest.NewDistributor(e.pool, e.meta, ingest.Options{Mode: config.IngestStrict, Concurrency: 2}, zap.NewNop())
	segs := make([]ingest.Segment, n)
	for i := range segs {
		segs[i] = ingest.Segment{Name: fmt.Sprintf("seg_%03d.ts", i), Data: []byte(fmt.Sprintf("%s-%d", video, i))}
	}
	if _, err := d.UploadVideo(context.Background(), video, segs, ""); err != nil {
		t.Fatal(err)
	}
}

func TestManager_SweepCancelsTasks(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	env.sessions.Touch("quiet", "v1", "seg_000.ts", 0)
	var quietTasks []*preload.Task
	for i := 1; i <= 3; i++ {
		task, ok := env.scheduler.Enqueue("v1", fmt.Sprintf("seg_%03d.ts", i), "quiet")
		if !ok {
			t.Fatalf("task %d not created", i)
		}
		quietTasks = append(quietTasks, task)
	}

	env.clock.Advance(11 * time.Minute)
	env.sessions.Touch("busy", "v1", "seg_000.ts", 0)
	busyTask, _ := env.scheduler.Enqueue("v1", "seg_001.ts", "busy")

	res, err := env.mgr.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Idled != 1 || res.Expired != 0 {
		t.Fatalf("got %+v, want one idled session", res)
	}
	if res.TasksCancelled != 3 {
		t.Fatalf("expected 3 cancelled tasks, got %d", res.TasksCancelled)
	}
	for _, task := range quietTasks {
		if task.State() != preload.TaskCancelled {
			t.Errorf("task %s state %s, want cancelled", task.Segment, task.State())
		}
	}
	if busyTask.State() == preload.TaskCancelled {
		t.Error("active session's task must survive the sweep")
	}
	if env.scheduler.InFlight() != 1 {
		t.Errorf("expected 1 task in flight, got %d", env.scheduler.InFlight())
	}
}

func TestManager_SweepExpires(t *testing.T) {
	env := newTestEnv(t, 0)
	env.sessions.Touch("fp", "v1", "seg_000.ts", 0)
	env.clock.Advance(31 * time.Minute)

	res, err := env.mgr.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Expired != 1 {
		t.Fatalf("expected 1 expired session, got %+v", res)
	}
	if env.sessions.Len() != 0 {
		t.Errorf("expired session should be removed, %d left", env.sessions.Len())
	}
}

func TestManager_Run_CancelStops(t *testing.T) {
	env := newTestEnv(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.mgr.Run(ctx, 100*time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManager_DeleteVideo(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.ingest(t, "v1", 4)
	env.ingest(t, "v2", 2)

	env.cache.Put(ctx, cache.Key{VideoID: "v1", Segment: "seg_000.ts"}, []byte("x"))
	env.cache.Put(ctx, cache.Key{VideoID: "v2", Segment: "seg_000.ts"}, []byte("y"))
	adminTask, _ := env.scheduler.Enqueue("v1", "seg_002.ts", "admin")

	report, err := env.mgr.DeleteVideo(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Records != 4 || report.ObjectsDeleted != 4 || report.ObjectFailures != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.CacheEntries != 1 || report.TasksCancelled != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if adminTask.State() != preload.TaskCancelled {
		t.Errorf("admin preload task should be cancelled, state %s", adminTask.State())
	}

	total := 0
	for _, b := range env.backends {
		total += b.Len()
	}
	if total != 2 {
		t.Errorf("expected only v2's 2 objects to remain, got %d", total)
	}
	if recs, _ := env.meta.ListSegments(ctx, "v1"); len(recs) != 0 {
		t.Errorf("expected no v1 records, got %d", len(recs))
	}
	if _, err := env.meta.GetVideo(ctx, "v1"); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("expected v1 entry gone, got %v", err)
	}
	if !env.cache.Contains(cache.Key{VideoID: "v2", Segment: "seg_000.ts"}) {
		t.Error("v2 cache entry must survive")
	}
}

func TestManager_DeleteVideoPartialFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	env.ingest(t, "v1", 3)

	s1, _ := env.pool.Shard(1)
	s1.SetDisabled(true)

	report, err := env.mgr.DeleteVideo(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if report.ObjectFailures != 1 || report.ObjectsDeleted != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Records != 3 {
		t.Errorf("records must be removed even when a backend delete fails, got %d", report.Records)
	}
}

func TestManager_DeleteVideoNotFound(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.mgr.DeleteVideo(context.Background(), "nope")
	if !errors.Is(err, shard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkStalled(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	ctx := context.Background()
	env.ingest(t, "done", 1)

	if err := env.meta.PutVideo(ctx, meta.VideoEntry{VideoID: "stuck", Status: types.VideoProcessing, Policy: types.PolicyRoundRobin}); err != nil {
		t.Fatal(err)
	}
	if err := env.meta.PutSegment(ctx, meta.SegmentRecord{VideoID: "stuck", SegmentName: "a.ts", Order: 0, Size: 5}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := env.mgr.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StalledVideos != 1 {
		t.Fatalf("expected 1 stalled video, got %d", res.StalledVideos)
	}

	v, err := env.meta.GetVideo(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != types.VideoError || v.SegmentCount != 1 || v.TotalSize != 5 {
		t.Errorf("unexpected entry %+v", v)
	}
	done, _ := env.meta.GetVideo(ctx, "done")
	if done.Status != types.VideoActive {
		t.Errorf("finished video changed to %s", done.Status)
	}
}
