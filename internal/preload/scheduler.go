// Package preload warms the cache ahead of viewers.
package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned once the scheduler has been shut down.
var ErrClosed = errors.New("preload: scheduler is shut down")

// WarmFunc loads one segment into the cache.
type WarmFunc func(ctx context.Context, videoID, segment string) error

// Options tunes the scheduler.
type Options struct {
	Enabled       bool
	BaseLookahead int
	MinLookahead  int
	MaxLookahead  int
	MaxConcurrent int
}

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskCancelled TaskState = "cancelled"
)

type taskKey struct {
	videoID, segment, sessionID string
}

// Task is one background warm of a segment for a session.
type Task struct {
	ID        string
	VideoID   string
	Segment   string
	SessionID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state TaskState
	err   error
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the warm failure of a finished task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) set(state TaskState, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
}

// Stats counts scheduler activity since start.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	InFlight  int   `json:"in_flight"`
}

// Scheduler predicts the next segments of a session and warms them with
// bounded concurrency. At most one task per (video, segment, session) is in
// flight.
type Scheduler struct {
	opts   Options
	meta   meta.Store
	cache  cache.Cache
	warm   WarmFunc
	sem    *semaphore.Weighted
	logger *zap.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	tasks  map[taskKey]*Task
	closed bool

	scheduled atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

func New(store meta.Store, c cache.Cache, warm WarmFunc, opts Options, logger *zap.Logger) *Scheduler {
	if opts.MinLookahead < 1 {
		opts.MinLookahead = 1
	}
	if opts.MaxLookahead < opts.MinLookahead {
		opts.MaxLookahead = opts.MinLookahead
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:      opts,
		meta:      store,
		cache:     c,
		warm:      warm,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:    logger,
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[taskKey]*Task),
	}
}

// Lookahead returns how many segments ahead to warm for a session moving at
// speed segments per second.
func (s *Scheduler) Lookahead(speed float64) int {
	n := int(float64(s.opts.BaseLookahead) * speed)
	if n < s.opts.MinLookahead {
		n = s.opts.MinLookahead
	}
	if n > s.opts.MaxLookahead {
		n = s.opts.MaxLookahead
	}
	return n
}

// Schedule starts prediction for snap in the background and returns at once.
func (s *Scheduler) Schedule(snap session.Snapshot) {
	if !s.opts.Enabled || snap.CurrentIndex < 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.predict(snap)
	}()
}

func (s *Scheduler) predict(snap session.Snapshot) {
	ctx := s.baseCtx
	lookahead := s.Lookahead(snap.Speed)
	for i := 1; i <= lookahead; i++ {
		if ctx.Err() != nil {
			return
		}
		target := snap.CurrentIndex + i
		rec, err := s.meta.SegmentAt(ctx, snap.VideoID, target)
		if errors.Is(err, meta.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Debug("preload lookup failed",
				zap.String("video_id", snap.VideoID),
				zap.Int("order", target),
				zap.Error(err),
			)
			continue
		}
		if s.cache.Contains(cache.Key{VideoID: snap.VideoID, Segment: rec.SegmentName}) {
			continue
		}
		s.Enqueue(snap.VideoID, rec.SegmentName, snap.Fingerprint)
	}
}

// Enqueue starts a warm task unless one with the same key is in flight, in
// which case that task is returned with false.
func (s *Scheduler) Enqueue(videoID, segment, sessionID string) (*Task, bool) {
	key := taskKey{videoID, segment, sessionID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if t, ok := s.tasks[key]; ok {
		return t, false
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &Task{
		ID:        uuid.NewString(),
		VideoID:   videoID,
		Segment:   segment,
		SessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     TaskQueued,
	}
	s.tasks[key] = t
	s.scheduled.Add(1)
	metrics.PreloadInFlight.Inc()
	s.wg.Add(1)
	go s.run(key, t)
	return t, true
}

func (s *Scheduler) run(key taskKey, t *Task) {
	defer func() {
		s.mu.Lock()
		if s.tasks[key] == t {
			delete(s.tasks, key)
		}
		s.mu.Unlock()
		t.cancel()
		metrics.PreloadInFlight.Dec()
		close(t.done)
		s.wg.Done()
	}()

	logger := s.logger.With(
		zap.String("task_id", t.ID),
		zap.String("video_id", t.VideoID),
		zap.String("segment", t.Segment),
	)

	if err := s.sem.Acquire(t.ctx, 1); err != nil {
		s.finishCancelled(t)
		return
	}
	t.set(TaskRunning, nil)
	logger.Debug("preload started")
	err := s.warm(t.ctx, t.VideoID, t.Segment)
	s.sem.Release(1)

	switch {
	case t.ctx.Err() != nil:
		s.finishCancelled(t)
	case err != nil:
		t.set(TaskDone, err)
		s.failed.Add(1)
		metrics.PreloadTasks.WithLabelValues("failed").Inc()
		logger.Debug("preload failed", zap.Error(err))
	default:
		t.set(TaskDone, nil)
		s.completed.Add(1)
		metrics.PreloadTasks.WithLabelValues("done").Inc()
		logger.Debug("preload finished")
	}
}

func (s *Scheduler) finishCancelled(t *Task) {
	t.set(TaskCancelled, context.Canceled)
	s.cancelled.Add(1)
	metrics.PreloadTasks.WithLabelValues("cancelled").Inc()
}

// CancelSession cancels every task of sessionID and waits for them to stop.
// It returns the number of tasks cancelled.
func (s *Scheduler) CancelSession(sessionID string) int {
	return s.cancelWhere(func(k taskKey) bool { return k.sessionID == sessionID })
}

// CancelVideo cancels every task of videoID, whichever session owns it.
func (s *Scheduler) CancelVideo(videoID string) int {
	return s.cancelWhere(func(k taskKey) bool { return k.videoID == videoID })
}

func (s *Scheduler) cancelWhere(match func(taskKey) bool) int {
	s.mu.Lock()
	var victims []*Task
	for k, t := range s.tasks {
		if match(k) {
			victims = append(victims, t)
		}
	}
	s.mu.Unlock()

	for _, t := range victims {
		t.cancel()
	}
	for _, t := range victims {
		<-t.done
	}
	return len(victims)
}

// InFlight returns the number of queued and running tasks.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled: s.scheduled.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		InFlight:  s.InFlight(),
	}
}

// Shutdown refuses new work, cancels all tasks and waits for every task and
// predictor to return, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("preload scheduler stopped", zap.Int64("cancelled", s.cancelled.Load()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for preload tasks: %w", ctx.Err())
	}
}
