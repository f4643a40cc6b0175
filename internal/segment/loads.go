package segment

import (
	"context"
	"sync"
)

// loads tracks backend loads that outlive their callers. A generation per
// video is bumped on every invalidation; a load that started under an older
// generation removes what it wrote to the cache.
type loads struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	global  uint64
	gens    map[string]uint64
	running map[string]*videoLoads
}

type videoLoads struct {
	n    int
	done chan struct{}
}

func newLoads() *loads {
	return &loads{
		gens:    make(map[string]uint64),
		running: make(map[string]*videoLoads),
	}
}

func (l *loads) generation(videoID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global + l.gens[videoID]
}

// begin registers a load of videoID. It returns false once closed.
func (l *loads) begin(videoID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	v, ok := l.running[videoID]
	if !ok {
		v = &videoLoads{done: make(chan struct{})}
		l.running[videoID] = v
	}
	v.n++
	return true
}

func (l *loads) end(videoID string) {
	l.mu.Lock()
	if v, ok := l.running[videoID]; ok {
		v.n--
		if v.n == 0 {
			close(v.done)
			delete(l.running, videoID)
		}
	}
	l.mu.Unlock()
	l.wg.Done()
}

// invalidate bumps the generation of videoID, or of every video when it is
// empty, and returns a channel closed once the loads of videoID running now
// have finished. It is nil when none are running.
func (l *loads) invalidate(videoID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if videoID == "" {
		l.global++
		return nil
	}
	l.gens[videoID]++
	if v, ok := l.running[videoID]; ok {
		return v.done
	}
	return nil
}

// close refuses new loads and waits for the running ones.
func (l *loads) close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
