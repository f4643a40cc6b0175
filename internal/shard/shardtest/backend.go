// Package shardtest provides an in-memory shard backend with failure
// injection for tests.
package shardtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/shard"
	"go.uber.org/zap"
)

// Backend stores objects in a map. Its failure hooks are consulted before
// every call.
type Backend struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr, GetErr and PingErr, when set, decide the result of the next
	// call. Returning nil lets the call proceed.
	PutErr  func(name string) error
	GetErr  func(handle string) error
	PingErr func() error

	// Delay is applied to Put and Get, honoring ctx.
	Delay time.Duration

	Puts    atomic.Int64
	Gets    atomic.Int64
	Deletes atomic.Int64
	Pings   atomic.Int64
}

func NewBackend() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

func (b *Backend) Kind() string { return "memory" }

func (b *Backend) Put(ctx context.Context, name string, data []byte) (string, error) {
	b.Puts.Add(1)
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	hook := b.PutErr
	b.mu.Unlock()
	if hook != nil {
		if err := hook(name); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	b.objects[name] = append([]byte(nil), data...)
	b.mu.Unlock()
	return name, nil
}

func (b *Backend) Get(ctx context.Context, handle string) ([]byte, error) {
	b.Gets.Add(1)
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	hook := b.GetErr
	b.mu.Unlock()
	if hook != nil {
		if err := hook(handle); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[handle]
	if !ok {
		return nil, shard.NotFound(fmt.Errorf("object %q", handle))
	}
	return append([]byte(nil), data...), nil
}

func (b *Backend) Delete(_ context.Context, handle string) error {
	b.Deletes.Add(1)
	b.mu.Lock()
	delete(b.objects, handle)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Ping(context.Context) error {
	b.Pings.Add(1)
	b.mu.Lock()
	hook := b.PingErr
	b.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (b *Backend) Close() error { return nil }

// SetPutErr swaps the Put hook under the backend lock.
func (b *Backend) SetPutErr(fn func(name string) error) {
	b.mu.Lock()
	b.PutErr = fn
	b.mu.Unlock()
}

func (b *Backend) SetGetErr(fn func(handle string) error) {
	b.mu.Lock()
	b.GetErr = fn
	b.mu.Unlock()
}

func (b *Backend) SetPingErr(fn func() error) {
	b.mu.Lock()
	b.PingErr = fn
	b.mu.Unlock()
}

// Has reports whether an object is stored under handle.
func (b *Backend) Has(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[handle]
	return ok
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func (b *Backend) wait(ctx context.Context) error {
	if b.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(b.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FailTimes returns a hook that fails the first n calls with errors made by mk.
func FailTimes(n int, mk func() error) func(string) error {
	var calls atomic.Int64
	return func(string) error {
		if calls.Add(1) <= int64(n) {
			return mk()
		}
		return nil
	}
}

// Flaky returns a fresh transient backend failure.
func Flaky() error {
	return shard.Transient(errors.New("connection reset"))
}

// Pool builds a pool of n shards over fresh in-memory backends named
// shard-0..shard-n-1.
func Pool(n int, maxFileSize int64) (*shard.Pool, []*Backend) {
	shards := make([]*shard.Shard, n)
	backends := make([]*Backend, n)
	for i := range shards {
		backends[i] = NewBackend()
		shards[i] = shard.New(shard.Options{
			ID:          i,
			Name:        fmt.Sprintf("shard-%d", i),
			MaxFileSize: maxFileSize,
		}, backends[i], zap.NewNop())
	}
	pool, err := shard.NewPool(shards)
	if err != nil {
		panic(err)
	}
	return pool, backends
}
