package shard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend is one storage channel. Implementations classify their failures
// with Transient, RateLimited, Rejected and NotFound.
type Backend interface {
	Kind() string
	Put(ctx context.Context, name string, data []byte) (handle string, err error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a single shard.
type Options struct {
	ID          int
	Name        string
	MaxFileSize int64
	RateLimit   float64 // requests per second, 0 for unlimited
	Burst       int
	ReadTimeout time.Duration
}

// Shard wraps a backend with its size ceiling, rate limit and reachability.
type Shard struct {
	id          int
	name        string
	backend     Backend
	limiter     *rate.Limiter
	maxFileSize int64
	readTimeout time.Duration
	logger      *zap.Logger

	healthy  atomic.Bool
	disabled atomic.Bool

	uploads   atomic.Int64
	downloads atomic.Int64
	failures  atomic.Int64
	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func New(opts Options, backend Backend, logger *zap.Logger) *Shard {
	limit := rate.Inf
	burst := opts.Burst
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	s := &Shard{
		id:          opts.ID,
		name:        opts.Name,
		backend:     backend,
		limiter:     rate.NewLimiter(limit, burst),
		maxFileSize: opts.MaxFileSize,
		readTimeout: opts.ReadTimeout,
		logger:      logger,
	}
	s.healthy.Store(true)
	metrics.ShardAvailable.WithLabelValues(s.name).Set(1)
	return s
}

func (s *Shard) ID() int            { return s.id }
func (s *Shard) Name() string       { return s.name }
func (s *Shard) MaxFileSize() int64 { return s.maxFileSize }

// Available reports whether the shard may be contacted.
func (s *Shard) Available() bool {
	return s.healthy.Load() && !s.disabled.Load()
}

func (s *Shard) SetHealthy(ok bool) {
	if s.healthy.Swap(ok) != ok {
		metrics.ShardAvailable.WithLabelValues(s.name).Set(boolGauge(s.Available()))
		s.logger.Info("shard health changed", zap.Bool("healthy", ok))
	}
}

func (s *Shard) SetDisabled(disabled bool) {
	if s.disabled.Swap(disabled) != disabled {
		metrics.ShardAvailable.WithLabelValues(s.name).Set(boolGauge(s.Available()))
		s.logger.Info("shard admin state changed", zap.Bool("disabled", disabled))
	}
}

// Upload stores data and returns the backend handle. Oversize payloads are
// rejected before the backend is contacted.
func (s *Shard) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", annotate(Rejected(fmt.Errorf("segment %s is empty", name)), s.id, "upload")
	}
	if int64(len(data)) > s.maxFileSize {
		return "", annotate(Rejected(fmt.Errorf("segment %s is %d bytes, limit is %d", name, len(data), s.maxFileSize)), s.id, "upload")
	}

	var handle string
	err := s.call(ctx, "upload", func(ctx context.Context) error {
		var err error
		handle, err = s.backend.Put(ctx, name, data)
		return err
	})
	if err != nil {
		return "", err
	}
	s.uploads.Add(1)
	s.bytesUp.Add(int64(len(data)))
	return handle, nil
}

// Download fetches the object behind handle from this shard only.
func (s *Shard) Download(ctx context.Context, handle string) ([]byte, error) {
	var data []byte
	err := s.call(ctx, "download", func(ctx context.Context) error {
		var err error
		data, err = s.backend.Get(ctx, handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.downloads.Add(1)
	s.bytesDown.Add(int64(len(data)))
	return data, nil
}

func (s *Shard) Delete(ctx context.Context, handle string) error {
	return s.call(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, handle)
	})
}

// Ping probes the backend regardless of the current health flag.
func (s *Shard) Ping(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return annotate(s.backend.Ping(ctx), s.id, "ping")
}

func (s *Shard) Close() error {
	return s.backend.Close()
}

func (s *Shard) Stats() types.ShardStats {
	return types.ShardStats{
		ID:          s.id,
		Name:        s.name,
		Backend:     s.backend.Kind(),
		Healthy:     s.healthy.Load(),
		Disabled:    s.disabled.Load(),
		MaxFileSize: s.maxFileSize,
		Uploads:     s.uploads.Load(),
		Downloads:   s.downloads.Load(),
		Failures:    s.failures.Load(),
		BytesUp:     s.bytesUp.Load(),
		BytesDown:   s.bytesDown.Load(),
	}
}

func (s *Shard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !s.Available() {
		return &Error{Kind: KindUnavailable, Shard: s.id, Op: op, Err: fmt.Errorf("shard %s is not available", s.name)}
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTransient, Shard: s.id, Op: op, Err: fmt.Errorf("waiting for rate limit: %w", err)}
	}

	start := time.Now()
	err := fn(ctx)
	metrics.ShardRequestDuration.WithLabelValues(s.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		err = annotate(err, s.id, op)
		kind := KindOf(err)
		if kind != KindNotFound {
			s.failures.Add(1)
		}
		metrics.ShardRequests.WithLabelValues(s.name, op, kind.String()).Inc()
		return err
	}
	metrics.ShardRequests.WithLabelValues(s.name, op, "ok").Inc()
	return nil
}

func (s *Shard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.readTimeout > 0 {
		return context.WithTimeout(ctx, s.readTimeout)
	}
	return context.WithCancel(ctx)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
