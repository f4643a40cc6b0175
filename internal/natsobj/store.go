// Package natsobj implements a shard backend on a NATS JetStream object store
// bucket.
package natsobj

import (
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Store is a shard backend storing each segment as one object.
type Store struct {
	nc     *nats.Conn
	obs    jetstream.ObjectStore
	bucket string
	owned  bool
	logger *zap.Logger
}

var _ shard.Backend = (*Store)(nil)

// Options configures a NATS object store backend.
type Options struct {
	Bucket string
	// OwnConn closes the connection when the backend is closed.
	OwnConn bool
}

// NewStore binds to the bucket, creating it if needed.
func NewStore(ctx context.Context, nc *nats.Conn, opts Options, logger *zap.Logger) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      opts.Bucket,
		Description: "segment-delivery shard storage",
	})
	if err != nil {
		return nil, fmt.Errorf("binding object store %s: %w", opts.Bucket, err)
	}

	logger.Info("object store bound", zap.String("bucket", opts.Bucket))
	return &Store{
		nc:     nc,
		obs:    obs,
		bucket: opts.Bucket,
		owned:  opts.OwnConn,
		logger: logger,
	}, nil
}

func (s *Store) Kind() string { return "nats" }

// Put stores data under name, which doubles as the handle.
func (s *Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	info, err := s.obs.PutBytes(ctx, name, data)
	if err != nil {
		return "", classify(fmt.Errorf("putting %s into %s: %w", name, s.bucket, err))
	}
	s.logger.Debug("segment stored in object store",
		zap.String("name", name),
		zap.Uint64("size", info.Size),
		zap.Uint32("chunks", info.Chunks),
	)
	return name, nil
}

func (s *Store) Get(ctx context.Context, handle string) ([]byte, error) {
	data, err := s.obs.GetBytes(ctx, handle)
	if err != nil {
		return nil, classify(fmt.Errorf("getting %s from %s: %w", handle, s.bucket, err))
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, handle string) error {
	if err := s.obs.Delete(ctx, handle); err != nil {
		return classify(fmt.Errorf("deleting %s from %s: %w", handle, s.bucket, err))
	}
	return nil
}

// Ping checks the connection and the bucket status.
func (s *Store) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return shard.Transient(fmt.Errorf("nats connection is %s", s.nc.Status()))
	}
	if _, err := s.obs.Status(ctx); err != nil {
		return classify(fmt.Errorf("object store %s status: %w", s.bucket, err))
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		s.nc.Close()
	}
	return nil
}

// classify maps NATS client failures onto the shard error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrObjectNotFound):
		return shard.NotFound(err)
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, jetstream.ErrBadObjectMeta),
		errors.Is(err, jetstream.ErrInvalidStoreName):
		return shard.Rejected(err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return shard.Transient(err)
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return shard.Transient(err)
	}
	return shard.Rejected(err)
}
