// Package retrieval reads segments back from the one shard that owns them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"go.uber.org/zap"
)

// Retriever downloads a segment from its recorded shard. It never falls back
// to another shard: a segment lives on exactly one.
type Retriever struct {
	pool   *shard.Pool
	meta   meta.Store
	retry  shard.RetryPolicy
	logger *zap.Logger
}

func New(pool *shard.Pool, store meta.Store, retry shard.RetryPolicy, logger *zap.Logger) *Retriever {
	return &Retriever{pool: pool, meta: store, retry: retry, logger: logger}
}

// Lookup returns the record of a segment, or shard.ErrNotFound.
func (r *Retriever) Lookup(ctx context.Context, videoID, segment string) (*meta.SegmentRecord, error) {
	rec, err := r.meta.GetSegment(ctx, videoID, segment)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, shard.NotFound(fmt.Errorf("segment %s/%s: %w", videoID, segment, err))
	}
	if err != nil {
		return nil, fmt.Errorf("looking up segment %s/%s: %w", videoID, segment, err)
	}
	return rec, nil
}

// Download looks up the segment and fetches it from its owning shard.
func (r *Retriever) Download(ctx context.Context, videoID, segment string) ([]byte, error) {
	rec, err := r.Lookup(ctx, videoID, segment)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, rec)
}

// Fetch downloads the payload behind rec. An unknown or unavailable owning
// shard is reported as shard.ErrUnavailable without contacting any backend.
func (r *Retriever) Fetch(ctx context.Context, rec *meta.SegmentRecord) ([]byte, error) {
	s, err := r.pool.Shard(rec.ShardID)
	if err != nil {
		r.refuse(rec, strconv.Itoa(rec.ShardID), err)
		return nil, err
	}
	if !s.Available() {
		err := &shard.Error{
			Kind:  shard.KindUnavailable,
			Shard: s.ID(),
			Op:    "download",
			Err:   fmt.Errorf("owning shard %s of %s/%s is not available", s.Name(), rec.VideoID, rec.SegmentName),
		}
		r.refuse(rec, s.Name(), err)
		return nil, err
	}

	logger := r.logger.With(
		zap.String("video_id", rec.VideoID),
		zap.String("segment", rec.SegmentName),
		zap.String("shard", s.Name()),
	)
	var data []byte
	_, err = shard.Retry(ctx, r.retry, logger, func(ctx context.Context) error {
		var err error
		data, err = s.Download(ctx, rec.Handle)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.Size > 0 && int64(len(data)) != rec.Size {
		logger.Warn("segment size differs from record",
			zap.Int64("recorded", rec.Size),
			zap.Int("got", len(data)),
		)
	}
	return data, nil
}

func (r *Retriever) refuse(rec *meta.SegmentRecord, shardLabel string, err error) {
	metrics.IsolationRefusals.WithLabelValues(shardLabel).Inc()
	r.logger.Warn("refusing download from unavailable shard",
		zap.String("video_id", rec.VideoID),
		zap.String("segment", rec.SegmentName),
		zap.Int("shard_id", rec.ShardID),
		zap.Error(err),
	)
}
