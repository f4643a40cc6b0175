package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPolicyConflict = errors.New("ingest: video already placed with a different assignment policy")
	ErrEmptyBatch     = errors.New("ingest: no segments to upload")
)

// orphanCleanupTimeout bounds the best-effort delete of an unrecorded object.
const orphanCleanupTimeout = 10 * time.Second

// Segment is one media segment handed over for storage.
type Segment struct {
	Name     string
	Data     []byte
	Duration time.Duration
}

// SegmentResult is the outcome for one segment of a batch.
type SegmentResult struct {
	Name     string `json:"name"`
	Order    int    `json:"order"`
	ShardID  int    `json:"shard_id"`
	Handle   string `json:"handle,omitempty"`
	Size     int64  `json:"size"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`

	err error
}

// Err returns the failure of this segment, if any.
func (r SegmentResult) Err() error { return r.err }

// Report summarizes a video ingestion.
type Report struct {
	VideoID  string            `json:"video_id"`
	Mode     string            `json:"mode"`
	Status   types.VideoStatus `json:"status"`
	Uploaded int               `json:"uploaded"`
	Failed   int               `json:"failed"`
	Segments []SegmentResult   `json:"segments"`
}

// Invalidator drops cached copies of a segment whose record was replaced.
type Invalidator interface {
	Invalidate(ctx context.Context, videoID, segment string)
}

// Options tunes the distributor.
type Options struct {
	Mode            string
	Concurrency     int
	PersistAttempts int
	Retry           shard.RetryPolicy
	// Invalidator is told about every replaced segment. Nil disables it.
	Invalidator Invalidator
}

// Distributor places segments on shards and records where they went.
type Distributor struct {
	pool   *shard.Pool
	meta   meta.Store
	opts   Options
	logger *zap.Logger

	// videoMu serializes read-modify-write of video entries.
	videoMu sync.Mutex
}

func NewDistributor(pool *shard.Pool, store meta.Store, opts Options, logger *zap.Logger) *Distributor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PersistAttempts < 1 {
		opts.PersistAttempts = 1
	}
	if opts.Mode == "" {
		opts.Mode = config.IngestBestEffort
	}
	return &Distributor{pool: pool, meta: store, opts: opts, logger: logger}
}

// UploadVideo stores an ordered batch of segments with round-robin placement:
// the segment at position i goes to shard i mod N. An empty mode uses the
// configured default. The returned error is non-nil whenever the video ends
// in the error state; the report is returned in every case but validation.
func (d *Distributor) UploadVideo(ctx context.Context, videoID string, segments []Segment, mode string) (*Report, error) {
	if mode == "" {
		mode = d.opts.Mode
	}
	if mode != config.IngestStrict && mode != config.IngestBestEffort {
		return nil, shard.Rejected(fmt.Errorf("unknown ingest mode %q", mode))
	}
	if err := validateBatch(videoID, segments); err != nil {
		return nil, err
	}

	d.videoMu.Lock()
	entry, err := d.meta.GetVideo(ctx, videoID)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		entry = &meta.VideoEntry{VideoID: videoID}
	case err != nil:
		d.videoMu.Unlock()
		return nil, fmt.Errorf("loading video %s: %w", videoID, err)
	case entry.Policy == types.PolicyContentHash:
		d.videoMu.Unlock()
		return nil, fmt.Errorf("%w: %s uses %s", ErrPolicyConflict, videoID, entry.Policy)
	}
	entry.Status = types.VideoProcessing
	entry.Policy = types.PolicyRoundRobin
	entry.Error = ""
	err = d.meta.PutVideo(ctx, *entry)
	d.videoMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recording video %s: %w", videoID, err)
	}

	logger := d.logger.With(zap.String("video_id", videoID), zap.String("mode", mode))
	logger.Info("video ingestion started", zap.Int("segments", len(segments)))

	results := make([]SegmentResult, len(segments))
	strict := mode == config.IngestStrict

	var g *errgroup.Group
	gctx := ctx
	if strict {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(d.opts.Concurrency)

	for i, seg := range segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = failed(seg, i, d.pool.Assign(i), fmt.Errorf("not attempted: %w", err))
				return nil
			}
			results[i] = d.storeSegment(gctx, videoID, seg, i, d.pool.Assign(i))
			if strict && results[i].err != nil {
				return results[i].err
			}
			return nil
		})
	}
	firstErr := g.Wait()

	report := &Report{VideoID: videoID, Mode: mode, Segments: results}
	for _, r := range results {
		if r.err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = r.err
			}
		} else {
			report.Uploaded++
		}
	}

	switch {
	case strict && report.Failed > 0:
		report.Status = types.VideoError
	case report.Uploaded == 0:
		report.Status = types.VideoError
	default:
		report.Status = types.VideoActive
	}

	errMsg := ""
	if report.Status == types.VideoError && firstErr != nil {
		errMsg = firstErr.Error()
	}
	if err := d.finishVideo(context.WithoutCancel(ctx), videoID, report.Status, errMsg); err != nil {
		logger.Error("recording video status failed", zap.Error(err))
	}

	metrics.IngestBatches.WithLabelValues(mode, string(report.Status)).Inc()
	logger.Info("video ingestion finished",
		zap.String("status", string(report.Status)),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("failed", report.Failed),
	)

	if report.Status == types.VideoError {
		return report, fmt.Errorf("ingesting video %s: %w", videoID, firstErr)
	}
	return report, nil
}

// UploadSegment stores a single segment outside a batch. A new video is
// placed by content hash; an existing video keeps its recorded policy.
func (d *Distributor) UploadSegment(ctx context.Context, videoID string, seg Segment, order int) (*SegmentResult, error) {
	if err := validateBatch(videoID, []Segment{seg}); err != nil {
		return nil, err
	}
	if order < 0 {
		return nil, shard.Rejected(fmt.Errorf("segment %s has negative order %d", seg.Name, order))
	}

	d.videoMu.Lock()
	entry, err := d.meta.GetVideo(ctx, videoID)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		entry = &meta.VideoEntry{
			VideoID: videoID,
			Status:  types.VideoProcessing,
			Policy:  types.PolicyContentHash,
		}
		err = d.meta.PutVideo(ctx, *entry)
	case err == nil && !entry.Policy.Valid():
		err = fmt.Errorf("video %s has unknown policy %q", videoID, entry.Policy)
	}
	d.videoMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("loading video %s: %w", videoID, err)
	}

	shardID := d.pool.AssignWith(entry.Policy, order, seg.Data)
	res := d.storeSegment(ctx, videoID, seg, order, shardID)

	status := types.VideoActive
	errMsg := ""
	if res.err != nil {
		recs, _ := d.meta.ListSegments(ctx, videoID)
		if len(recs) == 0 {
			status = types.VideoError
			errMsg = res.err.Error()
		}
	}
	if err := d.finishVideo(context.WithoutCancel(ctx), videoID, status, errMsg); err != nil {
		d.logger.Error("recording video status failed", zap.String("video_id", videoID), zap.Error(err))
	}

	if res.err != nil {
		return &res, res.err
	}
	return &res, nil
}

func (d *Distributor) storeSegment(ctx context.Context, videoID string, seg Segment, order, shardID int) SegmentResult {
	s, err := d.pool.Shard(shardID)
	if err != nil {
		return failed(seg, order, shardID, err)
	}
	logger := d.logger.With(
		zap.String("video_id", videoID),
		zap.String("segment", seg.Name),
		zap.String("shard", s.Name()),
	)

	var handle string
	attempts, err := shard.Retry(ctx, d.opts.Retry, logger, func(ctx context.Context) error {
		var err error
		handle, err = s.Upload(ctx, videoID+"/"+seg.Name, seg.Data)
		return err
	})
	if err != nil {
		metrics.SegmentUploadFailures.WithLabelValues(shard.KindOf(err).String()).Inc()
		logger.Warn("segment upload failed", zap.Int("attempts", attempts), zap.Error(err))
		res := failed(seg, order, shardID, err)
		res.Attempts = attempts
		return res
	}

	rec := meta.SegmentRecord{
		VideoID:     videoID,
		SegmentName: seg.Name,
		Order:       order,
		Duration:    seg.Duration,
		Size:        int64(len(seg.Data)),
		ShardID:     shardID,
		Handle:      handle,
		CreatedAt:   time.Now(),
	}
	prev, err := d.meta.GetSegment(ctx, videoID, seg.Name)
	if err != nil {
		if !errors.Is(err, meta.ErrNotFound) {
			logger.Warn("previous record unavailable", zap.Error(err))
		}
		prev = nil
	}

	persist := d.opts.Retry
	persist.MaxAttempts = d.opts.PersistAttempts
	_, err = shard.Retry(ctx, persist, logger, func(ctx context.Context) error {
		err := d.meta.PutSegment(ctx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, meta.ErrOrderConflict):
			return shard.Rejected(err)
		default:
			return shard.Transient(err)
		}
	})
	if err != nil {
		metrics.SegmentUploadFailures.WithLabelValues("persist").Inc()
		logger.Warn("segment stored but not recorded, deleting orphan", zap.Error(err))
		d.deleteOrphan(ctx, s, handle, logger)
		res := failed(seg, order, shardID, fmt.Errorf("persisting segment record: %w", err))
		res.Attempts = attempts
		return res
	}

	if prev != nil {
		d.replaced(ctx, prev, rec, logger)
	}

	metrics.SegmentsUploaded.WithLabelValues(s.Name()).Inc()
	logger.Debug("segment stored", zap.Int("attempts", attempts), zap.Int64("size", rec.Size))
	return SegmentResult{
		Name:     seg.Name,
		Order:    order,
		ShardID:  shardID,
		Handle:   handle,
		Size:     rec.Size,
		Attempts: attempts,
	}
}

// replaced invalidates the cached copy of a rewritten segment and deletes the
// superseded object when the new one went to another shard or handle.
func (d *Distributor) replaced(ctx context.Context, prev *meta.SegmentRecord, rec meta.SegmentRecord, logger *zap.Logger) {
	if d.opts.Invalidator != nil {
		d.opts.Invalidator.Invalidate(context.WithoutCancel(ctx), rec.VideoID, rec.SegmentName)
	}
	if prev.ShardID == rec.ShardID && prev.Handle == rec.Handle {
		return
	}
	old, err := d.pool.Shard(prev.ShardID)
	if err != nil {
		logger.Warn("superseded object left behind", zap.Int("shard_id", prev.ShardID), zap.Error(err))
		return
	}
	logger.Info("deleting superseded object",
		zap.String("old_shard", old.Name()),
		zap.String("old_handle", prev.Handle),
	)
	d.deleteOrphan(ctx, old, prev.Handle, logger)
}

func (d *Distributor) deleteOrphan(ctx context.Context, s *shard.Shard, handle string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanCleanupTimeout)
	defer cancel()
	if err := s.Delete(ctx, handle); err != nil {
		logger.Warn("orphan delete failed", zap.String("handle", handle), zap.Error(err))
	}
}

// finishVideo recomputes the video totals from its records and sets status.
func (d *Distributor) finishVideo(ctx context.Context, videoID string, status types.VideoStatus, errMsg string) error {
	d.videoMu.Lock()
	defer d.videoMu.Unlock()

	entry, err := d.meta.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	recs, err := d.meta.ListSegments(ctx, videoID)
	if err != nil {
		return err
	}
	entry.SegmentCount = len(recs)
	entry.TotalSize = 0
	entry.TotalDuration = 0
	for _, r := range recs {
		entry.TotalSize += r.Size
		entry.TotalDuration += r.Duration
	}
	entry.Status = status
	entry.Error = errMsg
	return d.meta.PutVideo(ctx, *entry)
}

func validateBatch(videoID string, segments []Segment) error {
	if videoID == "" {
		return shard.Rejected(errors.New("video id is required"))
	}
	if len(segments) == 0 {
		return ErrEmptyBatch
	}
	seen := make(map[string]bool, len(segments))
	for i, seg := range segments {
		if seg.Name == "" {
			return shard.Rejected(fmt.Errorf("segment %d has no name", i))
		}
		if seen[seg.Name] {
			return shard.Rejected(fmt.Errorf("segment name %q appears twice", seg.Name))
		}
		seen[seg.Name] = true
	}
	return nil
}

func failed(seg Segment, order, shardID int, err error) SegmentResult {
	return SegmentResult{
		Name:    seg.Name,
		Order:   order,
		ShardID: shardID,
		Size:    int64(len(seg.Data)),
		Error:   err.Error(),
		err:     err,
	}
}
