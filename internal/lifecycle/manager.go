package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/preload"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"go.uber.org/zap"
)

// deleteTimeout bounds each backend delete of a video deletion.
const deleteTimeout = 30 * time.Second

// CacheClearer drops the cached segments of a video; *segment.Service and
// every cache.Cache implement it.
type CacheClearer interface {
	Clear(ctx context.Context, videoID string) int
}

// Config wires a Manager.
type Config struct {
	Sessions  *session.Registry
	Scheduler *preload.Scheduler
	Meta      meta.Store
	Pool      *shard.Pool
	Cache     CacheClearer
	// StallTimeout marks videos stuck in processing for longer as failed.
	// Zero disables the check.
	StallTimeout time.Duration
	Logger       *zap.Logger
}

// Manager runs the periodic session sweep and owns video deletion.
type Manager struct {
	sessions     *session.Registry
	scheduler    *preload.Scheduler
	meta         meta.Store
	pool         *shard.Pool
	cache        CacheClearer
	stallTimeout time.Duration
	logger       *zap.Logger
}

// NewManager creates a new lifecycle manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		sessions:     cfg.Sessions,
		scheduler:    cfg.Scheduler,
		meta:         cfg.Meta,
		pool:         cfg.Pool,
		cache:        cfg.Cache,
		stallTimeout: cfg.StallTimeout,
		logger:       cfg.Logger,
	}
}

// Run starts the periodic sweep loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.sweepCycle(ctx); err != nil {
				m.logger.Error("sweep cycle error", zap.Error(err))
			}
		}
	}
}

// SweepResult reports one sweep cycle.
type SweepResult struct {
	Idled          int `json:"idled"`
	Expired        int `json:"expired"`
	TasksCancelled int `json:"tasks_cancelled"`
	StalledVideos  int `json:"stalled_videos"`
}

func (m *Manager) sweepCycle(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

// Sweep idles and expires quiet sessions and cancels their preload tasks.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	idled, expired := m.sessions.Sweep()
	res.Idled = len(idled)
	res.Expired = len(expired)

	for _, group := range [][]string{idled, expired} {
		for _, fp := range group {
			res.TasksCancelled += m.scheduler.CancelSession(fp)
		}
	}

	if m.stallTimeout > 0 {
		n, err := MarkStalled(ctx, m.meta, m.stallTimeout, m.logger)
		res.StalledVideos = n
		if err != nil {
			return res, fmt.Errorf("marking stalled videos: %w", err)
		}
	}

	if res.Idled+res.Expired+res.StalledVideos > 0 {
		m.logger.Info("session sweep",
			zap.Int("idled", res.Idled),
			zap.Int("expired", res.Expired),
			zap.Int("tasks_cancelled", res.TasksCancelled),
			zap.Int("stalled_videos", res.StalledVideos),
			zap.Int("active", m.sessions.ActiveCount()),
		)
	}
	return res, nil
}

// DeleteReport summarizes a video deletion.
type DeleteReport struct {
	VideoID        string `json:"video_id"`
	Records        int    `json:"records"`
	ObjectsDeleted int    `json:"objects_deleted"`
	ObjectFailures int    `json:"object_failures"`
	CacheEntries   int    `json:"cache_entries"`
	TasksCancelled int    `json:"tasks_cancelled"`
}

// DeleteVideo removes a video everywhere: preload tasks are cancelled, each
// backend object is deleted through its own shard, then the records and the
// cached entries go. Backend deletes are best effort; metadata is removed
// regardless so the video cannot be served again.
func (m *Manager) DeleteVideo(ctx context.Context, videoID string) (*DeleteReport, error) {
	recs, err := m.meta.ListSegments(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("listing segments of %s: %w", videoID, err)
	}
	if len(recs) == 0 {
		if _, err := m.meta.GetVideo(ctx, videoID); errors.Is(err, meta.ErrNotFound) {
			return nil, shard.NotFound(fmt.Errorf("video %s", videoID))
		}
	}

	report := &DeleteReport{VideoID: videoID}
	report.TasksCancelled = m.scheduler.CancelVideo(videoID)

	for _, rec := range recs {
		if err := m.deleteObject(ctx, rec); err != nil {
			report.ObjectFailures++
			m.logger.Warn("backend delete failed, object left behind",
				zap.String("video_id", videoID),
				zap.String("segment", rec.SegmentName),
				zap.Int("shard_id", rec.ShardID),
				zap.Error(err),
			)
			continue
		}
		report.ObjectsDeleted++
	}

	n, err := m.meta.DeleteVideo(ctx, videoID)
	if err != nil {
		return report, fmt.Errorf("deleting records of %s: %w", videoID, err)
	}
	report.Records = n
	report.CacheEntries = m.cache.Clear(ctx, videoID)

	m.logger.Info("video deleted",
		zap.String("video_id", videoID),
		zap.Int("records", report.Records),
		zap.Int("objects_deleted", report.ObjectsDeleted),
		zap.Int("object_failures", report.ObjectFailures),
		zap.Int("cache_entries", report.CacheEntries),
	)
	return report, nil
}

func (m *Manager) deleteObject(ctx context.Context, rec meta.SegmentRecord) error {
	s, err := m.pool.Shard(rec.ShardID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	err = s.Delete(ctx, rec.Handle)
	if errors.Is(err, shard.ErrNotFound) {
		return nil
	}
	return err
}
