package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"go.uber.org/zap"
)

// MarkStalled finds videos left in the processing state for longer than
// olderThan, which happens when the process dies mid-ingestion, and records
// them as failed with their surviving segment counts.
func MarkStalled(ctx context.Context, metaStore meta.Store, olderThan time.Duration, logger *zap.Logger) (int, error) {
	videos, err := metaStore.ListVideos(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	marked := 0
	for _, v := range videos {
		if v.Status != types.VideoProcessing || v.UpdatedAt.After(cutoff) {
			continue
		}
		recs, err := metaStore.ListSegments(ctx, v.VideoID)
		if err != nil {
			logger.Warn("error listing segments of stalled video",
				zap.String("video_id", v.VideoID), zap.Error(err))
			continue
		}

		v.Status = types.VideoError
		v.Error = "ingestion did not finish"
		v.SegmentCount = len(recs)
		v.TotalSize = 0
		v.TotalDuration = 0
		for _, r := range recs {
			v.TotalSize += r.Size
			v.TotalDuration += r.Duration
		}
		if err := metaStore.PutVideo(ctx, v); err != nil {
			logger.Error("failed to mark stalled video",
				zap.String("video_id", v.VideoID), zap.Error(err))
			continue
		}
		logger.Warn("stalled ingestion marked as failed",
			zap.String("video_id", v.VideoID),
			zap.Time("updated_at", v.UpdatedAt),
			zap.Int("segments", len(recs)),
		)
		marked++
	}

	return marked, nil
}
