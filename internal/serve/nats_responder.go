package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/segment"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Headers of the NATS segment protocol.
const (
	HeaderVideoID     = "Video-Id"
	HeaderSegment     = "Segment"
	HeaderFingerprint = "Fingerprint"
	HeaderStatus      = "Status"
	HeaderError       = "Error"
	HeaderCache       = "Cache"
	HeaderContentType = "Content-Type"
)

// responderQueue load-balances requests across service replicas.
const responderQueue = "segment-delivery"

const defaultResponderConcurrency = 64

// RunNATSResponder serves segments over NATS request-reply.
// Subjects:
//   - {prefix}.fetch: headers Video-Id, Segment and optional Fingerprint; the
//     Status header is 200, 404 or 503 and the body is the segment, or the
//     error text otherwise
//   - {prefix}.stats: the reply body is the stats JSON
//
// Fetches run concurrently up to cfg.MaxConcurrent; when the limit is reached
// the subscription stops draining until one finishes. On return every fetch
// has replied.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, svc *segment.Service, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "segd"
	}

	limit := int64(cfg.MaxConcurrent)
	if limit < 1 {
		limit = defaultResponderConcurrency
	}
	sem := semaphore.NewWeighted(limit)

	fetchSubject := prefix + ".fetch"
	fetchSub, err := nc.QueueSubscribe(fetchSubject, responderQueue, func(msg *nats.Msg) {
		if err := sem.Acquire(ctx, 1); err != nil {
			respondStatus(msg, 503, "responder shutting down", nil)
			return
		}
		go func() {
			defer sem.Release(1)
			respondFetch(ctx, msg, svc, logger)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", fetchSubject, err)
	}
	defer fetchSub.Unsubscribe()

	statsSubject := prefix + ".stats"
	statsSub, err := nc.QueueSubscribe(statsSubject, responderQueue, func(msg *nats.Msg) {
		body, err := json.Marshal(svc.Stats(ctx))
		if err != nil {
			respondStatus(msg, 500, err.Error(), nil)
			return
		}
		msg.Respond(body)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", statsSubject, err)
	}
	defer statsSub.Unsubscribe()

	logger.Info("NATS responder started",
		zap.String("fetch_subject", fetchSubject),
		zap.String("stats_subject", statsSubject),
		zap.Int64("max_concurrent", limit),
	)

	<-ctx.Done()
	fetchSub.Unsubscribe()
	// Holding the full weight means every running fetch has released its slot.
	sem.Acquire(context.Background(), limit)
	return nil
}

func respondFetch(ctx context.Context, msg *nats.Msg, svc *segment.Service, logger *zap.Logger) {
	if msg.Header == nil {
		respondStatus(msg, 400, "missing Video-Id and Segment headers", nil)
		return
	}
	videoID := msg.Header.Get(HeaderVideoID)
	name := msg.Header.Get(HeaderSegment)
	if videoID == "" || name == "" {
		respondStatus(msg, 400, "missing Video-Id and Segment headers", nil)
		return
	}

	res, err := svc.Fetch(ctx, videoID, name, msg.Header.Get(HeaderFingerprint))
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			logger.Warn("NATS fetch failed",
				zap.String("video_id", videoID),
				zap.String("segment", name),
				zap.Error(err),
			)
		}
		respondStatus(msg, status, err.Error(), nil)
		return
	}

	cache := "MISS"
	if res.Hit {
		cache = "HIT"
	}
	respondStatus(msg, 200, "", res.Data, HeaderContentType, ContentType(name), HeaderCache, cache)
}

// respondStatus replies with a Status header. Error replies carry the message
// as the body too: an empty reply with Status 503 reads as "no responders" to
// nats.go requesters.
func respondStatus(msg *nats.Msg, status int, errMsg string, body []byte, kv ...string) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderStatus, strconv.Itoa(status))
	if errMsg != "" {
		reply.Header.Set(HeaderError, errMsg)
		if body == nil {
			body = []byte(errMsg)
		}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		reply.Header.Set(kv[i], kv[i+1])
	}
	reply.Data = body
	msg.RespondMsg(reply)
}
