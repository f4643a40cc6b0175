package segclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// Headers of the fetch protocol.
const (
	headerVideoID     = "Video-Id"
	headerSegment     = "Segment"
	headerFingerprint = "Fingerprint"
	headerStatus      = "Status"
	headerError       = "Error"
	headerCache       = "Cache"
	headerContentType = "Content-Type"
)

// Config configures a segment client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the responder subjects.
	// Defaults to "segd".
	SubjectPrefix string

	// Timeout bounds requests whose context has no deadline. Defaults to 5s.
	Timeout time.Duration

	// Fingerprint identifies the viewer for playback tracking. Empty
	// requests are served without a session.
	Fingerprint string
}

// Client fetches segments over NATS request-reply.
type Client struct {
	nc          *nats.Conn
	prefix      string
	timeout     time.Duration
	fingerprint string
}

// New creates a segment client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("segclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "segd"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:          cfg.NC,
		prefix:      prefix,
		timeout:     timeout,
		fingerprint: cfg.Fingerprint,
	}, nil
}

// Segment is a fetched segment.
type Segment struct {
	VideoID     string
	Name        string
	Data        []byte
	ContentType string
	// Hit is true when the service answered from its cache.
	Hit bool
}

// Fetch retrieves one segment. Missing segments fail with ErrNotFound and
// segments on an unreachable shard with ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, videoID, segment string) (*Segment, error) {
	msg := nats.NewMsg(c.prefix + ".fetch")
	msg.Header.Set(headerVideoID, videoID)
	msg.Header.Set(headerSegment, segment)
	if c.fingerprint != "" {
		msg.Header.Set(headerFingerprint, c.fingerprint)
	}

	resp, err := c.request(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("segclient: fetching %s/%s: %w", videoID, segment, err)
	}
	if err := statusOf(resp); err != nil {
		return nil, err
	}
	return &Segment{
		VideoID:     videoID,
		Name:        segment,
		Data:        resp.Data,
		ContentType: resp.Header.Get(headerContentType),
		Hit:         resp.Header.Get(headerCache) == "HIT",
	}, nil
}

// Stats is the subset of service statistics exposed to clients.
type Stats struct {
	Cache struct {
		Entries   int     `json:"entries"`
		SizeBytes int64   `json:"size_bytes"`
		MaxBytes  int64   `json:"max_bytes"`
		Hits      int64   `json:"hits"`
		Misses    int64   `json:"misses"`
		HitRatio  float64 `json:"hit_ratio"`
	} `json:"cache"`
	ActiveSessions   int `json:"active_sessions"`
	InFlightPreloads int `json:"in_flight_preloads"`
	Shards           []struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		Healthy  bool   `json:"healthy"`
		Disabled bool   `json:"disabled"`
		Segments int64  `json:"segments"`
	} `json:"shards"`
}

// Stats returns the service statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	resp, err := c.request(ctx, nats.NewMsg(c.prefix+".stats"))
	if err != nil {
		return nil, fmt.Errorf("segclient: stats request: %w", err)
	}
	if err := statusOf(resp); err != nil {
		return nil, err
	}
	var st Stats
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return nil, fmt.Errorf("segclient: decoding stats: %w", err)
	}
	return &st, nil
}

func (c *Client) request(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", nats.ErrTimeout, err)
	}
	return resp, err
}

// statusOf turns a non-200 Status header into an error. Replies without the
// header are successful.
func statusOf(resp *nats.Msg) error {
	if resp.Header == nil {
		return nil
	}
	raw := resp.Header.Get(headerStatus)
	if raw == "" {
		return nil
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("segclient: invalid status header %q", raw)
	}
	if status == 200 {
		return nil
	}
	msg := resp.Header.Get(headerError)
	if msg == "" {
		msg = string(resp.Data)
	}
	return &StatusError{Status: status, Message: msg}
}
