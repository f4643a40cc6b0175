// Package session tracks viewing sessions: where each viewer is in a video and
// how fast they move through it.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"go.uber.org/zap"
)

// State is the liveness of a session.
type State string

const (
	StateActive  State = "ACTIVE"
	StateIdle    State = "IDLE"
	StateExpired State = "EXPIRED"
)

const (
	initialSpeed = 1.0
	speedDecay   = 0.7
)

// Options tunes the registry.
type Options struct {
	IdleTimeout   time.Duration
	ExpireTimeout time.Duration
	RecentLimit   int
	MinInterval   time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	Fingerprint  string    `json:"fingerprint"`
	VideoID      string    `json:"video_id"`
	CurrentIndex int       `json:"current_index"`
	Speed        float64   `json:"speed"`
	Recent       []string  `json:"recent"`
	LastRequest  time.Time `json:"last_request"`
	CreatedAt    time.Time `json:"created_at"`
	State        State     `json:"state"`
	Requests     int64     `json:"requests"`
}

type viewingSession struct {
	fingerprint  string
	videoID      string
	currentIndex int
	speed        float64
	recent       []string
	lastRequest  time.Time
	createdAt    time.Time
	state        State
	requests     int64
}

func (s *viewingSession) snapshot() Snapshot {
	return Snapshot{
		Fingerprint:  s.fingerprint,
		VideoID:      s.videoID,
		CurrentIndex: s.currentIndex,
		Speed:        s.speed,
		Recent:       append([]string(nil), s.recent...),
		LastRequest:  s.lastRequest,
		CreatedAt:    s.createdAt,
		State:        s.state,
		Requests:     s.requests,
	}
}

// Registry owns every live session of the process.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*viewingSession
	active   int
}

func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.RecentLimit < 1 {
		opts.RecentLimit = 10
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.ExpireTimeout < opts.IdleTimeout {
		opts.ExpireTimeout = opts.IdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*viewingSession),
	}
}

// Touch records a request for segment at index of videoID. A negative index
// means the position is unknown and only refreshes the request time.
func (r *Registry) Touch(fingerprint, videoID, segment string, index int) Snapshot {
	now := r.opts.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[fingerprint]
	if !ok {
		s = &viewingSession{
			fingerprint:  fingerprint,
			videoID:      videoID,
			currentIndex: -1,
			speed:        initialSpeed,
			createdAt:    now,
			lastRequest:  now,
			state:        StateActive,
		}
		r.sessions[fingerprint] = s
		r.active++
		r.logger.Debug("session started", zap.String("fingerprint", fingerprint), zap.String("video_id", videoID))
	} else if s.state != StateActive {
		s.state = StateActive
		r.active++
	}
	s.requests++

	if s.videoID != videoID {
		s.videoID = videoID
		s.currentIndex = -1
		s.speed = initialSpeed
		s.recent = nil
	}

	if index >= 0 {
		switch {
		case s.currentIndex < 0:
			s.currentIndex = index
		case index > s.currentIndex:
			elapsed := now.Sub(s.lastRequest)
			if elapsed < r.opts.MinInterval {
				elapsed = r.opts.MinInterval
			}
			rate := float64(index-s.currentIndex) / elapsed.Seconds()
			s.speed = speedDecay*s.speed + (1-speedDecay)*rate
			s.currentIndex = index
		case index < s.currentIndex:
			s.recent = nil
			s.currentIndex = index
		}
		s.recent = append(s.recent, segment)
		if over := len(s.recent) - r.opts.RecentLimit; over > 0 {
			s.recent = append(s.recent[:0], s.recent[over:]...)
		}
	}
	s.lastRequest = now

	metrics.ActiveSessions.Set(float64(r.active))
	return s.snapshot()
}

// Sweep idles sessions quiet for longer than the idle timeout and removes
// those quiet for longer than the expire timeout. It returns the fingerprints
// of both groups.
func (r *Registry) Sweep() (idled, expired []string) {
	now := r.opts.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for fp, s := range r.sessions {
		quiet := now.Sub(s.lastRequest)
		switch {
		case quiet > r.opts.ExpireTimeout:
			if s.state == StateActive {
				r.active--
			}
			s.state = StateExpired
			delete(r.sessions, fp)
			expired = append(expired, fp)
		case quiet > r.opts.IdleTimeout && s.state == StateActive:
			s.state = StateIdle
			r.active--
			idled = append(idled, fp)
		}
	}

	sort.Strings(idled)
	sort.Strings(expired)
	metrics.ActiveSessions.Set(float64(r.active))
	metrics.SessionsSwept.WithLabelValues(string(StateIdle)).Add(float64(len(idled)))
	metrics.SessionsSwept.WithLabelValues(string(StateExpired)).Add(float64(len(expired)))
	return idled, expired
}

func (r *Registry) Get(fingerprint string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[fingerprint]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// ActiveCount returns the number of ACTIVE sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Len returns the number of tracked sessions, ACTIVE or IDLE.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// VideoPopularity counts the active viewers of a video.
type VideoPopularity struct {
	VideoID  string `json:"video_id"`
	Sessions int    `json:"sessions"`
}

// Popular ranks videos by active sessions, most watched first. n <= 0
// returns every video.
func (r *Registry) Popular(n int) []VideoPopularity {
	r.mu.Lock()
	counts := make(map[string]int)
	for _, s := range r.sessions {
		if s.state == StateActive {
			counts[s.videoID]++
		}
	}
	r.mu.Unlock()

	out := make([]VideoPopularity, 0, len(counts))
	for v, c := range counts {
		out = append(out, VideoPopularity{VideoID: v, Sessions: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].VideoID < out[j].VideoID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Close drops every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*viewingSession)
	r.active = 0
	metrics.ActiveSessions.Set(0)
}
