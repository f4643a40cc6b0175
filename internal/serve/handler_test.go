package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/ingest"
	"github.com/gftdcojp/segment-delivery/internal/lifecycle"
	"github.com/gftdcojp/segment-delivery/internal/memory"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/preload"
	"github.com/gftdcojp/segment-delivery/internal/retrieval"
	"github.com/gftdcojp/segment-delivery/internal/segment"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/gftdcojp/segment-delivery/internal/shard/shardtest"
	"go.uber.org/zap"
)

type testStack struct {
	deps     Deps
	router   http.Handler
	backends []*shardtest.Backend
}

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, meta.Options{NoSync: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	metaStore := newTestMeta(t)
	pool, backends := shardtest.Pool(3, 1<<20)
	memCache, err := memory.NewStore(1<<20, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	retry := shard.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	sessions := session.NewRegistry(session.Options{IdleTimeout: time.Minute, ExpireTimeout: time.Hour}, zap.NewNop())
	svc := segment.New(metaStore, pool, retrieval.New(pool, metaStore, retry, zap.NewNop()), memCache, sessions,
		preload.Options{Enabled: false, BaseLookahead: 4, MinLookahead: 3, MaxLookahead: 12, MaxConcurrent: 2},
		zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	deps := Deps{
		Service: svc,
		Distributor: ingest.NewDistributor(pool, metaStore, ingest.Options{
			Mode: config.IngestBestEffort, Concurrency: 2, PersistAttempts: 2, Retry: retry,
			Invalidator: svc,
		}, zap.NewNop()),
		Lifecycle: lifecycle.NewManager(lifecycle.Config{
			Sessions: sessions, Scheduler: svc.Scheduler(), Meta: metaStore,
			Pool: pool, Cache: svc, Logger: zap.NewNop(),
		}),
		Meta:   metaStore,
		Pool:   pool,
		Logger: zap.NewNop(),
	}
	return &testStack{deps: deps, router: NewRouter(deps), backends: backends}
}

func (s *testStack) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("User-Agent", "handler-test")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testStack) upload(t *testing.T, video string, n int, mode string) *httptest.ResponseRecorder {
	t.Helper()
	req := uploadRequest{Mode: mode}
	for i := 0; i < n; i++ {
		req.Segments = append(req.Segments, uploadSegment{
			Name:     fmt.Sprintf("seg_%03d.ts", i),
			Data:     []byte(fmt.Sprintf("%s-%d", video, i)),
			Duration: 2,
		})
	}
	body, _ := json.Marshal(req)
	return s.do(t, http.MethodPost, "/v1/videos/"+video+"/segments", body)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHandler_Status(t *testing.T) {
	s := newTestStack(t)
	w := s.do(t, http.MethodGet, "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[map[string]interface{}](t, w)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
	if resp["shards"] != float64(3) {
		t.Errorf("expected 3 shards, got %v", resp["shards"])
	}
}

func TestHandler_UploadAndFetch(t *testing.T) {
	s := newTestStack(t)

	w := s.upload(t, "v1", 5, config.IngestStrict)
	if w.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode[ingest.Report](t, w)
	if report.Uploaded != 5 || report.Status != "active" {
		t.Fatalf("unexpected report %+v", report)
	}

	w = s.do(t, http.MethodGet, "/v1/segments/v1/seg_003.ts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "v1-3" {
		t.Errorf("body = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("content type = %q", ct)
	}
	if xc := w.Header().Get("X-Cache"); xc != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", xc)
	}

	w = s.do(t, http.MethodGet, "/v1/segments/v1/seg_003.ts", nil)
	if xc := w.Header().Get("X-Cache"); xc != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", xc)
	}
}

func TestHandler_SegmentNotFound(t *testing.T) {
	s := newTestStack(t)
	w := s.do(t, http.MethodGet, "/v1/segments/v1/nope.ts", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_DisabledShardReturns503(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 3, "")

	w := s.do(t, http.MethodPost, "/v1/shards/0/disable", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", w.Code)
	}
	if st := decode[map[string]interface{}](t, w); st["disabled"] != true {
		t.Errorf("expected disabled shard stats, got %v", st)
	}

	w = s.do(t, http.MethodGet, "/v1/segments/v1/seg_000.ts", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/v1/segments/v1/seg_001.ts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("other shards must keep serving, got %d", w.Code)
	}

	s.do(t, http.MethodPost, "/v1/shards/0/enable", nil)
	w = s.do(t, http.MethodGet, "/v1/segments/v1/seg_000.ts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after enable, got %d", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/v1/shards/9/disable", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown shard: expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/v1/shards/x/disable", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad shard id: expected 400, got %d", w.Code)
	}
}

func TestHandler_CacheEndpoints(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 6, "")
	s.upload(t, "v2", 2, "")

	for i := 0; i < 2; i++ {
		s.do(t, http.MethodGet, fmt.Sprintf("/v1/segments/v1/seg_%03d.ts", i), nil)
	}
	s.do(t, http.MethodGet, "/v1/segments/v2/seg_000.ts", nil)

	stats := decode[segment.Stats](t, s.do(t, http.MethodGet, "/v1/cache/stats", nil))
	if stats.Cache.Entries != 3 || stats.Cache.Misses != 3 {
		t.Errorf("unexpected cache stats %+v", stats.Cache)
	}
	if len(stats.Shards) != 3 {
		t.Errorf("expected 3 shard entries, got %d", len(stats.Shards))
	}

	body, _ := json.Marshal(preloadRequest{VideoID: "v1", StartIndex: 0, Count: 6})
	w := s.do(t, http.MethodPost, "/v1/cache/preload", body)
	if w.Code != http.StatusOK {
		t.Fatalf("preload: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]int](t, w)["scheduled"]; got != 4 {
		t.Errorf("expected 4 scheduled, got %d", got)
	}

	body, _ = json.Marshal(preloadRequest{VideoID: "missing", Count: 3})
	if w := s.do(t, http.MethodPost, "/v1/cache/preload", body); w.Code != http.StatusNotFound {
		t.Errorf("preload of unknown video: expected 404, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.deps.Service.Scheduler().InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	body, _ = json.Marshal(clearRequest{VideoID: "v2"})
	w = s.do(t, http.MethodPost, "/v1/cache/clear", body)
	if got := decode[map[string]int](t, w)["cleared"]; got != 1 {
		t.Errorf("expected 1 cleared for v2, got %d", got)
	}
	w = s.do(t, http.MethodPost, "/v1/cache/clear", nil)
	if got := decode[map[string]int](t, w)["cleared"]; got != 6 {
		t.Errorf("expected 6 cleared, got %d", got)
	}
}

func TestHandler_Videos(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 3, "")

	videos := decode[[]videoView](t, s.do(t, http.MethodGet, "/v1/videos", nil))
	if len(videos) != 1 || videos[0].SegmentCount != 3 || videos[0].TotalDuration != 6 {
		t.Fatalf("unexpected videos %+v", videos)
	}

	v := decode[videoView](t, s.do(t, http.MethodGet, "/v1/videos/v1", nil))
	if v.Policy != "round_robin" {
		t.Errorf("policy = %q", v.Policy)
	}

	segs := decode[[]segmentView](t, s.do(t, http.MethodGet, "/v1/videos/v1/segments", nil))
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, sv := range segs {
		if sv.Order != i || sv.ShardID != i {
			t.Errorf("segment %d: %+v", i, sv)
		}
	}

	if w := s.do(t, http.MethodGet, "/v1/videos/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/v1/videos/nope/segments", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_UploadFailures(t *testing.T) {
	s := newTestStack(t)
	s.backends[1].SetPutErr(func(string) error { return shard.Rejected(errors.New("quota")) })

	w := s.upload(t, "v1", 3, config.IngestStrict)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]interface{}](t, w)
	if resp["status"] != "error" || resp["error"] == "" {
		t.Errorf("unexpected response %v", resp)
	}

	if w := s.upload(t, "v2", 0, ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: expected 400, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/v1/videos/v3/segments", []byte("{")); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", w.Code)
	}
}

func TestHandler_UploadSingleSegment(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPut, "/v1/videos/clip/segments/a.m4s?order=0&duration=2.5", []byte("fragment"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	v := decode[videoView](t, s.do(t, http.MethodGet, "/v1/videos/clip", nil))
	if v.Policy != "content_hash" || v.TotalDuration != 2.5 {
		t.Errorf("unexpected video %+v", v)
	}

	w = s.do(t, http.MethodGet, "/v1/segments/clip/a.m4s", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "video/iso.segment" {
		t.Errorf("fetch: %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	if w := s.do(t, http.MethodPut, "/v1/videos/clip/segments/b.m4s", []byte("x")); w.Code != http.StatusBadRequest {
		t.Errorf("missing order: expected 400, got %d", w.Code)
	}

	body, _ := json.Marshal(uploadRequest{Segments: []uploadSegment{{Name: "x.ts", Data: []byte("x")}}})
	s.do(t, http.MethodPut, "/v1/videos/clip/segments/b.m4s?order=1", []byte("y"))
	if w := s.do(t, http.MethodPost, "/v1/videos/clip/segments", body); w.Code != http.StatusConflict {
		t.Errorf("mixing policies: expected 409, got %d", w.Code)
	}
}

func TestHandler_DeleteVideo(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 3, "")
	s.do(t, http.MethodGet, "/v1/segments/v1/seg_000.ts", nil)

	w := s.do(t, http.MethodDelete, "/v1/videos/v1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode[lifecycle.DeleteReport](t, w)
	if report.Records != 3 || report.ObjectsDeleted != 3 || report.CacheEntries != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	for i, b := range s.backends {
		if b.Len() != 0 {
			t.Errorf("shard %d still holds %d objects", i, b.Len())
		}
	}

	if w := s.do(t, http.MethodGet, "/v1/segments/v1/seg_000.ts", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/v1/videos/v1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestHandler_Popular(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 2, "")
	s.upload(t, "v2", 2, "")

	for _, ua := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/segments/v2/seg_000.ts", nil)
		req.Header.Set("User-Agent", ua)
		s.router.ServeHTTP(httptest.NewRecorder(), req)
	}
	s.do(t, http.MethodGet, "/v1/segments/v1/seg_000.ts", nil)

	popular := decode[[]session.VideoPopularity](t, s.do(t, http.MethodGet, "/v1/sessions/popular?n=1", nil))
	if len(popular) != 1 || popular[0].VideoID != "v2" || popular[0].Sessions != 2 {
		t.Errorf("unexpected popular %+v", popular)
	}
	if w := s.do(t, http.MethodGet, "/v1/sessions/popular?n=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestFingerprint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("User-Agent", "player/1.0")
	fp := Fingerprint(req)
	if len(fp) != 16 {
		t.Fatalf("fingerprint %q should be 16 hex chars", fp)
	}

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.1:6666"
	other.Header.Set("User-Agent", "player/1.0")
	if Fingerprint(other) != fp {
		t.Error("the client port must not change the fingerprint")
	}

	other.Header.Set("User-Agent", "player/2.0")
	if Fingerprint(other) == fp {
		t.Error("a different user agent must change the fingerprint")
	}

	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "abc"})
	if got := Fingerprint(req); got != "abc" {
		t.Errorf("cookie fingerprint = %q", got)
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"seg_000.ts":  "video/mp2t",
		"chunk.m4s":   "video/iso.segment",
		"init.mp4":    "video/mp4",
		"audio.AAC":   "audio/aac",
		"playlist.m3": "application/octet-stream",
		"noext":       "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
