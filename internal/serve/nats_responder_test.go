package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/segment"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startResponder(t *testing.T, s *testStack) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	baseSubs := ns.NumSubscriptions()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunNATSResponder(ctx, nc, config.NATSResponderConfig{SubjectPrefix: "test"}, s.deps.Service, s.deps.Logger)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait until the subscriptions reach the server.
	deadline := time.Now().Add(2 * time.Second)
	for ns.NumSubscriptions() < baseSubs+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return nc
}

func fetchMsg(video, segment string) *nats.Msg {
	msg := nats.NewMsg("test.fetch")
	if video != "" {
		msg.Header.Set(HeaderVideoID, video)
	}
	if segment != "" {
		msg.Header.Set(HeaderSegment, segment)
	}
	msg.Header.Set(HeaderFingerprint, "nats-viewer")
	return msg
}

func TestNATSResponder_Fetch(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 3, "")
	nc := startResponder(t, s)

	reply, err := nc.RequestMsg(fetchMsg("v1", "seg_001.ts"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := reply.Header.Get(HeaderStatus); got != "200" {
		t.Fatalf("status = %q, error = %q", got, reply.Header.Get(HeaderError))
	}
	if string(reply.Data) != "v1-1" {
		t.Errorf("body = %q", reply.Data)
	}
	if reply.Header.Get(HeaderCache) != "MISS" || reply.Header.Get(HeaderContentType) != "video/mp2t" {
		t.Errorf("unexpected headers %v", reply.Header)
	}

	reply, err = nc.RequestMsg(fetchMsg("v1", "seg_001.ts"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Header.Get(HeaderCache) != "HIT" {
		t.Errorf("second fetch should hit the cache, got %q", reply.Header.Get(HeaderCache))
	}
}

func TestNATSResponder_ConcurrentFetches(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 4, "")
	nc := startResponder(t, s)

	// Every backend read parks until released, so fetches only overlap if
	// the responder handles them concurrently.
	var entered atomic.Int64
	release := make(chan struct{})
	for _, b := range s.backends {
		b.SetGetErr(func(string) error {
			entered.Add(1)
			<-release
			return nil
		})
	}

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			name := fmt.Sprintf("seg_%03d.ts", i)
			reply, err := nc.RequestMsg(fetchMsg("v1", name), 5*time.Second)
			if err == nil && reply.Header.Get(HeaderStatus) != "200" {
				err = fmt.Errorf("%s: status %s: %s", name, reply.Header.Get(HeaderStatus), reply.Data)
			}
			errs <- err
		}(i)
	}

	deadline := time.Now().Add(3 * time.Second)
	for entered.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := entered.Load()
	close(release)
	if got < n {
		t.Fatalf("only %d of %d different-key fetches reached the backends together", got, n)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestNATSResponder_Errors(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 3, "")
	nc := startResponder(t, s)

	reply, err := nc.RequestMsg(fetchMsg("v1", "missing.ts"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.Header.Get(HeaderStatus); got != "404" {
		t.Errorf("missing segment status = %q", got)
	}

	reply, err = nc.RequestMsg(fetchMsg("v1", ""), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.Header.Get(HeaderStatus); got != "400" {
		t.Errorf("missing header status = %q", got)
	}

	sh, _ := s.deps.Pool.Shard(2)
	sh.SetDisabled(true)
	reply, err = nc.RequestMsg(fetchMsg("v1", "seg_002.ts"), 2*time.Second)
	if err != nil {
		t.Fatalf("an unavailable shard must still produce a reply: %v", err)
	}
	if got := reply.Header.Get(HeaderStatus); got != "503" {
		t.Errorf("unavailable shard status = %q", got)
	}
	if reply.Header.Get(HeaderError) == "" || len(reply.Data) == 0 {
		t.Error("error replies should carry the error text")
	}
}

func TestNATSResponder_Stats(t *testing.T) {
	s := newTestStack(t)
	s.upload(t, "v1", 2, "")
	s.do(t, "GET", "/v1/segments/v1/seg_000.ts", nil)
	nc := startResponder(t, s)

	reply, err := nc.Request("test.stats", nil, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var stats segment.Stats
	if err := json.Unmarshal(reply.Data, &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Cache.Entries != 1 || len(stats.Shards) != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
