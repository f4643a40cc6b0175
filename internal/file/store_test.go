package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"go.uber.org/zap"
)

func newTestFileStore(t *testing.T, dir string, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(Options{Dir: dir, MaxBytes: maxBytes, NoSync: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func key(video, seg string) cache.Key { return cache.Key{VideoID: video, Segment: seg} }

func segFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "segments"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	store := newTestFileStore(t, dir, 1<<20)
	defer store.Close()
	ctx := context.Background()

	payload := []byte("mpeg-ts payload")
	if _, err := store.Put(ctx, key("v1", "seg_000.ts"), payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := store.Get(ctx, key("v1", "seg_000.ts"))
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
	if _, ok := store.Get(ctx, key("v1", "seg_001.ts")); ok {
		t.Error("expected miss")
	}

	files := segFiles(t, dir)
	if len(files) != 1 || files[0] != fileName(key("v1", "seg_000.ts")) {
		t.Errorf("segment files = %v", files)
	}

	st := store.Stats()
	if st.Type != "disk" || st.Entries != 1 || st.SizeBytes != int64(len(payload)) || st.Hits != 1 || st.Misses != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFileStore_EvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	store := newTestFileStore(t, dir, 10)
	defer store.Close()
	ctx := context.Background()

	store.Put(ctx, key("v", "a"), []byte("aaaa"))
	store.Put(ctx, key("v", "b"), []byte("bbbb"))
	store.Get(ctx, key("v", "a"))

	evicted, err := store.Put(ctx, key("v", "c"), []byte("cccc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != key("v", "b") {
		t.Fatalf("evicted %v, want [v_b]", evicted)
	}
	if _, err := os.Stat(store.path(fileName(key("v", "b")))); !os.IsNotExist(err) {
		t.Error("evicted file still on disk")
	}
	if len(segFiles(t, dir)) != 2 {
		t.Errorf("segment files = %v", segFiles(t, dir))
	}

	_, err = store.Put(ctx, key("v", "big"), make([]byte, 11))
	if !errors.Is(err, cache.ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestFileStore_RestartPreservesEntriesAndRecency(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newTestFileStore(t, dir, 12)
	store.Put(ctx, key("v", "a"), []byte("aaaa"))
	store.Put(ctx, key("v", "b"), []byte("bbbb"))
	store.Put(ctx, key("v", "c"), []byte("cccc"))
	store.Get(ctx, key("v", "a"))
	store.Close()

	store = newTestFileStore(t, dir, 12)
	defer store.Close()

	for _, k := range []cache.Key{key("v", "a"), key("v", "b"), key("v", "c")} {
		if !store.Contains(k) {
			t.Errorf("%s lost across restart", k)
		}
	}
	// a was read last, so b is now the oldest.
	evicted, _ := store.Put(ctx, key("v", "d"), []byte("dddd"))
	if len(evicted) != 1 || evicted[0] != key("v", "b") {
		t.Errorf("evicted %v after restart, want [v_b]", evicted)
	}
}

func TestFileStore_RestartDropsEntryWithDeletedFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newTestFileStore(t, dir, 1<<20)
	store.Put(ctx, key("v", "a"), []byte("aaaa"))
	store.Put(ctx, key("v", "b"), []byte("bbbb"))
	store.Close()

	if err := os.Remove(filepath.Join(dir, "segments", fileName(key("v", "a")))); err != nil {
		t.Fatal(err)
	}
	// An orphan file with no index row.
	orphan := filepath.Join(dir, "segments", "deadbeef.seg")
	if err := os.WriteFile(orphan, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	store = newTestFileStore(t, dir, 1<<20)
	defer store.Close()

	if store.Contains(key("v", "a")) {
		t.Error("entry with deleted file survived reconciliation")
	}
	if _, ok := store.Get(ctx, key("v", "b")); !ok {
		t.Error("intact entry lost")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan file not deleted")
	}
	if st := store.Stats(); st.Entries != 1 || st.SizeBytes != 4 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFileStore_RestartWithSmallerBudgetEvicts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newTestFileStore(t, dir, 100)
	for i := 0; i < 5; i++ {
		store.Put(ctx, key("v", fmt.Sprint(i)), []byte("xxxx"))
	}
	store.Close()

	store = newTestFileStore(t, dir, 8)
	defer store.Close()
	st := store.Stats()
	if st.Entries != 2 || st.SizeBytes != 8 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !store.Contains(key("v", "3")) || !store.Contains(key("v", "4")) {
		t.Error("newest entries should survive")
	}
	if len(segFiles(t, dir)) != 2 {
		t.Errorf("segment files = %v", segFiles(t, dir))
	}
}

func TestFileStore_CorruptionIsEvictedMiss(t *testing.T) {
	dir := t.TempDir()
	store := newTestFileStore(t, dir, 1<<20)
	defer store.Close()
	ctx := context.Background()

	store.Put(ctx, key("v", "a"), []byte("aaaaaaaa"))

	path := store.path(fileName(key("v", "a")))
	raw, _ := os.ReadFile(path)
	raw[FrameHeaderSize] ^= 0xFF
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Get(ctx, key("v", "a")); ok {
		t.Fatal("corrupted entry served")
	}
	if store.Contains(key("v", "a")) {
		t.Error("corrupted entry not evicted")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupted file not removed")
	}
	st := store.Stats()
	if st.Corrupted != 1 || st.Misses != 1 || st.Entries != 0 || st.SizeBytes != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFileStore_RemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	store := newTestFileStore(t, dir, 1<<20)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Put(ctx, key("v1", fmt.Sprint(i)), []byte("x"))
		store.Put(ctx, key("v2", fmt.Sprint(i)), []byte("y"))
	}

	if !store.Remove(ctx, key("v2", "0")) || store.Remove(ctx, key("v2", "0")) {
		t.Error("Remove should report presence")
	}
	if n := store.Clear(ctx, "v1"); n != 3 {
		t.Errorf("Clear(v1) = %d, want 3", n)
	}
	if len(segFiles(t, dir)) != 2 {
		t.Errorf("segment files = %v", segFiles(t, dir))
	}
	store.Close()

	// Cleared rows stay gone after a restart.
	store = newTestFileStore(t, dir, 1<<20)
	defer store.Close()
	if st := store.Stats(); st.Entries != 2 {
		t.Errorf("entries after restart = %d, want 2", st.Entries)
	}
	if n := store.Clear(ctx, ""); n != 2 {
		t.Errorf("Clear(all) = %d, want 2", n)
	}
	if len(segFiles(t, dir)) != 0 {
		t.Errorf("segment files = %v", segFiles(t, dir))
	}
}

func TestFileStore_ConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	store := newTestFileStore(t, dir, 4096)
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := key("v", fmt.Sprint((g*7+i)%20))
				if i%3 == 0 {
					store.Put(ctx, k, bytes.Repeat([]byte{byte(g)}, 200))
				} else {
					store.Get(ctx, k)
				}
			}
		}(g)
	}
	wg.Wait()

	if st := store.Stats(); st.SizeBytes > 4096 {
		t.Errorf("size %d over budget", st.SizeBytes)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frame, crc := encodeFrame([]byte("hello"))
	if int64(len(frame)) != frameSize(5) {
		t.Fatalf("frame size %d", len(frame))
	}
	got, gotCRC, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" || gotCRC != crc {
		t.Errorf("got %q crc %x", got, gotCRC)
	}

	if _, _, err := decodeFrame(frame[:len(frame)-1]); err == nil {
		t.Error("truncated frame accepted")
	}
	bad := append([]byte(nil), frame...)
	bad[0] = 0
	if _, _, err := decodeFrame(bad); err == nil {
		t.Error("bad magic accepted")
	}
}
