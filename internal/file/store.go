package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/hashicorp/golang-lru/simplelru"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	typeName   = "disk"
	segmentExt = ".seg"
)

var bucketEntries = []byte("entries")

// Options configures the disk cache.
type Options struct {
	Dir      string
	MaxBytes int64
	NoSync   bool
}

// indexEntry is the persisted metadata of one cached segment.
type indexEntry struct {
	VideoID      string
	Segment      string
	File         string
	Size         int64
	Checksum     uint32
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// Store implements cache.Cache with one framed file per segment under
// <dir>/segments and a bbolt index at <dir>/index.db.
type Store struct {
	mu         sync.Mutex
	dir        string
	segDir     string
	db         *bbolt.DB
	lru        *simplelru.LRU // cache.Key -> *indexEntry, oldest first
	totalBytes int64
	maxBytes   int64
	counters   cache.Counters
	logger     *zap.Logger
}

var _ cache.Cache = (*Store)(nil)

// NewStore opens the cache directory and reconciles the index with the files
// on disk before serving.
func NewStore(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("disk cache requires a directory")
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("disk cache budget must be positive, got %d", opts.MaxBytes)
	}
	segDir := filepath.Join(opts.Dir, "segments")
	if err := os.MkdirAll(segDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", segDir, err)
	}

	db, err := bbolt.Open(filepath.Join(opts.Dir, "index.db"), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	db.NoSync = opts.NoSync
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		dir:      opts.Dir,
		segDir:   segDir,
		db:       db,
		lru:      lru,
		maxBytes: opts.MaxBytes,
		logger:   logger,
	}
	if err := s.reconcile(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconciling disk cache: %w", err)
	}
	return s, nil
}

func dbKey(key cache.Key) []byte {
	return []byte(key.VideoID + "\x00" + key.Segment)
}

func fileName(key cache.Key) string {
	sum := sha256.Sum256(dbKey(key))
	return hex.EncodeToString(sum[:]) + segmentExt
}

func (s *Store) path(name string) string {
	return filepath.Join(s.segDir, name)
}

// reconcile drops index rows without a matching file, deletes files without
// an index row, then rebuilds recency order from the persisted access stamps.
func (s *Store) reconcile() error {
	var (
		live    []*indexEntry
		stale   [][]byte
		indexed = make(map[string]bool)
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, raw []byte) error {
			e, err := decodeEntry(raw)
			if err != nil {
				s.logger.Warn("dropping undecodable cache index entry", zap.ByteString("key", k), zap.Error(err))
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			info, err := os.Stat(s.path(e.File))
			if err != nil || info.Size() != frameSize(e.Size) {
				s.logger.Warn("dropping cache index entry without matching file",
					zap.String("video_id", e.VideoID),
					zap.String("segment", e.Segment),
				)
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			indexed[e.File] = true
			live = append(live, e)
			return nil
		})
	})
	if err != nil {
		return err
	}

	files, err := os.ReadDir(s.segDir)
	if err != nil {
		return err
	}
	orphans := 0
	for _, f := range files {
		if f.IsDir() || indexed[f.Name()] {
			continue
		}
		if err := os.Remove(s.path(f.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
		orphans++
	}

	sort.SliceStable(live, func(i, j int) bool { return live[i].LastAccessed.Before(live[j].LastAccessed) })
	for _, e := range live {
		s.lru.Add(cache.Key{VideoID: e.VideoID, Segment: e.Segment}, e)
		s.totalBytes += e.Size
	}

	// The budget may have shrunk since the last run.
	var evicted []cache.Key
	for s.totalBytes > s.maxBytes && s.lru.Len() > 0 {
		k, v, _ := s.lru.RemoveOldest()
		e := v.(*indexEntry)
		os.Remove(s.path(e.File))
		s.totalBytes -= e.Size
		evicted = append(evicted, k.(cache.Key))
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range evicted {
			if err := b.Delete(dbKey(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.counters.Evicted(len(evicted))
	s.updateGauges()
	s.logger.Info("disk cache loaded",
		zap.Int("entries", s.lru.Len()),
		zap.Int64("bytes", s.totalBytes),
		zap.Int("stale_index_entries", len(stale)),
		zap.Int("orphan_files", orphans),
		zap.Int("evicted", len(evicted)),
	)
	return nil
}

func (s *Store) Get(_ context.Context, key cache.Key) ([]byte, bool) {
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	if !ok {
		s.mu.Unlock()
		s.miss()
		return nil, false
	}
	e := v.(*indexEntry)

	data, err := s.read(e)
	if err != nil {
		s.logger.Warn("corrupted cache entry evicted",
			zap.Stringer("key", key),
			zap.String("file", e.File),
			zap.Error(err),
		)
		s.removeLocked(key, e)
		s.mu.Unlock()
		s.counters.Corrupt()
		metrics.CacheCorruptions.WithLabelValues(typeName).Inc()
		s.miss()
		return nil, false
	}

	e.LastAccessed = time.Now()
	e.AccessCount++
	stamp := *e
	s.mu.Unlock()

	s.counters.Hit()
	metrics.CacheRequests.WithLabelValues(typeName, "hit").Inc()
	s.persistAccess(key, stamp)
	return data, true
}

func (s *Store) read(e *indexEntry) ([]byte, error) {
	raw, err := os.ReadFile(s.path(e.File))
	if err != nil {
		return nil, err
	}
	data, crc, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if crc != e.Checksum || int64(len(data)) != e.Size {
		return nil, fmt.Errorf("frame does not match index entry")
	}
	return data, nil
}

// persistAccess records an access stamp through db.Batch. Rows replaced or
// removed since the read are left alone.
func (s *Store) persistAccess(key cache.Key, stamp indexEntry) {
	err := s.db.Batch(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get(dbKey(key))
		if raw == nil {
			return nil
		}
		cur, err := decodeEntry(raw)
		if err != nil || !cur.CreatedAt.Equal(stamp.CreatedAt) {
			return nil
		}
		cur.LastAccessed = stamp.LastAccessed
		cur.AccessCount = stamp.AccessCount
		data, err := encodeEntry(cur)
		if err != nil {
			return err
		}
		return b.Put(dbKey(key), data)
	})
	if err != nil {
		s.logger.Debug("persisting cache access stamp failed", zap.Stringer("key", key), zap.Error(err))
	}
}

func (s *Store) Contains(key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(key)
}

func (s *Store) Put(_ context.Context, key cache.Key, data []byte) ([]cache.Key, error) {
	size := int64(len(data))
	if size > s.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, budget %d", cache.ErrTooLarge, key, size, s.maxBytes)
	}

	frame, crc := encodeFrame(data)
	name := fileName(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(name, frame); err != nil {
		return nil, err
	}

	if v, ok := s.lru.Peek(key); ok {
		s.totalBytes -= v.(*indexEntry).Size
		s.lru.Remove(key)
	}

	var evicted []*indexEntry
	for s.totalBytes+size > s.maxBytes && s.lru.Len() > 0 {
		_, v, _ := s.lru.RemoveOldest()
		e := v.(*indexEntry)
		os.Remove(s.path(e.File))
		s.totalBytes -= e.Size
		evicted = append(evicted, e)
	}

	now := time.Now()
	e := &indexEntry{
		VideoID:      key.VideoID,
		Segment:      key.Segment,
		File:         name,
		Size:         size,
		Checksum:     crc,
		CreatedAt:    now,
		LastAccessed: now,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, ev := range evicted {
			if err := b.Delete(dbKey(cache.Key{VideoID: ev.VideoID, Segment: ev.Segment})); err != nil {
				return err
			}
		}
		raw, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return b.Put(dbKey(key), raw)
	})

	evictedKeys := make([]cache.Key, 0, len(evicted))
	for _, ev := range evicted {
		evictedKeys = append(evictedKeys, cache.Key{VideoID: ev.VideoID, Segment: ev.Segment})
	}
	if n := len(evicted); n > 0 {
		s.counters.Evicted(n)
		metrics.CacheEvictions.WithLabelValues(typeName).Add(float64(n))
	}

	if err != nil {
		os.Remove(s.path(name))
		s.updateGauges()
		return evictedKeys, fmt.Errorf("indexing cached segment %s: %w", key, err)
	}

	s.lru.Add(key, e)
	s.totalBytes += size
	s.updateGauges()

	s.logger.Debug("segment cached on disk",
		zap.Stringer("key", key),
		zap.Int64("size", size),
		zap.Int64("total_bytes", s.totalBytes),
	)
	return evictedKeys, nil
}

// writeFile writes through a temp file and renames it into place.
func (s *Store) writeFile(name string, frame []byte) error {
	tmp, err := os.CreateTemp(s.segDir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming cache file: %w", err)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Peek(key)
	if !ok {
		return false
	}
	s.removeLocked(key, v.(*indexEntry))
	return true
}

func (s *Store) removeLocked(key cache.Key, e *indexEntry) {
	s.lru.Remove(key)
	s.totalBytes -= e.Size
	if err := os.Remove(s.path(e.File)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing cache file", zap.String("file", e.File), zap.Error(err))
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(dbKey(key))
	}); err != nil {
		s.logger.Warn("removing cache index entry", zap.Stringer("key", key), zap.Error(err))
	}
	s.updateGauges()
}

func (s *Store) Clear(_ context.Context, videoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []cache.Key
	for _, k := range s.lru.Keys() {
		key := k.(cache.Key)
		if videoID == "" || key.VideoID == videoID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		v, _ := s.lru.Peek(key)
		e := v.(*indexEntry)
		os.Remove(s.path(e.File))
		s.totalBytes -= e.Size
		s.lru.Remove(key)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, key := range keys {
			if err := b.Delete(dbKey(key)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.logger.Warn("clearing cache index", zap.String("video_id", videoID), zap.Error(err))
	}
	s.updateGauges()

	s.logger.Info("disk cache cleared", zap.String("video_id", videoID), zap.Int("entries", len(keys)))
	return len(keys)
}

func (s *Store) Stats() cache.Stats {
	s.mu.Lock()
	st := cache.Stats{
		Type:      typeName,
		Entries:   s.lru.Len(),
		SizeBytes: s.totalBytes,
		MaxBytes:  s.maxBytes,
	}
	s.mu.Unlock()
	s.counters.Fill(&st)
	return st
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) miss() {
	s.counters.Miss()
	metrics.CacheRequests.WithLabelValues(typeName, "miss").Inc()
}

func (s *Store) updateGauges() {
	metrics.CacheBytes.WithLabelValues(typeName).Set(float64(s.totalBytes))
	metrics.CacheEntries.WithLabelValues(typeName).Set(float64(s.lru.Len()))
}

func encodeEntry(e *indexEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*indexEntry, error) {
	var e indexEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return nil, err
	}
	if e.File == "" || strings.ContainsAny(e.File, `/\`) {
		return nil, fmt.Errorf("invalid file name %q", e.File)
	}
	return &e, nil
}
