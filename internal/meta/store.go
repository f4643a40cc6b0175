package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("meta: not found")
	ErrOrderConflict = errors.New("meta: order already taken by another segment")
)

// Store provides durable segment placement metadata.
type Store interface {
	PutSegment(ctx context.Context, rec SegmentRecord) error
	GetSegment(ctx context.Context, videoID, segment string) (*SegmentRecord, error)
	SegmentAt(ctx context.Context, videoID string, order int) (*SegmentRecord, error)
	ListSegments(ctx context.Context, videoID string) ([]SegmentRecord, error)
	DeleteVideo(ctx context.Context, videoID string) (int, error)

	PutVideo(ctx context.Context, v VideoEntry) error
	GetVideo(ctx context.Context, videoID string) (*VideoEntry, error)
	ListVideos(ctx context.Context) ([]VideoEntry, error)

	ShardUsage(ctx context.Context) (map[int]ShardUsage, error)

	Ping() error
	Close() error
}

// Options tunes the bolt database.
type Options struct {
	NoSync bool
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, opts Options, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = opts.NoSync

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketVideos, bucketSegments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if sys.Get(keySchemaVersion) == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureVideoBuckets(tx *bbolt.Tx, videoID string) (*bbolt.Bucket, error) {
	vb, err := tx.Bucket(bucketSegments).CreateBucketIfNotExists([]byte(videoID))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{subBucketRecords, subBucketOrderIndex} {
		if _, err := vb.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return vb, nil
}

func (s *BoltStore) getVideoBucket(tx *bbolt.Tx, videoID string) *bbolt.Bucket {
	segments := tx.Bucket(bucketSegments)
	if segments == nil {
		return nil
	}
	return segments.Bucket([]byte(videoID))
}

func encode[T any](v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PutSegment writes rec, replacing any previous record for the same key.
func (s *BoltStore) PutSegment(_ context.Context, rec SegmentRecord) error {
	if rec.VideoID == "" || rec.SegmentName == "" {
		return fmt.Errorf("segment record requires video id and segment name")
	}
	if rec.Order < 0 {
		return fmt.Errorf("segment %s/%s has negative order %d", rec.VideoID, rec.SegmentName, rec.Order)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		vb, err := s.ensureVideoBuckets(tx, rec.VideoID)
		if err != nil {
			return err
		}
		records := vb.Bucket(subBucketRecords)
		orderIdx := vb.Bucket(subBucketOrderIndex)

		if owner := orderIdx.Get(orderKey(rec.Order)); owner != nil && string(owner) != rec.SegmentName {
			return fmt.Errorf("%w: %s/%d is %s", ErrOrderConflict, rec.VideoID, rec.Order, owner)
		}

		if raw := records.Get([]byte(rec.SegmentName)); raw != nil {
			prev, err := decode[SegmentRecord](raw)
			if err != nil {
				return err
			}
			if prev.Order != rec.Order {
				if err := orderIdx.Delete(orderKey(prev.Order)); err != nil {
					return err
				}
			}
		}

		data, err := encode(&rec)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(rec.SegmentName), data); err != nil {
			return err
		}
		return orderIdx.Put(orderKey(rec.Order), []byte(rec.SegmentName))
	})
}

func (s *BoltStore) GetSegment(_ context.Context, videoID, segment string) (*SegmentRecord, error) {
	var rec *SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		vb := s.getVideoBucket(tx, videoID)
		if vb == nil {
			return fmt.Errorf("%w: video %q", ErrNotFound, videoID)
		}
		raw := vb.Bucket(subBucketRecords).Get([]byte(segment))
		if raw == nil {
			return fmt.Errorf("%w: segment %s/%s", ErrNotFound, videoID, segment)
		}
		var err error
		rec, err = decode[SegmentRecord](raw)
		return err
	})
	return rec, err
}

func (s *BoltStore) SegmentAt(_ context.Context, videoID string, order int) (*SegmentRecord, error) {
	if order < 0 {
		return nil, fmt.Errorf("%w: %s at order %d", ErrNotFound, videoID, order)
	}
	var rec *SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		vb := s.getVideoBucket(tx, videoID)
		if vb == nil {
			return fmt.Errorf("%w: video %q", ErrNotFound, videoID)
		}
		name := vb.Bucket(subBucketOrderIndex).Get(orderKey(order))
		if name == nil {
			return fmt.Errorf("%w: %s at order %d", ErrNotFound, videoID, order)
		}
		raw := vb.Bucket(subBucketRecords).Get(name)
		if raw == nil {
			return fmt.Errorf("%w: order index of %s points at missing segment %s", ErrNotFound, videoID, name)
		}
		var err error
		rec, err = decode[SegmentRecord](raw)
		return err
	})
	return rec, err
}

// ListSegments returns the records of a video ascending by order.
func (s *BoltStore) ListSegments(_ context.Context, videoID string) ([]SegmentRecord, error) {
	var recs []SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		vb := s.getVideoBucket(tx, videoID)
		if vb == nil {
			return nil
		}
		records := vb.Bucket(subBucketRecords)
		c := vb.Bucket(subBucketOrderIndex).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw := records.Get(v)
			if raw == nil {
				continue
			}
			rec, err := decode[SegmentRecord](raw)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return nil
	})
	return recs, err
}

// DeleteVideo removes a video's records, order index and entry.
func (s *BoltStore) DeleteVideo(_ context.Context, videoID string) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if vb := s.getVideoBucket(tx, videoID); vb != nil {
			n = vb.Bucket(subBucketRecords).Stats().KeyN
			if err := tx.Bucket(bucketSegments).DeleteBucket([]byte(videoID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketVideos).Delete([]byte(videoID))
	})
	if err == nil {
		s.logger.Info("video metadata deleted", zap.String("video_id", videoID), zap.Int("segments", n))
	}
	return n, err
}

func (s *BoltStore) PutVideo(_ context.Context, v VideoEntry) error {
	if v.VideoID == "" {
		return fmt.Errorf("video entry requires video id")
	}
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encode(&v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVideos).Put([]byte(v.VideoID), data)
	})
}

func (s *BoltStore) GetVideo(_ context.Context, videoID string) (*VideoEntry, error) {
	var v *VideoEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketVideos).Get([]byte(videoID))
		if raw == nil {
			return fmt.Errorf("%w: video %q", ErrNotFound, videoID)
		}
		var err error
		v, err = decode[VideoEntry](raw)
		return err
	})
	return v, err
}

func (s *BoltStore) ListVideos(_ context.Context) ([]VideoEntry, error) {
	var videos []VideoEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, raw []byte) error {
			v, err := decode[VideoEntry](raw)
			if err != nil {
				return err
			}
			videos = append(videos, *v)
			return nil
		})
	})
	sort.Slice(videos, func(i, j int) bool { return videos[i].CreatedAt.Before(videos[j].CreatedAt) })
	return videos, err
}

// ShardUsage counts records and bytes per owning shard.
func (s *BoltStore) ShardUsage(_ context.Context) (map[int]ShardUsage, error) {
	usage := make(map[int]ShardUsage)
	err := s.db.View(func(tx *bbolt.Tx) error {
		segments := tx.Bucket(bucketSegments)
		return segments.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			records := segments.Bucket(k).Bucket(subBucketRecords)
			if records == nil {
				return nil
			}
			return records.ForEach(func(_, raw []byte) error {
				rec, err := decode[SegmentRecord](raw)
				if err != nil {
					return err
				}
				u := usage[rec.ShardID]
				u.Segments++
				u.Bytes += rec.Size
				usage[rec.ShardID] = u
				return nil
			})
		})
	})
	return usage, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
