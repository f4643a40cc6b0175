package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 builds the order index of every video from its records.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if segments := tx.Bucket(bucketSegments); segments != nil {
			// Collect first; buckets must not change under ForEach.
			var videos [][]byte
			segments.ForEach(func(k, v []byte) error {
				if v == nil {
					videos = append(videos, append([]byte(nil), k...))
				}
				return nil
			})
			for _, video := range videos {
				if err := s.backfillOrderIndex(segments.Bucket(video), video); err != nil {
					return err
				}
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}

func (s *BoltStore) backfillOrderIndex(vb *bbolt.Bucket, video []byte) error {
	records := vb.Bucket(subBucketRecords)
	if records == nil {
		return nil
	}
	type entry struct {
		name  []byte
		order int
	}
	var entries []entry
	err := records.ForEach(func(name, raw []byte) error {
		rec, err := decode[SegmentRecord](raw)
		if err != nil {
			return fmt.Errorf("decoding %s/%s: %w", video, name, err)
		}
		entries = append(entries, entry{name: append([]byte(nil), name...), order: rec.Order})
		return nil
	})
	if err != nil {
		return err
	}

	orderIdx, err := vb.CreateBucketIfNotExists(subBucketOrderIndex)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if owner := orderIdx.Get(orderKey(e.order)); owner != nil && string(owner) != string(e.name) {
			s.logger.Warn("duplicate segment order during migration, keeping first",
				zap.ByteString("video_id", video),
				zap.ByteString("segment", e.name),
				zap.Int("order", e.order),
			)
			continue
		}
		if err := orderIdx.Put(orderKey(e.order), e.name); err != nil {
			return err
		}
	}
	return nil
}
