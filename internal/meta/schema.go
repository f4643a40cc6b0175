package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketVideos     = []byte("videos")
	bucketSegments   = []byte("segments")
	keySchemaVersion = []byte("schema_version")

	// Per-video sub-buckets under bucketSegments.
	subBucketRecords = []byte("records")

	// Schema v2: order index, order -> segment name.
	subBucketOrderIndex = []byte("order_index")
)

const currentSchemaVersion = 2

// SegmentRecord locates one stored segment. ShardID never changes for the
// lifetime of a record; re-uploading replaces the record as a whole.
type SegmentRecord struct {
	VideoID     string
	SegmentName string
	Order       int
	Duration    time.Duration
	Size        int64
	ShardID     int
	Handle      string
	CreatedAt   time.Time
}

// VideoEntry tracks ingestion state and the placement policy of a video.
type VideoEntry struct {
	VideoID       string
	Status        types.VideoStatus
	Policy        types.AssignmentPolicy
	SegmentCount  int
	TotalSize     int64
	TotalDuration time.Duration
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShardUsage summarizes the records owned by one shard.
type ShardUsage struct {
	Segments int64
	Bytes    int64
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func orderKey(order int) []byte {
	return uint64ToBytes(uint64(order))
}
