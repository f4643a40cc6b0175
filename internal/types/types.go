package types

// VideoStatus is the ingestion state of a video.
type VideoStatus string

const (
	VideoProcessing VideoStatus = "processing"
	VideoActive     VideoStatus = "active"
	VideoError      VideoStatus = "error"
)

// AssignmentPolicy identifies how a video's segments were placed on shards.
// A video is placed with exactly one policy for its lifetime.
type AssignmentPolicy string

const (
	PolicyRoundRobin  AssignmentPolicy = "round_robin"
	PolicyContentHash AssignmentPolicy = "content_hash"
)

func (p AssignmentPolicy) Valid() bool {
	return p == PolicyRoundRobin || p == PolicyContentHash
}

// ShardStats reports activity for a single shard.
type ShardStats struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	Healthy       bool   `json:"healthy"`
	Disabled      bool   `json:"disabled"`
	MaxFileSize   int64  `json:"max_file_size"`
	Uploads       int64  `json:"uploads"`
	Downloads     int64  `json:"downloads"`
	Failures      int64  `json:"failures"`
	BytesUp       int64  `json:"bytes_up"`
	BytesDown     int64  `json:"bytes_down"`
	Segments      int64  `json:"segments"`
	SegmentsBytes int64  `json:"segments_bytes"`
}
