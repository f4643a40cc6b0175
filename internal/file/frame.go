package file

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// FrameMagic identifies a cached segment file.
	FrameMagic = uint32(0x53454743) // "SEGC"

	frameVersion = 1

	// FrameHeaderSize: [4 magic][4 version][8 payload_len]
	FrameHeaderSize = 16

	// ChecksumSize is the trailing CRC32 of header and payload.
	ChecksumSize = 4
)

// frameSize is the on-disk size of a frame holding n payload bytes.
func frameSize(n int64) int64 {
	return FrameHeaderSize + n + ChecksumSize
}

// encodeFrame wraps payload in the segment file format and returns the frame
// together with its checksum.
func encodeFrame(payload []byte) ([]byte, uint32) {
	buf := make([]byte, frameSize(int64(len(payload))))
	binary.BigEndian.PutUint32(buf[0:4], FrameMagic)
	binary.BigEndian.PutUint32(buf[4:8], frameVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(payload)))
	copy(buf[FrameHeaderSize:], payload)

	end := FrameHeaderSize + len(payload)
	crc := crc32.ChecksumIEEE(buf[:end])
	binary.BigEndian.PutUint32(buf[end:], crc)
	return buf, crc
}

// decodeFrame validates raw and returns the payload it carries.
func decodeFrame(raw []byte) ([]byte, uint32, error) {
	if len(raw) < FrameHeaderSize+ChecksumSize {
		return nil, 0, fmt.Errorf("frame too small: %d bytes", len(raw))
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != FrameMagic {
		return nil, 0, fmt.Errorf("invalid frame magic: 0x%08X", magic)
	}

	version := binary.BigEndian.Uint32(raw[4:8])
	if version != frameVersion {
		return nil, 0, fmt.Errorf("unsupported frame version: %d", version)
	}

	n := binary.BigEndian.Uint64(raw[8:16])
	if uint64(len(raw)) != uint64(FrameHeaderSize+ChecksumSize)+n {
		return nil, 0, fmt.Errorf("frame length mismatch: header says %d payload bytes, file has %d", n, len(raw)-FrameHeaderSize-ChecksumSize)
	}

	end := FrameHeaderSize + int(n)
	expected := binary.BigEndian.Uint32(raw[end:])
	actual := crc32.ChecksumIEEE(raw[:end])
	if expected != actual {
		return nil, 0, fmt.Errorf("checksum mismatch: expected 0x%08X, got 0x%08X", expected, actual)
	}
	return raw[FrameHeaderSize:end], actual, nil
}
