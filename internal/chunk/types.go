package chunk

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chunkIDEncoding is base32hex (RFC 4648) lowercase without padding.
// Alphabet 0-9a-v preserves lexicographic sort order.
var chunkIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ChunkID uniquely identifies a snapshot chunk.
// It is a UUIDv7 (16 bytes) whose string representation is 26-char lowercase
// base32hex, lexicographically sortable by creation time.
type ChunkID [16]byte

// NewChunkID creates a ChunkID from a new UUIDv7.
// UUIDv7 embeds a millisecond timestamp and guarantees monotonically increasing IDs.
func NewChunkID() ChunkID {
	return ChunkID(uuid.Must(uuid.NewV7()))
}

// ParseChunkID parses a 26-character base32hex string into a ChunkID.
func ParseChunkID(value string) (ChunkID, error) {
	if len(value) != 26 {
		return ChunkID{}, fmt.Errorf("invalid chunk ID length: %d (want 26)", len(value))
	}
	// base32hex decode expects uppercase
	decoded, err := chunkIDEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ChunkID{}, fmt.Errorf("invalid chunk ID: %w", err)
	}
	var id ChunkID
	copy(id[:], decoded)
	return id, nil
}

// String returns the 26-character lowercase base32hex representation.
func (id ChunkID) String() string {
	return strings.ToLower(chunkIDEncoding.EncodeToString(id[:]))
}

// Time returns the creation time encoded in the UUIDv7 ChunkID.
// UUIDv7 stores millisecond Unix timestamp in bytes 0-5 (48 bits, big-endian).
func (id ChunkID) Time() time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms)
}
