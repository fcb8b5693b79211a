// Package codec implements the chunk payload wire format: encoding a
// series.Series index/value pair to a compressed byte string and back,
// preserving type exactly.
//
// Layout: zlib( be_u32(index_len_bytes) ‖ index_bytes ‖ values_bytes ).
// index_bytes is little-endian int64 nanoseconds-since-epoch, one per
// entry. values_bytes is little-endian float64 for KindFloat, or
// NUL-separated UTF-8 with ETX (0x03) marking a standalone null for
// KindText. A decoder round-trips this exactly; it is what gets stored
// in the chunk column of a series' ns."snapshot_<table>" table.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zlib"

	"tshgo/internal/series"
)

const (
	textSeparator = 0x00
	textNull      = 0x03
)

var (
	// ErrInvariant is returned when a string value carries a reserved byte
	// (0x00 or 0x03), which would corrupt the wire format on encode.
	ErrInvariant = errors.New("codec: value contains reserved separator byte")
	// ErrCorrupt is returned when decoding fails: the zlib stream is
	// malformed, the length prefix overruns the payload, or the element
	// count implied by the remaining bytes does not divide evenly.
	ErrCorrupt = errors.New("codec: payload is corrupt")
)

// Encode compresses s's index and values into the bit-exact wire format.
// s must already be sorted and null-free for float series (a stored
// snapshot chunk never carries nulls; diffs do, but diffs are patched
// onto a base before being handed to Encode).
func Encode(s series.Series) ([]byte, error) {
	indexBytes := make([]byte, 8*len(s.Index))
	for i, v := range s.Index {
		binary.LittleEndian.PutUint64(indexBytes[i*8:], uint64(v))
	}

	valueBytes, err := encodeValues(s)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(indexBytes)))

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(prefix[:]); err != nil {
		return nil, fmt.Errorf("codec: write length prefix: %w", err)
	}
	if _, err := zw.Write(indexBytes); err != nil {
		return nil, fmt.Errorf("codec: write index: %w", err)
	}
	if _, err := zw.Write(valueBytes); err != nil {
		return nil, fmt.Errorf("codec: write values: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: close zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeValues(s series.Series) ([]byte, error) {
	switch s.Kind {
	case series.KindFloat:
		out := make([]byte, 8*len(s.Floats))
		for i, v := range s.Floats {
			if i < len(s.Valid) && !s.Valid[i] {
				return nil, fmt.Errorf("%w: null float at index %d", ErrInvariant, i)
			}
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out, nil
	case series.KindText:
		var out []byte
		for i, t := range s.Texts {
			if i > 0 {
				out = append(out, textSeparator)
			}
			if t == nil {
				out = append(out, textNull)
				continue
			}
			if strings.IndexByte(*t, textSeparator) >= 0 || strings.IndexByte(*t, textNull) >= 0 {
				return nil, fmt.Errorf("%w: %q", ErrInvariant, *t)
			}
			out = append(out, *t...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %v", s.Kind)
	}
}

// Decode decompresses a wire-format payload back into a Series of the
// given kind and name. tzaware does not change the stored nanoseconds
// (always UTC-naive on the wire); it is carried by the caller as
// registry metadata and applied, if at all, above this layer.
func Decode(name string, kind series.Kind, payload []byte) (series.Series, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return series.Series{}, fmt.Errorf("%w: zlib open: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return series.Series{}, fmt.Errorf("%w: zlib read: %v", ErrCorrupt, err)
	}
	if len(raw) < 4 {
		return series.Series{}, fmt.Errorf("%w: truncated length prefix", ErrCorrupt)
	}

	indexLen := int(binary.BigEndian.Uint32(raw[:4]))
	if indexLen < 0 || 4+indexLen > len(raw) {
		return series.Series{}, fmt.Errorf("%w: length prefix %d exceeds payload", ErrCorrupt, indexLen)
	}
	if indexLen%8 != 0 {
		return series.Series{}, fmt.Errorf("%w: index length %d not a multiple of 8", ErrCorrupt, indexLen)
	}

	indexBytes := raw[4 : 4+indexLen]
	valueBytes := raw[4+indexLen:]
	n := indexLen / 8

	out := series.Series{Name: name, Kind: kind, Index: make([]int64, n)}
	for i := range n {
		out.Index[i] = int64(binary.LittleEndian.Uint64(indexBytes[i*8:]))
	}

	switch kind {
	case series.KindFloat:
		if len(valueBytes) != n*8 {
			return series.Series{}, fmt.Errorf("%w: value byte count %d does not match %d entries", ErrCorrupt, len(valueBytes), n)
		}
		out.Floats = make([]float64, n)
		out.Valid = make([]bool, n)
		for i := range n {
			out.Floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(valueBytes[i*8:]))
			out.Valid[i] = true
		}
	case series.KindText:
		texts, err := decodeTexts(valueBytes, n)
		if err != nil {
			return series.Series{}, err
		}
		out.Texts = texts
	default:
		return series.Series{}, fmt.Errorf("codec: unknown kind %v", kind)
	}
	return out, nil
}

func decodeTexts(valueBytes []byte, n int) ([]*string, error) {
	if n == 0 {
		return nil, nil
	}
	parts := bytes.Split(valueBytes, []byte{textSeparator})
	if len(parts) != n {
		return nil, fmt.Errorf("%w: got %d text fields, want %d", ErrCorrupt, len(parts), n)
	}
	out := make([]*string, n)
	for i, p := range parts {
		if len(p) == 1 && p[0] == textNull {
			continue
		}
		s := string(p)
		out[i] = &s
	}
	return out, nil
}
