package codec

import (
	"errors"
	"testing"

	"tshgo/internal/series"
)

func TestRoundTripFloat(t *testing.T) {
	s := series.Series{
		Kind:   series.KindFloat,
		Index:  []int64{1000, 2000, 3000},
		Floats: []float64{1.5, -2.25, 3.125},
		Valid:  []bool{true, true, true},
	}
	payload, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode("x", series.KindFloat, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len() != s.Len() {
		t.Fatalf("length mismatch: got %d want %d", got.Len(), s.Len())
	}
	for i := range s.Index {
		if got.Index[i] != s.Index[i] || got.Floats[i] != s.Floats[i] {
			t.Fatalf("entry %d mismatch: got (%d,%v) want (%d,%v)", i, got.Index[i], got.Floats[i], s.Index[i], s.Floats[i])
		}
	}
}

func TestRoundTripText(t *testing.T) {
	a, b := "hello", "world"
	s := series.Series{
		Kind:  series.KindText,
		Index: []int64{1, 2, 3},
		Texts: []*string{&a, nil, &b},
	}
	payload, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode("x", series.KindText, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Texts[0] == nil || *got.Texts[0] != a {
		t.Fatalf("entry 0: got %v want %q", got.Texts[0], a)
	}
	if got.Texts[1] != nil {
		t.Fatalf("entry 1: expected null, got %v", *got.Texts[1])
	}
	if got.Texts[2] == nil || *got.Texts[2] != b {
		t.Fatalf("entry 2: got %v want %q", got.Texts[2], b)
	}
}

func TestEncodeRejectsReservedBytes(t *testing.T) {
	bad := "oh\x00no"
	s := series.Series{Kind: series.KindText, Index: []int64{1}, Texts: []*string{&bad}}
	if _, err := Encode(s); !errors.Is(err, ErrInvariant) {
		t.Fatalf("got %v, want ErrInvariant", err)
	}
}

func TestEncodeRejectsNullFloat(t *testing.T) {
	s := series.Series{Kind: series.KindFloat, Index: []int64{1}, Floats: []float64{0}, Valid: []bool{false}}
	if _, err := Encode(s); !errors.Is(err, ErrInvariant) {
		t.Fatalf("got %v, want ErrInvariant", err)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	if _, err := Decode("x", series.KindFloat, []byte{0x01, 0x02}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03}
	if _, err := Decode("x", series.KindFloat, garbage); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestRoundTripEmptySeries(t *testing.T) {
	s := series.Series{Kind: series.KindFloat}
	payload, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode("x", series.KindFloat, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len() != 0 {
		t.Fatalf("expected empty series, got %d entries", got.Len())
	}
}
