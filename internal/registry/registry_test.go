package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTableNameUsesNameWhenShort(t *testing.T) {
	if got := TableName("temperature"); got != "temperature" {
		t.Fatalf("got %q, want verbatim name", got)
	}
}

func TestTableNameHashesLongNames(t *testing.T) {
	long := strings.Repeat("x", maxTableNameBytes+1)
	got := TableName(long)
	if got == long {
		t.Fatal("expected long name to be hashed, got verbatim")
	}
	if len(got) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %d chars", len(got))
	}
}

func TestTableNameDeterministic(t *testing.T) {
	long := strings.Repeat("y", 200)
	if TableName(long) != TableName(long) {
		t.Fatal("TableName must be deterministic for the same input")
	}
}

func TestLockKeyDeterministicAndDistinct(t *testing.T) {
	if lockKey("a") != lockKey("a") {
		t.Fatal("lockKey must be deterministic")
	}
	if lockKey("a") == lockKey("b") {
		t.Fatal("lockKey should differ for distinct names (collision would be a red flag here)")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{
		TZAware:    true,
		IndexType:  "timestamp",
		IndexDtype: "int64",
		ValueType:  "float",
		ValueDtype: "float64",
		Extra:      map[string]any{"unit": "celsius"},
	}
	raw, err := marshalMetadata(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Metadata
	if err := unmarshalMetadata(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TZAware != m.TZAware || got.ValueType != m.ValueType {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Extra["unit"] != "celsius" {
		t.Fatalf("extension key lost: %+v", got.Extra)
	}
}

func TestUpdateMetadataRejectsReservedKey(t *testing.T) {
	r := New()
	err := r.UpdateMetadata(context.Background(), nil, "temperature", map[string]any{"value_type": "text"})
	if !errors.Is(err, ErrReservedKey) {
		t.Fatalf("got %v, want ErrReservedKey", err)
	}
}
