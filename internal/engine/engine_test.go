package engine

import (
	"errors"
	"testing"

	"tshgo/internal/codec"
	"tshgo/internal/db"
	"tshgo/internal/registry"
	"tshgo/internal/series"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		BadInput:      "bad_input",
		TypeMismatch:  "type_mismatch",
		EmptyErasure:  "empty_erasure",
		UnknownSeries: "unknown_series",
		CodecCorrupt:  "codec_corrupt",
		TxRequired:    "tx_required",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestEngineErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := wrap(BadInput, cause)
	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EngineError, got %T", err)
	}
	if ee.Kind != BadInput {
		t.Fatalf("expected BadInput, got %v", ee.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if wrap(BadInput, nil) != nil {
		t.Fatalf("expected wrap(kind, nil) to return nil")
	}
}

func TestClassifySentinels(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{registry.ErrUnknownSeries, UnknownSeries},
		{registry.ErrTypeMismatch, TypeMismatch},
		{series.ErrDuplicateIndex, BadInput},
		{series.ErrLengthMismatch, BadInput},
		{codec.ErrCorrupt, CodecCorrupt},
		{codec.ErrInvariant, CodecCorrupt},
		{db.ErrTxRequired, TxRequired},
		{errors.New("some other failure"), BadInput},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClassifyWrappedSentinel(t *testing.T) {
	wrapped := errors.New("lookup failed")
	wrapped = errorsJoinWrap(registry.ErrUnknownSeries, wrapped)
	if got := classify(wrapped); got != UnknownSeries {
		t.Fatalf("classify of a wrapped sentinel = %v, want UnknownSeries", got)
	}
}

// errorsJoinWrap mimics the %w-wrapped sentinels lower layers return,
// without pulling in fmt for a one-line test helper.
func errorsJoinWrap(sentinel, context error) error {
	return &wrappedErr{sentinel: sentinel, context: context}
}

type wrappedErr struct {
	sentinel error
	context  error
}

func (w *wrappedErr) Error() string { return w.context.Error() + ": " + w.sentinel.Error() }
func (w *wrappedErr) Unwrap() error { return w.sentinel }

func TestKindFromMetadata(t *testing.T) {
	floatEntry := registry.Entry{Metadata: registry.Metadata{ValueType: series.KindFloat.String()}}
	textEntry := registry.Entry{Metadata: registry.Metadata{ValueType: series.KindText.String()}}
	if kindFromMetadata(floatEntry) != series.KindFloat {
		t.Errorf("expected KindFloat for value_type=%q", floatEntry.Metadata.ValueType)
	}
	if kindFromMetadata(textEntry) != series.KindText {
		t.Errorf("expected KindText for value_type=%q", textEntry.Metadata.ValueType)
	}
}
