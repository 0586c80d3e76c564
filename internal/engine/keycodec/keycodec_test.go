package keycodec

import (
	"bytes"
	"math"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustEncode(t *testing.T, key []any) []byte {
	t.Helper()
	enc, err := EncodeKey(key)
	if err != nil {
		t.Fatalf("EncodeKey(%v): %v", key, err)
	}
	return enc
}

func TestEncodeKey_RoundTrip(t *testing.T) {
	cases := [][]any{
		{"u1"},
		{""},
		{"with\x00zero"},
		{0.0},
		{-1.5},
		{math.MaxFloat64},
		{-math.MaxFloat64},
		{true},
		{false},
		{[]byte{0x00, 0xFF, 0x01}},
		{2024.0, "q1"},
		{false, -12.0, "x", []byte("bin")},
	}
	for _, key := range cases {
		enc := mustEncode(t, key)
		dec, err := DecodeKey(enc)
		if err != nil {
			t.Fatalf("DecodeKey(%v): %v", key, err)
		}
		if !reflect.DeepEqual(dec, key) {
			t.Errorf("round trip of %v gave %v", key, dec)
		}
	}
}

func TestEncodeKey_NormalizesIntegers(t *testing.T) {
	a := mustEncode(t, []any{int(42)})
	b := mustEncode(t, []any{int64(42)})
	c := mustEncode(t, []any{float64(42)})
	if !bytes.Equal(a, b) || !bytes.Equal(b, c) {
		t.Fatal("integer widths must encode identically to their float64 value")
	}

	dec, err := DecodeKey(a)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dec, []any{42.0}) {
		t.Errorf("decoded %v, want canonical float64", dec)
	}
}

func TestEncodeKey_Rejects(t *testing.T) {
	if _, err := EncodeKey(nil); err == nil {
		t.Error("empty key must be rejected")
	}
	if _, err := EncodeKey([]any{struct{}{}}); err == nil {
		t.Error("unsupported element type must be rejected")
	}
	if _, err := EncodeKey([]any{map[string]any{}}); err == nil {
		t.Error("map element must be rejected")
	}
}

func TestEncodeKey_TypeOrdering(t *testing.T) {
	// Booleans < numbers < strings < bytes, matching tag order.
	ordered := [][]any{
		{false},
		{true},
		{-math.MaxFloat64},
		{-1.0},
		{0.0},
		{1.0},
		{"a"},
		{"b"},
		{[]byte{0x01}},
	}
	var prev []byte
	for i, key := range ordered {
		enc := mustEncode(t, key)
		if i > 0 && bytes.Compare(prev, enc) >= 0 {
			t.Errorf("%v does not sort before %v", ordered[i-1], key)
		}
		prev = enc
	}
}

func TestEncodeKey_StringPrefixOrdering(t *testing.T) {
	// "a" sorts before "a\x00" and "aa"; the escape keeps it that way.
	keys := [][]any{{"a"}, {"a\x00"}, {"aa"}}
	var prev []byte
	for i, key := range keys {
		enc := mustEncode(t, key)
		if i > 0 && bytes.Compare(prev, enc) >= 0 {
			t.Errorf("%q does not sort before %q", keys[i-1][0], key[0])
		}
		prev = enc
	}
}

func TestProperty_NumberOrderingPreserved(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("byte order follows numeric order", prop.ForAll(
		func(a, b float64) bool {
			ea, err := EncodeKey([]any{a})
			if err != nil {
				return false
			}
			eb, err := EncodeKey([]any{b})
			if err != nil {
				return false
			}
			switch {
			case a < b:
				return bytes.Compare(ea, eb) < 0
			case a > b:
				return bytes.Compare(ea, eb) > 0
			default:
				return bytes.Equal(ea, eb)
			}
		},
		gen.Float64Range(-1e12, 1e12),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("byte order follows string order", prop.ForAll(
		func(a, b string) bool {
			ea, err := EncodeKey([]any{a})
			if err != nil {
				return false
			}
			eb, err := EncodeKey([]any{b})
			if err != nil {
				return false
			}
			switch {
			case a < b:
				return bytes.Compare(ea, eb) < 0
			case a > b:
				return bytes.Compare(ea, eb) > 0
			default:
				return bytes.Equal(ea, eb)
			}
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("round trip is lossless", prop.ForAll(
		func(s string, n float64, flag bool) bool {
			key := []any{s, n, flag}
			enc, err := EncodeKey(key)
			if err != nil {
				return false
			}
			dec, err := DecodeKey(enc)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(dec, key)
		},
		gen.AnyString(),
		gen.Float64Range(-1e12, 1e12),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestPrefixSuccessor(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
		{[]byte{0x00}, []byte{0x01}},
	}
	for _, tc := range cases {
		got := PrefixSuccessor(tc.in)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("PrefixSuccessor(%x) = %x, want %x", tc.in, got, tc.want)
		}
	}
}

func TestIndexEntryKey_EqualBoundsContainment(t *testing.T) {
	// Entries of the exact tuple fall inside the equality bounds; entries
	// of a longer tuple sharing the prefix fall outside.
	entryShort, err := IndexEntryKey([]any{"a"}, []any{1.0})
	if err != nil {
		t.Fatal(err)
	}
	entryLong, err := IndexEntryKey([]any{"a", "b"}, []any{2.0})
	if err != nil {
		t.Fatal(err)
	}

	min, max, err := IndexEqualBounds([]any{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if !Within(entryShort, min, max) {
		t.Error("entry of the exact tuple must fall inside equality bounds")
	}
	if Within(entryLong, min, max) {
		t.Error("entry of a longer tuple must fall outside equality bounds")
	}
}

func TestIndexEntryKey_OrderedByPrimaryKey(t *testing.T) {
	e1, err := IndexEntryKey([]any{"team-a"}, []any{1.0})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := IndexEntryKey([]any{"team-a"}, []any{2.0})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Compare(e1, e2) >= 0 {
		t.Error("entries of equal index keys must order by primary key")
	}
}
