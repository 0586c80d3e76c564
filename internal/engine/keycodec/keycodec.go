// Package keycodec implements the order-preserving byte encoding of key
// tuples used by the engine backends. Encoded keys compare bytewise in the
// same order as their values compare logically: booleans before numbers,
// numbers before strings, strings before binary, and composite tuples
// element by element in key path order.
package keycodec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element tags. Gaps leave room for future types without re-encoding.
const (
	tagFalse  = 0x10
	tagTrue   = 0x11
	tagNumber = 0x20
	tagString = 0x30
	tagBytes  = 0x40
)

// entrySep separates an encoded index tuple from the primary key suffix in
// an index entry. It sorts below every element tag and every in-element
// continuation byte, so equality prefix scans never bleed into entries of
// a longer tuple.
const entrySep = 0x01

// Normalize converts a key element to its canonical type: bool, float64,
// string or []byte. Integer values are widened to float64, matching what a
// JSON round trip produces. Returns an error for types that cannot form
// keys.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case []byte:
		return x, nil
	default:
		return nil, fmt.Errorf("keycodec: unsupported key type %T", v)
	}
}

// EncodeKey encodes a key tuple into order-preserving bytes.
func EncodeKey(key []any) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("keycodec: empty key")
	}
	var out []byte
	for _, v := range key {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		switch x := n.(type) {
		case bool:
			if x {
				out = append(out, tagTrue)
			} else {
				out = append(out, tagFalse)
			}
		case float64:
			out = append(out, tagNumber)
			out = appendFloat(out, x)
		case string:
			out = append(out, tagString)
			out = appendTerminated(out, []byte(x))
		case []byte:
			out = append(out, tagBytes)
			out = appendTerminated(out, x)
		}
	}
	return out, nil
}

// appendFloat appends the IEEE 754 bits of f transformed so that bytewise
// comparison matches numeric comparison: negative values have all bits
// flipped, non-negative values have the sign bit set.
func appendFloat(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// appendTerminated appends b with embedded 0x00 bytes escaped as 0x00 0xFF
// and a trailing 0x00 terminator, keeping prefix ordering intact.
func appendTerminated(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0x00)
}

// PrefixSuccessor returns the smallest byte string greater than every
// string prefixed by k, treating k as a big-endian integer and adding one.
// Returns nil when no such string exists (all bytes 0xFF), meaning the
// scan runs to the end of the keyspace.
func PrefixSuccessor(k []byte) []byte {
	out := make([]byte, len(k))
	copy(out, k)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// DecodeKey decodes an encoded key tuple back into its canonical element
// values. The encoding is self-delimiting, so decoding consumes the whole
// input and fails on trailing or truncated bytes.
func DecodeKey(b []byte) ([]any, error) {
	var out []any
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagFalse:
			out = append(out, false)
		case tagTrue:
			out = append(out, true)
		case tagNumber:
			if len(b) < 8 {
				return nil, fmt.Errorf("keycodec: truncated number element")
			}
			bits := binary.BigEndian.Uint64(b[:8])
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			out = append(out, math.Float64frombits(bits))
			b = b[8:]
		case tagString, tagBytes:
			val, rest, err := readTerminated(b)
			if err != nil {
				return nil, err
			}
			if tag == tagString {
				out = append(out, string(val))
			} else {
				out = append(out, val)
			}
			b = rest
		default:
			return nil, fmt.Errorf("keycodec: unknown element tag 0x%02x", tag)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("keycodec: empty key")
	}
	return out, nil
}

// readTerminated undoes appendTerminated: unescapes 0x00 0xFF pairs and
// stops at the bare 0x00 terminator.
func readTerminated(b []byte) (val, rest []byte, err error) {
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			val = append(val, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			val = append(val, 0x00)
			i++
			continue
		}
		return val, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("keycodec: unterminated string element")
}

// IndexEntryKey builds the physical key of one index entry: the encoded
// index tuple, the entry separator, then the encoded primary key. The
// suffix keeps entries for equal index keys distinct and ordered by
// primary key.
func IndexEntryKey(indexKey, primaryKey []any) ([]byte, error) {
	ik, err := EncodeKey(indexKey)
	if err != nil {
		return nil, err
	}
	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ik)+1+len(pk))
	out = append(out, ik...)
	out = append(out, entrySep)
	return append(out, pk...), nil
}

// IndexEqualBounds returns the half-open byte range [min, max) of index
// entries whose index tuple equals key exactly.
func IndexEqualBounds(key []any) (min, max []byte, err error) {
	ik, err := EncodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	min = append(ik, entrySep)
	return min, PrefixSuccessor(min), nil
}
