package keycodec

import (
	"bytes"

	"github.com/quarrydb/quarry/pkg/types"
)

// RangeBounds converts a logical key range into the half-open byte range
// [min, max) over physical index entries. A nil min means the start of the
// index, a nil max the end. Bound exclusivity is folded into the byte
// bounds so scans need no per-entry comparisons:
//
//   - inclusive lower: entries for the bound tuple carry the entry
//     separator and primary key suffix, so the raw encoded tuple already
//     sorts before all of them
//   - exclusive lower: skip past every entry prefixed by the bound tuple
//   - inclusive upper: include every entry prefixed by the bound tuple
//   - exclusive upper: the raw encoded tuple sorts before the bound
//     tuple's own entries and after all lesser ones
func RangeBounds(r types.KeyRange) (min, max []byte, err error) {
	if r.Lower != nil {
		lo, err := EncodeKey(r.Lower)
		if err != nil {
			return nil, nil, err
		}
		if r.LowerOpen {
			min = PrefixSuccessor(append(lo, entrySep))
		} else {
			min = lo
		}
	}
	if r.Upper != nil {
		hi, err := EncodeKey(r.Upper)
		if err != nil {
			return nil, nil, err
		}
		if r.UpperOpen {
			max = hi
		} else {
			max = PrefixSuccessor(append(hi, entrySep))
		}
	}
	return min, max, nil
}

// Within reports whether the physical entry key k falls inside the
// half-open byte range [min, max), with nil meaning unbounded.
func Within(k, min, max []byte) bool {
	if min != nil && bytes.Compare(k, min) < 0 {
		return false
	}
	if max != nil && bytes.Compare(k, max) >= 0 {
		return false
	}
	return true
}
