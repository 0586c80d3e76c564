package types

// KeyRange bounds an index scan. A nil bound leaves that side of the range
// open-ended; the Open flags make the corresponding bound exclusive.
type KeyRange struct {
	Lower     []any
	Upper     []any
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range matching exactly the given key.
func Only(key ...any) KeyRange {
	return KeyRange{Lower: key, Upper: key}
}

// Bound returns a range with both bounds inclusive.
func Bound(lower, upper []any) KeyRange {
	return KeyRange{Lower: lower, Upper: upper}
}

// LowerBound returns a range from lower (inclusive unless open) to the end
// of the index.
func LowerBound(lower []any, open bool) KeyRange {
	return KeyRange{Lower: lower, LowerOpen: open}
}

// UpperBound returns a range from the start of the index to upper
// (inclusive unless open).
func UpperBound(upper []any, open bool) KeyRange {
	return KeyRange{Upper: upper, UpperOpen: open}
}
