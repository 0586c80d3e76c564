package types

// Record is a stored document: a flat or nested map of field names to
// values. Primary and index keys are derived from top-level fields per the
// declared key paths; valid key field values are strings, numbers and
// booleans.
type Record map[string]any

// Clone returns a shallow copy of the record. Top-level fields are copied;
// nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge overlays partial over the record at the top level and returns the
// result. Fields present in partial replace the record's fields wholesale;
// nested maps are not merged recursively.
func (r Record) Merge(partial Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(partial))
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// KeyOf extracts the key values named by path from the record, in path
// order. Returns false if any named field is absent.
func (r Record) KeyOf(path []string) ([]any, bool) {
	key := make([]any, len(path))
	for i, field := range path {
		v, ok := r[field]
		if !ok || v == nil {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}
