package types

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Fingerprint returns a stable 64-bit hash of the schema's structure:
// collection names, key paths, auto-increment flags and index definitions,
// in declaration order. The version number is excluded so that re-declaring
// an identical structure under a new version hashes the same; callers use
// the fingerprint to detect structural changes and in logs.
func (s *Schema) Fingerprint() uint64 {
	h := murmur3.New64()

	writeString := func(v string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	writeBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	writePath := func(path []string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(path)))
		h.Write(n[:])
		for _, field := range path {
			writeString(field)
		}
	}

	writeString(s.Name)
	for i := range s.Collections {
		c := &s.Collections[i]
		writeString(c.Name)
		writePath(c.KeyPath)
		writeBool(c.AutoIncrement)
		for j := range c.Indexes {
			idx := &c.Indexes[j]
			writeString(idx.Name)
			writePath(idx.KeyPath)
			writeBool(idx.Unique)
		}
	}
	return h.Sum64()
}
