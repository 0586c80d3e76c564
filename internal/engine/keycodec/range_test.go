package keycodec

import (
	"testing"

	"github.com/quarrydb/quarry/pkg/types"
)

// entryFor builds the physical entry key of an index tuple with an
// arbitrary primary key suffix.
func entryFor(t *testing.T, ikey []any) []byte {
	t.Helper()
	entry, err := IndexEntryKey(ikey, []any{"pk"})
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestRangeBounds_Inclusivity(t *testing.T) {
	e20 := entryFor(t, []any{20.0})
	e25 := entryFor(t, []any{25.0})
	e27 := entryFor(t, []any{27.0})
	e30 := entryFor(t, []any{30.0})
	e35 := entryFor(t, []any{35.0})

	cases := []struct {
		name string
		r    types.KeyRange
		in   [][]byte
		out  [][]byte
	}{
		{
			name: "closed both ends",
			r:    types.Bound([]any{25.0}, []any{30.0}),
			in:   [][]byte{e25, e27, e30},
			out:  [][]byte{e20, e35},
		},
		{
			name: "open lower",
			r:    types.KeyRange{Lower: []any{25.0}, Upper: []any{30.0}, LowerOpen: true},
			in:   [][]byte{e27, e30},
			out:  [][]byte{e25, e35},
		},
		{
			name: "open upper",
			r:    types.KeyRange{Lower: []any{25.0}, Upper: []any{30.0}, UpperOpen: true},
			in:   [][]byte{e25, e27},
			out:  [][]byte{e30, e35},
		},
		{
			name: "open both",
			r:    types.KeyRange{Lower: []any{25.0}, Upper: []any{30.0}, LowerOpen: true, UpperOpen: true},
			in:   [][]byte{e27},
			out:  [][]byte{e25, e30, e35},
		},
		{
			name: "lower only",
			r:    types.LowerBound([]any{30.0}, false),
			in:   [][]byte{e30, e35},
			out:  [][]byte{e27},
		},
		{
			name: "upper only",
			r:    types.UpperBound([]any{25.0}, false),
			in:   [][]byte{e20, e25},
			out:  [][]byte{e27},
		},
		{
			name: "exact key",
			r:    types.Only(25.0),
			in:   [][]byte{e25},
			out:  [][]byte{e20, e27},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			min, max, err := RangeBounds(tc.r)
			if err != nil {
				t.Fatal(err)
			}
			for _, e := range tc.in {
				if !Within(e, min, max) {
					t.Errorf("entry unexpectedly excluded")
				}
			}
			for _, e := range tc.out {
				if Within(e, min, max) {
					t.Errorf("entry unexpectedly included")
				}
			}
		})
	}
}

func TestRangeBounds_Unbounded(t *testing.T) {
	min, max, err := RangeBounds(types.KeyRange{})
	if err != nil {
		t.Fatal(err)
	}
	if min != nil || max != nil {
		t.Fatalf("unbounded range gave bounds %x..%x", min, max)
	}
	if !Within(entryFor(t, []any{"anything"}), min, max) {
		t.Error("everything falls inside the unbounded range")
	}
}
