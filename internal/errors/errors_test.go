package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_MatchesCategoryAndCode(t *testing.T) {
	err := Newf(ErrCategoryResolution, CodeKeyResolutionFailed, "index %q matched no record", "by_email")

	if !errors.Is(err, ErrKeyResolutionFailed) {
		t.Fatal("should match the sentinel with same category and code")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("must not match a different code")
	}
	if errors.Is(err, ErrUnknownIndex) {
		t.Fatal("must not match a different code in the same category")
	}
}

func TestIs_ThroughWrapping(t *testing.T) {
	inner := New(ErrCategoryData, CodeDuplicateKey, "duplicate")
	wrapped := fmt.Errorf("adding record: %w", inner)

	if !errors.Is(wrapped, ErrDuplicateKey) {
		t.Fatal("sentinel matching should survive fmt.Errorf wrapping")
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrCategoryEngine, CodeEngineFault, "committing transaction", cause)

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause should be reachable through Unwrap")
	}
	if !errors.Is(err, ErrEngineFault) {
		t.Fatal("wrapped error should still match its sentinel")
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(ErrCategorySchema, CodeStructuralConflict, "applying create_index on users", errors.New("boom"))
	got := err.Error()
	for _, want := range []string{"SCHEMA", "STRUCTURAL_CONFLICT", "applying create_index on users", "boom"} {
		if !strings.Contains(got, want) {
			t.Fatalf("error string %q missing %q", got, want)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCategorySession, CodeNotOpen, "store is not open"))

	if got := GetCategory(err); got != ErrCategorySession {
		t.Fatalf("category = %q", got)
	}
	if got := GetCode(err); got != CodeNotOpen {
		t.Fatalf("code = %q", got)
	}

	// Non-quarry errors have no category or code.
	plain := errors.New("plain")
	if got := GetCategory(plain); got != "" {
		t.Fatalf("category of plain error = %q", got)
	}
	if got := GetCode(plain); got != "" {
		t.Fatalf("code of plain error = %q", got)
	}
}
