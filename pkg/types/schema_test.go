package types

import (
	"strings"
	"testing"
)

func validSchema() *Schema {
	return &Schema{
		Name:    "crm",
		Version: 1,
		Collections: []CollectionDef{
			{
				Name:    "users",
				KeyPath: []string{"id"},
				Indexes: []IndexDef{
					{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
					{Name: "by_team", KeyPath: []string{"team"}},
				},
			},
			{
				Name:          "events",
				AutoIncrement: true,
			},
		},
	}
}

func TestSchema_Validate(t *testing.T) {
	if err := validSchema().Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
}

func TestSchema_ValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Schema)
		wantMsg string
	}{
		{
			name:    "empty name",
			mutate:  func(s *Schema) { s.Name = "" },
			wantMsg: "name must not be empty",
		},
		{
			name:    "zero version",
			mutate:  func(s *Schema) { s.Version = 0 },
			wantMsg: "version must be positive",
		},
		{
			name:    "negative version",
			mutate:  func(s *Schema) { s.Version = -3 },
			wantMsg: "version must be positive",
		},
		{
			name: "duplicate collection",
			mutate: func(s *Schema) {
				s.Collections = append(s.Collections, CollectionDef{Name: "users", KeyPath: []string{"id"}})
			},
			wantMsg: "duplicate collection",
		},
		{
			name: "no key strategy",
			mutate: func(s *Schema) {
				s.Collections[0].KeyPath = nil
			},
			wantMsg: "key path or auto-increment required",
		},
		{
			name: "composite auto-increment",
			mutate: func(s *Schema) {
				s.Collections[0].KeyPath = []string{"a", "b"}
				s.Collections[0].AutoIncrement = true
			},
			wantMsg: "composite key path cannot auto-increment",
		},
		{
			name: "duplicate index",
			mutate: func(s *Schema) {
				s.Collections[0].Indexes = append(s.Collections[0].Indexes,
					IndexDef{Name: "by_email", KeyPath: []string{"other"}})
			},
			wantMsg: "duplicate index",
		},
		{
			name: "index without key path",
			mutate: func(s *Schema) {
				s.Collections[0].Indexes[0].KeyPath = nil
			},
			wantMsg: "empty key path",
		},
		{
			name: "empty key path element",
			mutate: func(s *Schema) {
				s.Collections[0].KeyPath = []string{"id", ""}
			},
			wantMsg: "empty key path element",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSchema()
			tc.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tc.wantMsg)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tc.wantMsg, err.Error())
			}
		})
	}
}

func TestSchema_Accessors(t *testing.T) {
	s := validSchema()

	if c := s.Collection("users"); c == nil || c.Name != "users" {
		t.Fatalf("Collection(users) = %v", c)
	}
	if c := s.Collection("missing"); c != nil {
		t.Errorf("Collection(missing) = %v, want nil", c)
	}

	users := s.Collection("users")
	if idx := users.Index("by_email"); idx == nil || !idx.Unique {
		t.Fatalf("Index(by_email) = %v", idx)
	}
	if idx := users.Index("missing"); idx != nil {
		t.Errorf("Index(missing) = %v, want nil", idx)
	}
}

func TestKeyPathEqual(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{[]string{"id"}, []string{"id"}, true},
		{[]string{"id"}, []string{"email"}, false},
		{[]string{"a", "b"}, []string{"a", "b"}, true},
		{[]string{"a", "b"}, []string{"b", "a"}, false},
		{[]string{"a"}, []string{"a", "b"}, false},
		{nil, nil, true},
	}
	for _, tc := range cases {
		if got := KeyPathEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("KeyPathEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
