package types

import "testing"

func TestSchema_FingerprintStable(t *testing.T) {
	a := validSchema()
	b := validSchema()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical schemas must fingerprint identically")
	}
}

func TestSchema_FingerprintIgnoresVersion(t *testing.T) {
	a := validSchema()
	b := validSchema()
	b.Version = 42
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("version must not influence the fingerprint")
	}
}

func TestSchema_FingerprintSeesStructure(t *testing.T) {
	base := validSchema().Fingerprint()

	mutations := map[string]func(*Schema){
		"renamed collection": func(s *Schema) { s.Collections[0].Name = "accounts" },
		"changed key path":   func(s *Schema) { s.Collections[0].KeyPath = []string{"uuid"} },
		"uniqueness flipped": func(s *Schema) { s.Collections[0].Indexes[0].Unique = false },
		"index key path":     func(s *Schema) { s.Collections[0].Indexes[1].KeyPath = []string{"org"} },
		"dropped index":      func(s *Schema) { s.Collections[0].Indexes = s.Collections[0].Indexes[:1] },
		"auto increment":     func(s *Schema) { s.Collections[1].AutoIncrement = false },
	}
	for name, mutate := range mutations {
		s := validSchema()
		mutate(s)
		if s.Fingerprint() == base {
			t.Errorf("%s: fingerprint did not change", name)
		}
	}
}
