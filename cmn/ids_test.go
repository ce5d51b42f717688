package cmn_test

import (
	"testing"

	"github.com/pacsd/pacsd/cmn"
)

func TestPublicIDIsDeterministic(t *testing.T) {
	a := cmn.PublicID("Study", "1.2.840.113619.2.55.3")
	b := cmn.PublicID("Study", "1.2.840.113619.2.55.3")
	if a != b {
		t.Errorf("expected PublicID to be deterministic, got %q and %q", a, b)
	}
}

func TestPublicIDDistinguishesLevels(t *testing.T) {
	uid := "1.2.840.113619.2.55.3"
	study := cmn.PublicID("Study", uid)
	series := cmn.PublicID("Series", uid)
	if study == series {
		t.Errorf("expected different levels to produce different public IDs for the same UID")
	}
}

func TestPublicIDIsLowercaseURLSafe(t *testing.T) {
	id := cmn.PublicID("Patient", "some-patient-id")
	for _, r := range id {
		if r >= 'A' && r <= 'Z' {
			t.Errorf("expected lowercase-only public ID, got %q", id)
		}
		if r == '/' || r == '+' || r == '=' {
			t.Errorf("expected URL-safe public ID, got %q", id)
		}
	}
}

func TestGenUUIDProducesDistinctValues(t *testing.T) {
	cmn.InitUUIDGenerator(42)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := cmn.GenUUID()
		if seen[id] {
			t.Fatalf("GenUUID produced a duplicate: %q", id)
		}
		seen[id] = true
	}
}
