package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	// WHAT: UUIDv7 produces distinct, parseable IDs.
	gen := UUIDv7()
	seen := make(map[string]bool)
	for range 100 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
		if _, err := Parse(id); err != nil {
			t.Fatalf("unparseable ID %s: %v", id, err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	// WHAT: Prefixed prepends the type marker to every ID.
	gen := Prefixed("sig_", Default)
	id := gen()
	if !strings.HasPrefix(id, "sig_") {
		t.Errorf("id %q lacks sig_ prefix", id)
	}
}

func TestNanoIDLengthAndAlphabet(t *testing.T) {
	// WHAT: NanoID respects the requested length and base-36 alphabet.
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Errorf("len = %d, want 12", len(id))
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			t.Errorf("unexpected rune %q in %s", r, id)
		}
	}
}
