package util

import (
	"strings"
	"testing"
)

func TestGenIDLengthAndAlphabet(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := GenID()
		if err != nil {
			t.Fatalf("GenID failed: %v", err)
		}
		if len(id) != IDLength {
			t.Fatalf("expected length %d, got %d (%q)", IDLength, len(id), id)
		}
		for _, c := range id {
			if !strings.ContainsRune(idAlphabet, c) {
				t.Fatalf("id %q contains character outside alphabet", id)
			}
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 990 {
		t.Fatalf("too many duplicate ids in 1000 draws: %d unique", len(seen))
	}
}
