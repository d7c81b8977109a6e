package sym

import "testing"

func TestRegistryGlyphsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range registry {
		if seen[e.glyph] {
			t.Errorf("duplicate glyph %q", e.glyph)
		}
		seen[e.glyph] = true
	}
}

func TestLabelAndDescribe(t *testing.T) {
	if got := Label(Pulse); got != "pulse" {
		t.Errorf("Label(Pulse) = %q, want %q", got, "pulse")
	}
	if Describe(Drip) == "" {
		t.Error("Describe(Drip) is empty")
	}
	if Label("?") != "" || Describe("?") != "" {
		t.Error("unknown glyph should have empty label and description")
	}
}
