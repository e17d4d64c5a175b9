package tools

import (
	"os"
	"strings"
	"testing"
)

func TestMaybeSpill_Boundary(t *testing.T) {
	s := NewSpiller(t.TempDir())

	// Exactly at the limit: inline, untouched.
	exact := strings.Repeat("a", MaxToolOutputChars)
	text, path, spilled, err := s.MaybeSpill("bash", exact)
	if err != nil {
		t.Fatal(err)
	}
	if spilled || path != "" || text != exact {
		t.Fatalf("output at exactly the limit was modified (spilled=%v)", spilled)
	}

	// One char over: spilled with a usable read_file pointer.
	over := exact + "b"
	text, path, spilled, err = s.MaybeSpill("bash", over)
	if err != nil {
		t.Fatal(err)
	}
	if !spilled {
		t.Fatal("output one char over the limit not spilled")
	}
	if !strings.Contains(text, "read_file") || !strings.Contains(text, path) {
		t.Errorf("spill text missing continue instruction: %q", text[len(text)-200:])
	}

	// The artifact holds the full output; nothing was dropped.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact unreadable: %v", err)
	}
	if string(data) != over {
		t.Errorf("artifact holds %d chars, want %d", len(data), len(over))
	}
}

func TestMaybeSpill_PreviewBounded(t *testing.T) {
	s := NewSpiller(t.TempDir())
	text, _, spilled, err := s.MaybeSpill("bash", strings.Repeat("x", MaxToolOutputChars+100))
	if err != nil || !spilled {
		t.Fatalf("spill failed: %v", err)
	}
	if len(text) > spillPreviewChars+500 {
		t.Errorf("spill text is %d chars, preview not bounded", len(text))
	}
}
