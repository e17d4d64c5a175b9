package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MaxToolOutputChars is the inline ceiling for a tool result. Output
// strictly above it is spilled to an artifact file; output at exactly
// the limit stays inline.
const MaxToolOutputChars = 50_000

const spillPreviewChars = 2_000

// Spiller writes oversized tool output to a cache directory and hands
// the model a preview plus an explicit continue instruction. Data is
// never silently dropped.
type Spiller struct {
	dir string
}

func NewSpiller(dir string) *Spiller {
	return &Spiller{dir: dir}
}

// MaybeSpill returns output unchanged when it fits inline. Otherwise
// it writes the full output to an artifact file and returns the
// preview text with the next-step instruction, the artifact path, and
// spilled=true.
func (s *Spiller) MaybeSpill(toolName, output string) (text string, artifactPath string, spilled bool, err error) {
	if len(output) <= MaxToolOutputChars {
		return output, "", false, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", "", false, fmt.Errorf("tools: create spill dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.txt", toolName, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", "", false, fmt.Errorf("tools: write spill artifact: %w", err)
	}

	preview := output
	if len(preview) > spillPreviewChars {
		preview = preview[:spillPreviewChars]
	}

	text = fmt.Sprintf(
		"%s\n\n[Output truncated: full result is %d chars, saved to %s]\n"+
			"[Next step: call read_file with {\"path\": %q, \"offset\": <char offset>} to read the remainder.]",
		preview, len(output), path, path)
	return text, path, true, nil
}
