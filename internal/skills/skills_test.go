package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, skillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	root := t.TempDir()
	writeSkill(t, root, "git-flow", `---
name: git-flow
description: branching conventions
triggers: [git, branch, merge]
---
Use feature branches off main.`)
	writeSkill(t, root, "sql-tuning", `---
name: sql-tuning
description: query optimization
triggers: [sql, query, index]
---
Check the plan before adding indexes.`)
	writeSkill(t, root, "broken", "no frontmatter here")

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLoad_ParsesAndSkipsInvalid(t *testing.T) {
	l := newTestLoader(t)
	all := l.All()
	if len(all) != 2 {
		t.Fatalf("loaded %d skills, want 2 (broken one skipped)", len(all))
	}
	// Sorted by name.
	if all[0].Name != "git-flow" || all[1].Name != "sql-tuning" {
		t.Errorf("order %s, %s", all[0].Name, all[1].Name)
	}
	if all[0].Content != "Use feature branches off main." {
		t.Errorf("body %q", all[0].Content)
	}
}

func TestLoad_MissingDir(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope"))
	if err := l.Load(); err != nil {
		t.Fatalf("missing dir errored: %v", err)
	}
	if len(l.All()) != 0 {
		t.Error("skills appeared from nowhere")
	}
}

func TestMatch(t *testing.T) {
	l := newTestLoader(t)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single trigger", "please MERGE the release branch", []string{"git-flow"}},
		{"case insensitive", "Optimize this SQL", []string{"sql-tuning"}},
		{"no match", "write a haiku", nil},
		{"more hits rank first", "this sql query needs an index; git commit after", []string{"sql-tuning", "git-flow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Match(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("matched %d skills, want %d", len(got), len(tt.want))
			}
			for i, s := range got {
				if s.Name != tt.want[i] {
					t.Errorf("match[%d] = %s, want %s", i, s.Name, tt.want[i])
				}
			}
		})
	}
}
