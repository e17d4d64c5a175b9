package orchestrator

import (
	"reflect"
	"strings"
	"testing"
)

var knownAgents = map[string]bool{
	"coder": true, "reviewer": true, "writer": true,
}

func TestParseDirectRoute(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantAgent string
		wantTask  string
		wantOK    bool
	}{
		{"colon form", "@coder: fix the login bug", "coder", "fix the login bug", true},
		{"space form", "@coder fix the login bug", "coder", "fix the login bug", true},
		{"bare marker", "@coder", "coder", "", true},
		{"unknown agent", "@deployer: ship it", "", "", false},
		{"mid-text marker", "please ask @coder to fix it", "", "", false},
		{"email address", "mail me@coder.example", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, task, ok := ParseDirectRoute(tt.input, knownAgents)
			if ok != tt.wantOK || agent != tt.wantAgent || task != tt.wantTask {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)",
					agent, task, ok, tt.wantAgent, tt.wantTask, tt.wantOK)
			}
		})
	}
}

func TestParseDelegations_TwoBlocks(t *testing.T) {
	reply := "OK.\n@reviewer: check file A\n@writer: draft release notes"
	got := ParseDelegations(reply, knownAgents)
	want := []Delegation{
		{Agent: "reviewer", Task: "check file A", StartLine: 1, EndLine: 2},
		{Agent: "writer", Task: "draft release notes", StartLine: 2, EndLine: 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestParseDelegations_MultiLineBlock(t *testing.T) {
	reply := "@coder: refactor the store\nkeep the public API stable\n\nuse the existing tests"
	got := ParseDelegations(reply, knownAgents)
	if len(got) != 1 {
		t.Fatalf("got %d delegations", len(got))
	}
	// A single blank line does not close the block.
	if !strings.Contains(got[0].Task, "existing tests") {
		t.Errorf("task cut short: %q", got[0].Task)
	}
	if strings.Contains(got[0].Task, "@coder") {
		t.Errorf("marker not stripped from task: %q", got[0].Task)
	}
}

func TestParseDelegations_DoubleBlankCloses(t *testing.T) {
	reply := "@coder: do the thing\n\n\nThis commentary is not part of the task."
	got := ParseDelegations(reply, knownAgents)
	if len(got) != 1 {
		t.Fatalf("got %d delegations", len(got))
	}
	if strings.Contains(got[0].Task, "commentary") {
		t.Errorf("block ran past the blank-line break: %q", got[0].Task)
	}
}

func TestParseDelegations_IgnoresUnknownAndEmpty(t *testing.T) {
	reply := "@stranger: not for us\n@coder:\n@reviewer: real work"
	got := ParseDelegations(reply, knownAgents)
	if len(got) != 1 || got[0].Agent != "reviewer" {
		t.Errorf("got %+v, want only reviewer", got)
	}
}

func TestParseDelegations_NoMarkers(t *testing.T) {
	if got := ParseDelegations("Just a plain answer with no routing.", knownAgents); len(got) != 0 {
		t.Errorf("got %+v, want none", got)
	}
}

func TestSubstituteBlocks(t *testing.T) {
	reply := "Intro line.\n@reviewer: check file A\n@writer: draft notes\nOutro line."
	dels := ParseDelegations(reply, knownAgents)
	if len(dels) != 2 {
		t.Fatalf("setup: %d delegations", len(dels))
	}
	// The writer block swallows the outro (no blank separator), so only
	// the intro survives outside the spans.
	got := SubstituteBlocks(reply, dels, []string{"@reviewer: looks good", "@writer: notes drafted"})
	want := "Intro line.\n@reviewer: looks good\n@writer: notes drafted"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestSubstituteBlocks_PreservesSurroundingText(t *testing.T) {
	reply := "Before.\n@coder: build it\n\n\nAfter."
	dels := ParseDelegations(reply, knownAgents)
	if len(dels) != 1 {
		t.Fatalf("setup: %d delegations", len(dels))
	}
	got := SubstituteBlocks(reply, dels, []string{"@coder: built"})
	if !strings.HasPrefix(got, "Before.\n") || !strings.HasSuffix(got, "After.") {
		t.Errorf("surrounding text lost: %q", got)
	}
	if strings.Contains(got, "build it") {
		t.Errorf("original block text leaked: %q", got)
	}
}
