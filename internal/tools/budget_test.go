package tools

import (
	"strings"
	"testing"
)

func TestBudgetAccountant_Thresholds(t *testing.T) {
	b := NewBudgetAccountant(1000) // tokens; 4 chars each

	if d := b.Charge(strings.Repeat("a", 400)); d != "" { // 100 tokens
		t.Errorf("directive below warning threshold: %q", d)
	}
	if b.Pressured() {
		t.Error("pressured at 10%")
	}

	// 100 + 750 = 850 tokens: warning territory.
	d := b.Charge(strings.Repeat("a", 3000))
	if !strings.Contains(d, "Context notice") {
		t.Errorf("expected warning directive, got %q", d)
	}
	if !b.Pressured() {
		t.Error("not pressured at 85%")
	}
	if b.Exhausted() {
		t.Error("exhausted before 100%")
	}

	// Past the ceiling: hard stop.
	d = b.Charge(strings.Repeat("a", 1000))
	if !strings.Contains(d, "Context limit reached") {
		t.Errorf("expected hard-stop directive, got %q", d)
	}
	if !b.Exhausted() {
		t.Error("not exhausted past 100%")
	}
}

func TestBudgetAccountant_ResetSeeds(t *testing.T) {
	b := NewBudgetAccountant(100)
	b.Reset(90)
	if b.Used() != 90 {
		t.Fatalf("Used() = %d, want 90", b.Used())
	}
	if !b.Pressured() {
		t.Error("seed at 90% not pressured")
	}
	b.Reset(-5)
	if b.Used() != 0 {
		t.Errorf("negative seed not clamped: %d", b.Used())
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.in), got, tt.want)
		}
	}
}
