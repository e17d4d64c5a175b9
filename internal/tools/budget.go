package tools

import "fmt"

// Budget defaults.
const (
	DefaultRunBudgetTokens = 150_000
	warnUtilization        = 0.8
)

// Budget directives appended to tool results once thresholds trip.
const (
	budgetWarning = "\n\n[Context notice: tool output budget is %d%% used (%d/%d tokens). " +
		"Prefer finishing with the information you already have.]"
	budgetHardStop = "\n\n[Context limit reached: %d/%d tokens. No more tool calls are allowed in this run. " +
		"Produce your final answer from the information gathered so far.]"
)

// BudgetAccountant tracks estimated tokens of tool output against a
// per-run ceiling. It is handed into the dispatcher explicitly; there
// is no ambient counter. Not safe for concurrent use — each run owns
// one accountant, and parallel tool calls within a turn settle their
// results sequentially.
type BudgetAccountant struct {
	budget int
	used   int
}

func NewBudgetAccountant(budgetTokens int) *BudgetAccountant {
	if budgetTokens <= 0 {
		budgetTokens = DefaultRunBudgetTokens
	}
	return &BudgetAccountant{budget: budgetTokens}
}

// EstimateTokens approximates tokens as one per four characters. The
// corpus has no tokenizer; every consumer of an estimate uses this.
func EstimateTokens(s string) int { return len(s) / 4 }

// Reset starts a new run, optionally seeding the counter with an
// estimate of the already-assembled context.
func (b *BudgetAccountant) Reset(seedTokens int) {
	if seedTokens < 0 {
		seedTokens = 0
	}
	b.used = seedTokens
}

// Exhausted reports whether the hard limit has been reached. The
// dispatcher blocks further tool calls once this is true.
func (b *BudgetAccountant) Exhausted() bool { return b.used >= b.budget }

// Pressured reports whether utilization crossed the compaction
// threshold (80%).
func (b *BudgetAccountant) Pressured() bool {
	return float64(b.used) >= float64(b.budget)*warnUtilization
}

// Used returns the accumulated token estimate.
func (b *BudgetAccountant) Used() int { return b.used }

// Budget returns the run ceiling.
func (b *BudgetAccountant) Budget() int { return b.budget }

// Charge accounts output tokens and returns a directive to append to
// the tool result: a warning at ≥80% utilization, a hard no-more-tools
// directive at 100%. Empty below the warning threshold.
func (b *BudgetAccountant) Charge(output string) string {
	b.used += EstimateTokens(output)

	switch {
	case b.used >= b.budget:
		return fmt.Sprintf(budgetHardStop, b.used, b.budget)
	case float64(b.used) >= float64(b.budget)*warnUtilization:
		pct := b.used * 100 / b.budget
		return fmt.Sprintf(budgetWarning, pct, b.used, b.budget)
	default:
		return ""
	}
}
