// Package costs prices provider usage and accumulates spend records,
// optionally enforcing a budget.
package costs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soracode/renga/internal/providers"
)

// Price is USD per million tokens for one model.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Record is one priced provider call.
type Record struct {
	Timestamp    time.Time
	Provider     string
	Model        string
	SessionID    string
	Agent        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Total is an aggregate over records.
type Total struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ErrBudgetExceeded is returned by Track once the configured spend
// ceiling is passed. Callers decide whether to stop or just warn.
var ErrBudgetExceeded = fmt.Errorf("costs: budget exceeded")

// Tracker maintains unit prices and the in-process spend ledger.
type Tracker struct {
	mu        sync.Mutex
	prices    map[string]Price // "provider/model" or "provider/*"
	records   []Record
	budgetUSD float64 // 0 = unlimited
}

func NewTracker(budgetUSD float64) *Tracker {
	return &Tracker{
		prices:    defaultPrices(),
		budgetUSD: budgetUSD,
	}
}

func defaultPrices() map[string]Price {
	return map[string]Price{
		"anthropic/*": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
		"openai/*":    {InputPerMTok: 2.5, OutputPerMTok: 10.0},
	}
}

// SetPrice registers the unit price for provider/model. Model "*" is
// the provider-wide fallback.
func (t *Tracker) SetPrice(provider, model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[provider+"/"+model] = p
}

func (t *Tracker) lookupPrice(provider, model string) Price {
	if p, ok := t.prices[provider+"/"+model]; ok {
		return p
	}
	if p, ok := t.prices[provider+"/*"]; ok {
		return p
	}
	return Price{}
}

// Track prices one usage record and appends it to the ledger. Returns
// ErrBudgetExceeded once cumulative spend passes the budget.
func (t *Tracker) Track(provider, model, sessionID, agent string, usage *providers.Usage) error {
	if usage == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	price := t.lookupPrice(provider, model)
	cost := float64(usage.PromptTokens)/1e6*price.InputPerMTok +
		float64(usage.CompletionTokens)/1e6*price.OutputPerMTok

	t.records = append(t.records, Record{
		Timestamp:    time.Now().UTC(),
		Provider:     provider,
		Model:        model,
		SessionID:    sessionID,
		Agent:        agent,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      cost,
	})

	if t.budgetUSD > 0 {
		var total float64
		for _, r := range t.records {
			total += r.CostUSD
		}
		if total > t.budgetUSD {
			return fmt.Errorf("%w: $%.4f of $%.2f", ErrBudgetExceeded, total, t.budgetUSD)
		}
	}
	return nil
}

// GrandTotal aggregates the whole ledger.
func (t *Tracker) GrandTotal() Total {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregate(t.records, func(Record) bool { return true })
}

// BySession aggregates spend for one session.
func (t *Tracker) BySession(sessionID string) Total {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregate(t.records, func(r Record) bool { return r.SessionID == sessionID })
}

// ByModel aggregates spend per provider/model key.
func (t *Tracker) ByModel() map[string]Total {
	t.mu.Lock()
	defer t.mu.Unlock()
	return groupBy(t.records, func(r Record) string { return r.Provider + "/" + r.Model })
}

// ByAgent aggregates spend per agent name.
func (t *Tracker) ByAgent() map[string]Total {
	t.mu.Lock()
	defer t.mu.Unlock()
	return groupBy(t.records, func(r Record) string { return r.Agent })
}

// ByDay aggregates spend per UTC day, oldest first.
func (t *Tracker) ByDay() []struct {
	Day string
	Total
} {
	t.mu.Lock()
	defer t.mu.Unlock()

	buckets := groupBy(t.records, func(r Record) string {
		return r.Timestamp.Format("2006-01-02")
	})
	days := make([]string, 0, len(buckets))
	for day := range buckets {
		days = append(days, day)
	}
	sort.Strings(days)

	result := make([]struct {
		Day string
		Total
	}, 0, len(days))
	for _, day := range days {
		result = append(result, struct {
			Day string
			Total
		}{Day: day, Total: buckets[day]})
	}
	return result
}

// Summary renders a short human-readable spend report.
func (t *Tracker) Summary() string {
	grand := t.GrandTotal()
	byModel := t.ByModel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total: $%.4f (%d calls, %d in / %d out tokens)\n",
		grand.CostUSD, grand.Calls, grand.InputTokens, grand.OutputTokens)

	keys := make([]string, 0, len(byModel))
	for k := range byModel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := byModel[k]
		fmt.Fprintf(&sb, "  %s: $%.4f (%d calls)\n", k, v.CostUSD, v.Calls)
	}
	return sb.String()
}

func aggregate(records []Record, match func(Record) bool) Total {
	var total Total
	for _, r := range records {
		if !match(r) {
			continue
		}
		total.Calls++
		total.InputTokens += r.InputTokens
		total.OutputTokens += r.OutputTokens
		total.CostUSD += r.CostUSD
	}
	return total
}

func groupBy(records []Record, key func(Record) string) map[string]Total {
	out := make(map[string]Total)
	for _, r := range records {
		k := key(r)
		t := out[k]
		t.Calls++
		t.InputTokens += r.InputTokens
		t.OutputTokens += r.OutputTokens
		t.CostUSD += r.CostUSD
		out[k] = t
	}
	return out
}
