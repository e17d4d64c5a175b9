package optimizer

import (
	"fmt"
	"sort"

	"github.com/soracode/renga/internal/profile"
)

// Selector decides (depth, agents, skipped) from TaskScores and the
// profile's rule map.
type Selector struct {
	thresholds Thresholds
	rules      profile.RuleMap
}

func NewSelector(thresholds Thresholds, rules profile.RuleMap) *Selector {
	return &Selector{thresholds: thresholds, rules: rules}
}

// Select evaluates the rule predicate for each available agent
// (orchestrator excluded) and floors the result at one agent when any
// worker exists.
func (s *Selector) Select(scores TaskScores, available []string) SelectionResult {
	total := scores.Total()
	depth := s.depthFor(total)

	workers := make([]string, 0, len(available))
	for _, name := range available {
		if name != profile.OrchestratorAgent {
			workers = append(workers, name)
		}
	}
	sort.Strings(workers)

	var agents, skipped []string
	for _, name := range workers {
		if s.include(name, scores, depth) {
			agents = append(agents, name)
		} else {
			skipped = append(skipped, name)
		}
	}

	reason := fmt.Sprintf("total=%d depth=%s (flat≤%d, light≤%d)",
		total, depth, s.thresholds.FlatMax, s.thresholds.LightMax)

	// Floor: at least one worker participates when any exists.
	if len(agents) == 0 && len(workers) > 0 {
		agents = []string{workers[0]}
		skipped = removeString(skipped, workers[0])
		reason += "; floored to one agent"
	}

	return SelectionResult{
		Depth:      depth,
		Agents:     agents,
		Skipped:    skipped,
		Reason:     reason,
		TotalScore: total,
	}
}

func (s *Selector) depthFor(total int) Depth {
	switch {
	case total <= s.thresholds.FlatMax:
		return DepthFlat
	case total <= s.thresholds.LightMax:
		return DepthLight
	default:
		return DepthStructured
	}
}

// include is the selection predicate, evaluated in documented order:
// always → skip_when(task_type) → flat gate → required_when(task_type)
// → required_when(threshold) → structured default → light default.
func (s *Selector) include(agent string, scores TaskScores, depth Depth) bool {
	rule := s.rules[agent]
	if rule == nil {
		rule = &profile.Rule{}
	}

	if rule.Always {
		return true
	}
	if rule.SkipWhen != nil && containsString(rule.SkipWhen.TaskTypes, scores.TaskType) {
		return false
	}
	if depth == DepthFlat {
		return false
	}
	if rw := rule.RequiredWhen; rw != nil {
		if containsString(rw.TaskTypes, scores.TaskType) {
			return true
		}
		for key, threshold := range rw.Thresholds {
			if scores.Component(key) >= threshold {
				return true
			}
		}
	}
	return depth == DepthStructured
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
