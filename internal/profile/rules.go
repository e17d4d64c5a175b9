package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule controls whether the AgentSelector includes one agent.
// skip_when deliberately supports only task_type: the behaviour of a
// score threshold appearing on both sides is undefined, so the schema
// cannot express it.
type Rule struct {
	Always       bool          `yaml:"always"`
	RequiredWhen *RequiredWhen `yaml:"required_when"`
	SkipWhen     *SkipWhen     `yaml:"skip_when"`
}

// RequiredWhen includes the agent when the task type matches or any
// score threshold is met.
type RequiredWhen struct {
	TaskTypes []string `yaml:"task_type"`

	// Thresholds maps a TaskScores key (scope, novelty, risk,
	// complexity, dependencies) to a minimum value.
	Thresholds map[string]float64 `yaml:",inline"`
}

// SkipWhen excludes the agent for the listed task types.
type SkipWhen struct {
	TaskTypes []string `yaml:"task_type"`
}

// RuleMap is agent name → rule.
type RuleMap map[string]*Rule

var scoreKeys = map[string]bool{
	"scope":        true,
	"novelty":      true,
	"risk":         true,
	"complexity":   true,
	"dependencies": true,
}

// LoadRules reads agent_rules.yaml. A missing file yields an empty map
// (selector falls back to depth-based defaults).
func LoadRules(path string) (RuleMap, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return RuleMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read rules: %w", err)
	}

	// Two-pass parse: required_when mixes a task_type list with inline
	// score thresholds, which yaml inline maps cannot split cleanly.
	var raw map[string]struct {
		Always       bool                   `yaml:"always"`
		RequiredWhen map[string]interface{} `yaml:"required_when"`
		SkipWhen     *SkipWhen              `yaml:"skip_when"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("profile: parse rules: %w", err)
	}

	rules := make(RuleMap, len(raw))
	for agent, r := range raw {
		rule := &Rule{Always: r.Always, SkipWhen: r.SkipWhen}
		if r.RequiredWhen != nil {
			rw := &RequiredWhen{Thresholds: make(map[string]float64)}
			for key, value := range r.RequiredWhen {
				if key == "task_type" {
					list, ok := value.([]interface{})
					if !ok {
						return nil, fmt.Errorf("profile: rule %s: task_type must be a list", agent)
					}
					for _, v := range list {
						s, ok := v.(string)
						if !ok {
							return nil, fmt.Errorf("profile: rule %s: task_type entries must be strings", agent)
						}
						rw.TaskTypes = append(rw.TaskTypes, s)
					}
					continue
				}
				if !scoreKeys[key] {
					return nil, fmt.Errorf("profile: rule %s: unknown required_when key %q", agent, key)
				}
				threshold, ok := toFloat(value)
				if !ok {
					return nil, fmt.Errorf("profile: rule %s: %s threshold must be numeric", agent, key)
				}
				rw.Thresholds[key] = threshold
			}
			rule.RequiredWhen = rw
		}
		rules[agent] = rule
	}
	return rules, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
