// Package optimizer is the adaptive selection policy: it scores
// incoming tasks, decides which agents participate and at what depth,
// records outcomes, and periodically re-tunes its own thresholds from
// the recorded history.
package optimizer

import "math"

// Task types form a closed set; anything else normalizes to "other".
const (
	TaskBugfix   = "bugfix"
	TaskFeature  = "feature"
	TaskRefactor = "refactor"
	TaskDocs     = "docs"
	TaskSecurity = "security"
	TaskOther    = "other"
)

var validTaskTypes = map[string]bool{
	TaskBugfix:   true,
	TaskFeature:  true,
	TaskRefactor: true,
	TaskDocs:     true,
	TaskSecurity: true,
	TaskOther:    true,
}

// Depth is the coarse policy class controlling how many agents
// participate in a request.
type Depth string

const (
	DepthFlat       Depth = "flat"
	DepthLight      Depth = "light"
	DepthStructured Depth = "structured"
	DepthFull       Depth = "full"
)

// TaskScores is the analyzer's assessment of one request. All fields
// are clamped to their domains on construction, so a TaskScores that
// exists is valid.
type TaskScores struct {
	Scope        int     `json:"scope"`        // [0,10]
	Novelty      float64 `json:"novelty"`      // [0,1]
	Risk         int     `json:"risk"`         // [0,10]
	Complexity   int     `json:"complexity"`   // [0,10]
	Dependencies int     `json:"dependencies"` // [0,10]
	TaskType     string  `json:"task_type"`
}

// Clamp forces every component into its declared domain and the task
// type into the closed set.
func (s *TaskScores) Clamp() {
	s.Scope = clampInt(s.Scope, 0, 10)
	s.Novelty = clampFloat(s.Novelty, 0, 1)
	s.Risk = clampInt(s.Risk, 0, 10)
	s.Complexity = clampInt(s.Complexity, 0, 10)
	s.Dependencies = clampInt(s.Dependencies, 0, 10)
	if !validTaskTypes[s.TaskType] {
		s.TaskType = TaskOther
	}
}

// Total is the combined score: scope + round(novelty*10) + risk +
// complexity + dependencies. Monotonic in each component.
func (s TaskScores) Total() int {
	return s.Scope + int(math.Round(s.Novelty*10)) + s.Risk + s.Complexity + s.Dependencies
}

// Component returns a named score as float64 for rule threshold
// checks. Unknown keys return 0.
func (s TaskScores) Component(key string) float64 {
	switch key {
	case "scope":
		return float64(s.Scope)
	case "novelty":
		return s.Novelty
	case "risk":
		return float64(s.Risk)
	case "complexity":
		return float64(s.Complexity)
	case "dependencies":
		return float64(s.Dependencies)
	}
	return 0
}

// SelectionResult is the selector's decision for one request.
type SelectionResult struct {
	Depth      Depth    `json:"depth"`
	Agents     []string `json:"agents"`
	Skipped    []string `json:"skipped"`
	Reason     string   `json:"reason"`
	TotalScore int      `json:"total_score"`
}

// Bucket returns the aggregate-statistics bucket for a total score:
// 5·⌊total/5⌋.
func Bucket(total int) int {
	if total < 0 {
		total = 0
	}
	return 5 * (total / 5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
