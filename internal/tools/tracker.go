package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tracker defaults.
const (
	DefaultWindowSize = 10
	DefaultMaxRepeats = 3
)

// CallTracker detects tool-call loops: within a sliding window of the
// last W invocations, an identical (tool, canonical args) key may
// appear at most R-1 times before the dispatcher refuses to execute
// it. One tracker lives per run; it is never shared across concurrent
// sub-agents.
type CallTracker struct {
	window     int
	maxRepeats int
	keys       []string // bounded ring, oldest first
}

func NewCallTracker(windowSize, maxRepeats int) *CallTracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if maxRepeats <= 0 {
		maxRepeats = DefaultMaxRepeats
	}
	return &CallTracker{window: windowSize, maxRepeats: maxRepeats}
}

// Reset clears the window for a new run.
func (t *CallTracker) Reset() { t.keys = t.keys[:0] }

// Check records the invocation and reports whether it crosses the
// repeat limit. The rejected invocation still counts toward the
// window, so an insistent model keeps hitting the guard.
func (t *CallTracker) Check(toolName string, args map[string]interface{}) bool {
	key := CanonicalKey(toolName, args)

	repeats := 0
	for _, k := range t.keys {
		if k == key {
			repeats++
		}
	}

	t.keys = append(t.keys, key)
	if len(t.keys) > t.window {
		t.keys = t.keys[len(t.keys)-t.window:]
	}

	return repeats+1 >= t.maxRepeats
}

// CanonicalKey builds a deterministic key for (tool, args): keys
// sorted, values JSON-encoded.
func CanonicalKey(toolName string, args map[string]interface{}) string {
	if len(args) == 0 {
		return toolName + "()"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(toolName)
	sb.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", args[k]))
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.Write(v)
	}
	sb.WriteByte(')')
	return sb.String()
}
