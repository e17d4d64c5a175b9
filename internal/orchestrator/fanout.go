package orchestrator

import (
	"regexp"
	"strings"
)

// markerRe matches a delegation marker at the start of a line:
// "@name" followed by ": ", whitespace, or end of line.
var markerRe = regexp.MustCompile(`^@([a-zA-Z0-9_-]+)(?::\s*|\s+|$)`)

// Delegation is one parsed fan-out block from an orchestrator reply.
type Delegation struct {
	Agent string
	Task  string
	// Span of the block in the original reply, by line index, for
	// substitution of the delegate's return text.
	StartLine int
	EndLine   int // exclusive
}

// ParseDirectRoute recognizes a whole-message "@name ..." direct
// routing prefix. Returns the agent and remaining text, or ok=false.
func ParseDirectRoute(input string, known map[string]bool) (agent, task string, ok bool) {
	m := markerRe.FindStringSubmatch(input)
	if m == nil || !known[m[1]] {
		return "", "", false
	}
	return m[1], strings.TrimSpace(input[len(m[0]):]), true
}

// ParseDelegations scans a reply line-by-line for @name markers naming
// known agents. Each marker opens a block that extends until the next
// marker or a run of two or more blank lines.
func ParseDelegations(reply string, known map[string]bool) []Delegation {
	lines := strings.Split(reply, "\n")

	var out []Delegation
	var current *Delegation
	blanks := 0

	closeCurrent := func(end int) {
		if current == nil {
			return
		}
		current.EndLine = end
		body := strings.Join(lines[current.StartLine:end], "\n")
		m := markerRe.FindString(strings.TrimLeft(body, " \t"))
		// Drop the marker itself from the task text.
		idx := strings.Index(body, m)
		current.Task = strings.TrimSpace(body[idx+len(m):])
		if current.Task != "" {
			out = append(out, *current)
		}
		current = nil
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks >= 2 {
				closeCurrent(i)
			}
			continue
		}
		blanks = 0

		if m := markerRe.FindStringSubmatch(strings.TrimLeft(line, " \t")); m != nil && known[m[1]] {
			closeCurrent(i)
			current = &Delegation{Agent: m[1], StartLine: i}
		}
	}
	closeCurrent(len(lines))
	return out
}

// SubstituteBlocks replaces each delegation's span in the reply with
// the corresponding replacement text, preserving everything outside
// the spans. Delegations must be in ascending span order.
func SubstituteBlocks(reply string, delegations []Delegation, replacements []string) string {
	lines := strings.Split(reply, "\n")

	var sb strings.Builder
	cursor := 0
	for i, d := range delegations {
		for ; cursor < d.StartLine; cursor++ {
			sb.WriteString(lines[cursor])
			sb.WriteString("\n")
		}
		sb.WriteString(replacements[i])
		sb.WriteString("\n")
		cursor = d.EndLine
	}
	for ; cursor < len(lines); cursor++ {
		sb.WriteString(lines[cursor])
		if cursor < len(lines)-1 {
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
