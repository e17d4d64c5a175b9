// Package profile loads a profile directory: agent definitions,
// selection rules, and top-level profile settings.
//
//	profiles/<name>/
//	  profile.yaml
//	  agents/*.md|*.yaml    YAML front-matter + markdown body
//	  skills/<name>/SKILL.md
//	  agent_rules.yaml      optional AgentSelector rule overrides
package profile

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OrchestratorAgent is the reserved entry-agent name.
const OrchestratorAgent = "orchestrator"

// AgentConfig is one agent persona loaded from the profile.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed_tools"`
	Mode         string   `yaml:"mode"`
	SystemPrompt string   `yaml:"-"` // markdown body
}

// Settings is profile.yaml.
type Settings struct {
	IncludeBaseTools *bool       `yaml:"include_base_tools"`
	MCPServers       []MCPServer `yaml:"mcp_servers"`
}

// MCPServer declares one external tool bridge process.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Profile is the fully loaded profile directory.
type Profile struct {
	Name     string
	Dir      string
	Settings Settings
	Agents   map[string]*AgentConfig
	Rules    RuleMap
}

// SkillsDir returns the profile's skills directory path.
func (p *Profile) SkillsDir() string { return filepath.Join(p.Dir, "skills") }

// AgentNames returns all agent names, sorted, orchestrator first.
func (p *Profile) AgentNames() []string {
	names := make([]string, 0, len(p.Agents))
	for name := range p.Agents {
		if name != OrchestratorAgent {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := p.Agents[OrchestratorAgent]; ok {
		names = append([]string{OrchestratorAgent}, names...)
	}
	return names
}

// WorkerNames returns non-orchestrator agent names, sorted.
func (p *Profile) WorkerNames() []string {
	names := make([]string, 0, len(p.Agents))
	for name := range p.Agents {
		if name != OrchestratorAgent {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Load reads profiles/<name> under root.
func Load(root, name string) (*Profile, error) {
	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", name, err)
	}

	p := &Profile{
		Name:   name,
		Dir:    dir,
		Agents: make(map[string]*AgentConfig),
	}

	if data, err := os.ReadFile(filepath.Join(dir, "profile.yaml")); err == nil {
		if err := yaml.Unmarshal(data, &p.Settings); err != nil {
			return nil, fmt.Errorf("profile: parse profile.yaml: %w", err)
		}
	}

	if err := p.loadAgents(filepath.Join(dir, "agents")); err != nil {
		return nil, err
	}
	if len(p.Agents) == 0 {
		return nil, fmt.Errorf("profile: %s declares no agents", name)
	}
	if _, ok := p.Agents[OrchestratorAgent]; !ok {
		return nil, fmt.Errorf("profile: %s has no %q agent", name, OrchestratorAgent)
	}

	rules, err := LoadRules(filepath.Join(dir, "agent_rules.yaml"))
	if err != nil {
		return nil, err
	}
	p.Rules = rules

	slog.Debug("profile loaded", "profile", name, "agents", len(p.Agents), "rules", len(p.Rules))
	return p, nil
}

func (p *Profile) loadAgents(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("profile: read agents dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".md" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		agent, err := parseAgentFile(path)
		if err != nil {
			return fmt.Errorf("profile: agent %s: %w", e.Name(), err)
		}
		if agent.Name == "" {
			agent.Name = strings.TrimSuffix(e.Name(), ext)
		}
		p.Agents[agent.Name] = agent
	}
	return nil
}

func parseAgentFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var agent AgentConfig
	if filepath.Ext(path) != ".md" {
		if err := yaml.Unmarshal(data, &agent); err != nil {
			return nil, err
		}
		return &agent, nil
	}

	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(fm, &agent); err != nil {
		return nil, err
	}
	agent.SystemPrompt = strings.TrimSpace(string(body))
	if agent.SystemPrompt == "" {
		return nil, fmt.Errorf("empty system prompt")
	}
	return &agent, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fm []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundClosing = true
			break
		}
		fm = append(fm, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	return []byte(strings.Join(fm, "\n")), []byte(strings.Join(body, "\n")), nil
}
