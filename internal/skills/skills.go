// Package skills discovers reusable knowledge packs under a profile's
// skills directory. A skill is a directory holding SKILL.md (YAML
// front-matter + markdown body) and optional scripts. The orchestrator
// injects matching skills into delegated calls by trigger keywords.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	skillFilename        = "SKILL.md"
	frontmatterDelimiter = "---"

	// MaxInjected bounds how many skills one delegated call receives.
	MaxInjected = 3
)

// Skill is one discovered knowledge pack.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"` // lowercase keywords matched against task text
	Content     string   `yaml:"-"`        // markdown body
	Path        string   `yaml:"-"`        // skill directory
}

// Loader discovers skills and keeps them fresh via fsnotify.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills map[string]*Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, skills: make(map[string]*Skill)}
}

// Load scans the skills directory. A missing directory is not an
// error; it just means the profile ships no skills.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("skills: read dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), skillFilename)
		skill, err := parseSkillFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping invalid skill", "path", path, "error", err)
			}
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	slog.Debug("skills loaded", "dir", l.dir, "count", len(loaded))
	return nil
}

// Watch starts a background reload on directory changes. Close stops it.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("skills: watch %s: %w", l.dir, err)
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-l.done:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				if err := l.Load(); err != nil {
					slog.Warn("skills reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() {
	if l.watcher != nil {
		close(l.done)
		l.watcher.Close()
		l.watcher = nil
	}
}

// All returns every loaded skill, sorted by name.
func (l *Loader) All() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Match returns up to MaxInjected skills whose triggers appear in the
// task text, most-specific (most trigger hits) first.
func (l *Loader) Match(taskText string) []*Skill {
	lower := strings.ToLower(taskText)

	type scored struct {
		skill *Skill
		hits  int
	}
	var matches []scored

	l.mu.RLock()
	for _, s := range l.skills {
		hits := 0
		for _, trig := range s.Triggers {
			if trig != "" && strings.Contains(lower, strings.ToLower(trig)) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{skill: s, hits: hits})
		}
	}
	l.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return matches[i].skill.Name < matches[j].skill.Name
	})

	if len(matches) > MaxInjected {
		matches = matches[:MaxInjected]
	}
	result := make([]*Skill, len(matches))
	for i, m := range matches {
		result[i] = m.skill
	}
	return result
}

func parseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = filepath.Dir(path)
	return &skill, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fm []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
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
