// Package names keeps the registry of canonical target names and their
// aliases, persisted as targets.yaml.
package names

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// Cutoff is the minimum similarity ratio for a suggestion.
const Cutoff = 0.6

// Target is a canonical name with its aliases.
type Target struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
}

type file struct {
	Targets []Target `yaml:"targets"`
}

// Registry maps free-form target names onto canonical ones.
type Registry struct {
	mu      sync.RWMutex
	path    string
	targets map[string]*Target
	aliases map[string]string
	folded  map[string]string
}

// Load reads the registry at path. A missing file yields an empty
// registry that is created on the first Register.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	r.targets = make(map[string]*Target)
	r.aliases = make(map[string]string)
	r.folded = make(map[string]string)

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", r.path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing %s: %w", r.path, err)
	}
	for _, t := range f.Targets {
		r.add(t.Name, t.Aliases)
	}
	return nil
}

func (r *Registry) add(name string, aliases []string) {
	t, ok := r.targets[name]
	if !ok {
		t = &Target{Name: name}
		r.targets[name] = t
		if _, taken := r.folded[strings.ToLower(name)]; !taken {
			r.folded[strings.ToLower(name)] = name
		}
	}
	for _, a := range aliases {
		if a == "" || a == name {
			continue
		}
		if _, dup := r.aliases[a]; dup {
			continue
		}
		r.aliases[a] = name
		t.Aliases = append(t.Aliases, a)
	}
}

// Normalize returns the canonical form of name: an exact canonical match,
// then an alias, then a case-insensitive canonical match, else name
// itself.
func (r *Registry) Normalize(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.targets[name]; ok {
		return name
	}
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	if canonical, ok := r.folded[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// Register adds name with aliases and persists the registry. Registering
// a known name only adds the new aliases. An alias already bound to a
// different name is an error.
func (r *Registry) Register(name string, aliases ...string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("target name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Pick up registrations made by other processes.
	if err := r.reload(); err != nil {
		return err
	}
	for _, a := range aliases {
		if owner, ok := r.aliases[a]; ok && owner != name {
			return fmt.Errorf("alias %q already belongs to %q", a, owner)
		}
		if _, ok := r.targets[a]; ok && a != name {
			return fmt.Errorf("alias %q is itself a target name", a)
		}
	}

	before := r.size()
	r.add(name, aliases)
	if r.size() == before {
		return nil
	}
	return r.save()
}

func (r *Registry) size() int {
	return len(r.targets) + len(r.aliases)
}

func (r *Registry) save() error {
	f := file{Targets: make([]Target, 0, len(r.targets))}
	for _, t := range r.targets {
		f.Targets = append(f.Targets, *t)
	}
	sort.Slice(f.Targets, func(i, j int) bool { return f.Targets[i].Name < f.Targets[j].Name })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".targets-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("writing %s: %w", r.path, err)
	}
	return nil
}

// Names returns the canonical names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.targets))
	for n := range r.targets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Suggest returns up to limit canonical names similar to query, best
// first. An alias that matches counts as its canonical name. Candidates
// below Cutoff are dropped.
func (r *Registry) Suggest(query string, limit int) []string {
	if limit <= 0 || query == "" {
		return nil
	}
	r.mu.RLock()
	canonical := make(map[string]string, r.size())
	for n := range r.targets {
		canonical[n] = n
	}
	for a, n := range r.aliases {
		canonical[a] = n
	}
	r.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	for _, m := range closeMatches(query, slices.Collect(maps.Keys(canonical)), Cutoff) {
		name := canonical[m.name]
		if seen[name] || name == query {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == limit {
			break
		}
	}
	return out
}

type scored struct {
	name  string
	score float64
}

// closeMatches scores candidates against query and returns those at or
// above cutoff, best first.
func closeMatches(query string, candidates []string, cutoff float64) []scored {
	q := runes(query)
	var matches []scored
	for _, c := range candidates {
		if c == query {
			continue
		}
		m := difflib.NewMatcher(runes(c), q)
		if m.RealQuickRatio() < cutoff || m.QuickRatio() < cutoff {
			continue
		}
		if score := m.Ratio(); score >= cutoff {
			matches = append(matches, scored{name: c, score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].name < matches[j].name
	})
	return matches
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
