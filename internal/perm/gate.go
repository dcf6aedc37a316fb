package perm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type grant struct {
	path      []string
	action    Action
	wildcards int
}

// GrantSet is an immutable set of namespace grants.
type GrantSet struct {
	grants []grant
}

// NewGrantSet builds a GrantSet from namespace -> flags pairs.
func NewGrantSet(flags map[string]string) (GrantSet, error) {
	gs := GrantSet{grants: make([]grant, 0, len(flags))}
	for ns, f := range flags {
		a, err := ParseAction(f)
		if err != nil {
			return GrantSet{}, fmt.Errorf("grant %q: %w", ns, err)
		}
		tok := ParseToken(ns)
		if tok.IsZero() {
			return GrantSet{}, fmt.Errorf("grant with empty namespace")
		}
		g := grant{path: tok.Path, action: a}
		for _, seg := range tok.Path {
			if seg == segmentWildcard {
				g.wildcards++
			}
		}
		gs.grants = append(gs.grants, g)
	}
	// Most specific first: longer paths, then fewer wildcards.
	sort.SliceStable(gs.grants, func(i, j int) bool {
		gi, gj := gs.grants[i], gs.grants[j]
		if len(gi.path) != len(gj.path) {
			return len(gi.path) > len(gj.path)
		}
		if gi.wildcards != gj.wildcards {
			return gi.wildcards < gj.wildcards
		}
		return Token{Path: gi.path}.String() < Token{Path: gj.path}.String()
	})
	return gs, nil
}

// Len returns the number of grants.
func (gs GrantSet) Len() int {
	return len(gs.grants)
}

// Allows evaluates a check the way grainy does: the most specific grant on
// the path or one of its ancestors decides. A trailing "?" also accepts any
// grant below the record that carries the action.
func (gs GrantSet) Allows(t Token, want Action) bool {
	if want == 0 || t.IsZero() {
		return false
	}
	target := t.Path
	field := t.isField()
	if field {
		target = target[:len(target)-1]
	}

	for _, g := range gs.grants {
		if len(g.path) <= len(target) && matchPrefix(g.path, target) {
			if g.action.Has(want) {
				return true
			}
			// the most specific covering grant lacks the action; only a
			// descendant grant can still satisfy a field check
			break
		}
	}

	if !field {
		return false
	}
	for _, g := range gs.grants {
		if len(g.path) > len(target) && matchPrefix(target, g.path[:len(target)]) && g.action.Has(want) {
			return true
		}
	}
	return false
}

// matchPrefix reports whether pattern matches the first len(pattern) segments of path.
func matchPrefix(pattern, path []string) bool {
	if len(pattern) > len(path) {
		return false
	}
	for i, seg := range pattern {
		if seg != segmentWildcard && path[i] != segmentWildcard && seg != path[i] {
			return false
		}
	}
	return true
}

// Source provides the principal's current grant set.
type Source interface {
	Grants() GrantSet
}

// Store holds the current grant set and can be refreshed at any time.
type Store struct {
	mu  sync.RWMutex
	set GrantSet
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Grants returns the current grant set.
func (s *Store) Grants() GrantSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Replace swaps in a new grant set.
func (s *Store) Replace(gs GrantSet) {
	s.mu.Lock()
	s.set = gs
	s.mu.Unlock()
}

// Fetcher loads namespace -> flags grants from a remote authority.
type Fetcher interface {
	Permissions(ctx context.Context) (map[string]string, error)
}

// LoadRemote replaces the grant set with the one returned by f.
func (s *Store) LoadRemote(ctx context.Context, f Fetcher) error {
	flags, err := f.Permissions(ctx)
	if err != nil {
		return fmt.Errorf("fetching permissions: %w", err)
	}
	gs, err := NewGrantSet(flags)
	if err != nil {
		return err
	}
	s.Replace(gs)
	return nil
}

type grantsFile struct {
	Grants map[string]string `yaml:"grants"`
}

// LoadFile reads a YAML grants file of the form "grants: {namespace: flags}".
func LoadFile(path string) (GrantSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GrantSet{}, fmt.Errorf("reading grants file: %w", err)
	}
	var f grantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return GrantSet{}, fmt.Errorf("parsing grants file: %w", err)
	}
	return NewGrantSet(f.Grants)
}

// Gate answers permission checks against a Source. It never caches:
// every call reads the source's current grants.
type Gate struct {
	src Source
}

// NewGate creates a Gate over src.
func NewGate(src Source) *Gate {
	return &Gate{src: src}
}

// Check reports whether the principal holds want on t.
func (g *Gate) Check(t Token, want Action) bool {
	if g == nil || g.src == nil {
		return false
	}
	return g.src.Grants().Allows(t, want)
}

// Allowed is Check for a namespace string.
func (g *Gate) Allowed(namespace string, want Action) bool {
	return g.Check(ParseToken(namespace), want)
}
