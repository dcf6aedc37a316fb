package perm

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a bit set of grainy permission flags.
type Action uint8

const (
	Read   Action = 1 << 0
	Update Action = 1 << 1
	Create Action = 1 << 2
	Delete Action = 1 << 3

	All = Read | Update | Create | Delete
)

// FieldWildcard as the last path segment means "any field under this record".
const FieldWildcard = "?"

// segmentWildcard in a grant namespace matches any single segment.
const segmentWildcard = "*"

// Has reports whether every flag in want is set.
func (a Action) Has(want Action) bool {
	return want != 0 && a&want == want
}

func (a Action) String() string {
	var b strings.Builder
	for _, f := range []struct {
		flag Action
		c    byte
	}{{Create, 'c'}, {Read, 'r'}, {Update, 'u'}, {Delete, 'd'}} {
		if a&f.flag != 0 {
			b.WriteByte(f.c)
		}
	}
	return b.String()
}

// ParseAction parses flag letters ("crud", "r") or a numeric grainy bitmask ("15").
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > int(All) {
			return 0, fmt.Errorf("permission mask %d out of range", n)
		}
		return Action(n), nil
	}
	var a Action
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'c':
			a |= Create
		case 'r':
			a |= Read
		case 'u':
			a |= Update
		case 'd':
			a |= Delete
		default:
			return 0, fmt.Errorf("invalid permission flag %q in %q", c, s)
		}
	}
	return a, nil
}

// Token is a dot-hierarchical permission namespace such as "ix.1.7".
type Token struct {
	Path []string
}

// ParseToken splits a grainy namespace string into a Token.
func ParseToken(namespace string) Token {
	namespace = strings.Trim(strings.TrimSpace(namespace), ".")
	if namespace == "" {
		return Token{}
	}
	parts := strings.Split(namespace, ".")
	path := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			path = append(path, p)
		}
	}
	return Token{Path: path}
}

func (t Token) String() string {
	return strings.Join(t.Path, ".")
}

// IsZero reports whether the token has no path.
func (t Token) IsZero() bool {
	return len(t.Path) == 0
}

// Child returns a new token with segs appended.
func (t Token) Child(segs ...string) Token {
	path := make([]string, 0, len(t.Path)+len(segs))
	path = append(path, t.Path...)
	path = append(path, segs...)
	return Token{Path: path}
}

// Field returns the "any field under this record" form of t.
func (t Token) Field() Token {
	if t.isField() {
		return t
	}
	return t.Child(FieldWildcard)
}

// Rebase replaces the root segment when it equals from,
// e.g. ix.1.7 rebased from "ix" to "routeserver" is routeserver.1.7.
func (t Token) Rebase(from, to string) Token {
	if len(t.Path) == 0 || t.Path[0] != from {
		return t
	}
	return Token{Path: append([]string{to}, t.Path[1:]...)}
}

func (t Token) isField() bool {
	return len(t.Path) > 0 && t.Path[len(t.Path)-1] == FieldWildcard
}
