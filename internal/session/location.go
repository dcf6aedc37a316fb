package session

import (
	"net/url"
	"strconv"
	"sync"
)

// Query parameters that form the panel's outward URL contract.
const (
	ParamExchange        = "ix"
	ParamEditRouteserver = "edit-routeserver"
)

// Location is the externally visible URL of the panel. It is a side
// channel: nothing reads it back as state after the initial parse.
type Location struct {
	mu    sync.Mutex
	path  string
	query url.Values
}

// NewLocation parses raw (path plus optional query). An unparsable value
// yields the root path.
func NewLocation(raw string) *Location {
	l := &Location{path: "/", query: url.Values{}}
	u, err := url.Parse(raw)
	if err != nil {
		return l
	}
	if u.Path != "" {
		l.path = u.Path
	}
	l.query = u.Query()
	return l
}

// Path returns the current path.
func (l *Location) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// SetPath replaces the path, keeping the query.
func (l *Location) SetPath(p string) {
	l.mu.Lock()
	l.path = p
	l.mu.Unlock()
}

// Param returns a query parameter.
func (l *Location) Param(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query.Get(key)
}

// IntParam returns a query parameter parsed as a positive int, 0 otherwise.
func (l *Location) IntParam(key string) int {
	n, err := strconv.Atoi(l.Param(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetParam sets a query parameter.
func (l *Location) SetParam(key, value string) {
	l.mu.Lock()
	l.query.Set(key, value)
	l.mu.Unlock()
}

// DelParam removes a query parameter.
func (l *Location) DelParam(key string) {
	l.mu.Lock()
	l.query.Del(key)
	l.mu.Unlock()
}

func (l *Location) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := url.URL{Path: l.path, RawQuery: l.query.Encode()}
	return u.String()
}
