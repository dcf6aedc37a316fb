package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the state of a route server config generation job.
type Status int

const (
	StatusNone Status = iota
	StatusQueued
	StatusGenerating
	StatusOK
	StatusError
	StatusCancelled
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the job state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStopped is returned by a poller that has been torn down.
	ErrStopped = errors.New("poller stopped")

	// ErrStoppedAfterGenerate is returned by Generate when the collaborator
	// accepted the request but the poller was torn down before it could
	// follow the job. It wraps ErrStopped.
	ErrStoppedAfterGenerate = fmt.Errorf("%w after generate was accepted", ErrStopped)
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusGenerating:
		return "generating"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is a final state. Terminal jobs are not polled.
func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusError || s == StatusCancelled
}

// ParseStatus maps the server's routeserver_config_status value. Empty means
// no job was ever requested. The server's "generated" and "canceled"
// spellings are normalized. ok is false for values the panel does not know.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return StatusNone, true
	case "queued":
		return StatusQueued, true
	case "generating":
		return StatusGenerating, true
	case "ok", "generated":
		return StatusOK, true
	case "error":
		return StatusError, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	default:
		return StatusNone, false
	}
}

var transitions = map[Status][]Status{
	StatusNone:       {StatusQueued, StatusGenerating, StatusOK, StatusError, StatusCancelled},
	StatusQueued:     {StatusGenerating, StatusOK, StatusError, StatusCancelled},
	StatusGenerating: {StatusQueued, StatusOK, StatusError, StatusCancelled},
	StatusOK:         {StatusQueued},
	StatusError:      {StatusQueued},
	StatusCancelled:  {StatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states only leave through a new generate request (queued).
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Summary extracts the human relevant part of a job diagnostic. Server
// tracebacks carry the message after the first "raise " line; anything
// that does not follow that convention is returned unchanged.
func Summary(raw string) string {
	_, after, found := strings.Cut(raw, "raise ")
	if !found {
		return raw
	}
	seg, _, _ := strings.Cut(after, "raise ")
	if i := strings.IndexByte(seg, '\n'); i >= 0 {
		seg = seg[i+1:]
	}
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return raw
	}
	return seg
}
