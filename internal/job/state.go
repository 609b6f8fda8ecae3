// Package job orchestrates transcode jobs: cache hits, deduplication of
// concurrent requests, the fetch and encode lifecycle, and delivery of job
// events and live output to attached clients.
package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady is returned when a wait bound expires. The job may still
	// complete later.
	ErrNotReady = errors.New("transcode not ready in time")
	// ErrCancelled is returned to waiters of a cancelled job.
	ErrCancelled = errors.New("transcode cancelled")
	// ErrJobNotFound is returned when no job exists for a key.
	ErrJobNotFound = errors.New("transcode job not found")
	// ErrShuttingDown is returned once the manager stops accepting work.
	ErrShuttingDown = errors.New("job manager shutting down")
)

// State is the lifecycle state of a job.
type State int

const (
	StateFetching State = iota + 1
	StateEncoding
	StateReady
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateEncoding:
		return "encoding"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateFetching, StateEncoding, StateReady, StateFailed, StateCancelled} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateCancelled
}

// EventType classifies job events.
type EventType string

const (
	EventState     EventType = "state"
	EventProgress  EventType = "progress"
	EventReady     EventType = "ready"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one observation about a job, delivered to subscribers in the
// order the job produced them.
type Event struct {
	Type     EventType `json:"type"`
	Key      string    `json:"cacheId"`
	JobID    string    `json:"jobId"`
	State    State     `json:"state"`
	Progress float64   `json:"progress"`
	// Elapsed and Duration are encoded media seconds.
	Elapsed  float64   `json:"time"`
	Duration float64   `json:"duration"`
	Bytes    int64     `json:"bytes"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"at"`
}

func (e Event) terminal() bool {
	return e.Type == EventReady || e.Type == EventFailed || e.Type == EventCancelled
}
