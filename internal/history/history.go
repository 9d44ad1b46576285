package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventExit       EventType = "exit" // exited without being asked to
	EventRestart    EventType = "restart"
	EventStop       EventType = "stop" // cooperative stop succeeded
	EventKill       EventType = "kill" // process tree force-killed
	EventMemoryKill EventType = "memory_kill"
)

// Event is one worker lifecycle event exported to an analytics store.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SendAll delivers e to every sink and joins the failures.
func SendAll(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
