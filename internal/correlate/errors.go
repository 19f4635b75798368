package correlate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFile marks a task-graph edge naming a file no log announced.
	ErrUnknownFile = errors.New("unknown file")
	// ErrNoEvents is returned when a transaction log holds no usable event.
	ErrNoEvents = errors.New("no events in transaction log")
)

// LineError locates a fatal correlation error in a log.
type LineError struct {
	Log  string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Log, e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}
