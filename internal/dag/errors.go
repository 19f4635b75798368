package dag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCycle marks a component whose dependencies are not acyclic.
var ErrCycle = errors.New("dependency cycle")

// CycleError reports a component the longest-path computation cannot handle.
type CycleError struct {
	ComponentID int
	// Path is one cycle, first task repeated at the end.
	Path []int
	// Remaining is the number of tasks never released by the topological sort.
	Remaining int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("component %d: %v: %s (%d tasks unsorted)",
		e.ComponentID, ErrCycle, strings.Join(parts, " -> "), e.Remaining)
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}
