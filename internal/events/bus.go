// Package events carries analysis lifecycle events between the watcher and
// its observers, and journals anomalies and outcomes to disk.
package events

import (
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	// EventAnalysisStarted is published before a run's logs are read.
	EventAnalysisStarted EventType = "analysis_started"
	// EventAnalysisCompleted is published after the reports were written.
	EventAnalysisCompleted EventType = "analysis_completed"
	// EventAnalysisFailed is published when a run could not be analysed.
	EventAnalysisFailed EventType = "analysis_failed"
	// EventAnalysisSkipped is published when a run's logs are unchanged
	// since the last analysis.
	EventAnalysisSkipped EventType = "analysis_skipped"
	// EventAnomaly is only journaled, never published.
	EventAnomaly EventType = "anomaly"
)

// Event is one published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

// Bus delivers events to subscribers through buffered channels. Publish never
// blocks: an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a bus with bufferSize slots per subscriber (100 if <= 0).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given types and returns a function that
// removes the subscription. A panicking subscriber does not stop delivery.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for e := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(e)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish sends an event of type t to its subscribers.
func (b *Bus) Publish(t EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	e := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close ends every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, t)
	}
}
