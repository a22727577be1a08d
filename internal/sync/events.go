package sync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// EventKind identifies a point in the sync lifecycle
type EventKind string

const (
	PassBegin EventKind = "pass_begin"
	PassEnd   EventKind = "pass_end"
	RepoBegin EventKind = "repo_begin"
	RepoEnd   EventKind = "repo_end"
)

// Event is a progress notification for the external observer.
// Name, Result, Branch and Error are only meaningful for repo events.
type Event struct {
	Kind   EventKind `json:"kind"`
	PassID string    `json:"pass_id"`
	Name   string    `json:"name,omitempty"`
	Result bool      `json:"result"`
	Branch string    `json:"branch,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Emitter publishes events to a bounded channel. Publishing never blocks:
// when the channel is full the event is dropped.
type Emitter struct {
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewEmitter creates an Emitter buffering up to size events
func NewEmitter(size int, logger *slog.Logger) *Emitter {
	return &Emitter{
		ch:     make(chan Event, size),
		logger: logger,
	}
}

// Emit publishes ev and reports whether it was queued
func (e *Emitter) Emit(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.ch <- ev:
		return true
	default:
		n := e.dropped.Add(1)
		e.logger.Debug("event queue full, dropping event", "kind", ev.Kind, "repo", ev.Name, "dropped_total", n)
		return false
	}
}

// Events returns the receive side of the event queue
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Poll waits up to timeout for the next event. A timeout is not an error;
// it reports ok=false, as does a cancelled context.
func (e *Emitter) Poll(ctx context.Context, timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-e.ch:
		return ev, true
	case <-timer.C:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// Dropped returns how many events were discarded on a full queue
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}
