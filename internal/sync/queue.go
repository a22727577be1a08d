package sync

import (
	"context"
	"errors"
	"time"

	"github.com/schaermu/gitcloudd/internal/repo"
)

// ErrQueueFull is returned when a command could not be queued within the
// submit timeout
var ErrQueueFull = errors.New("command queue full")

// Queue carries reconciliation commands from the shell to the engine. Unlike
// the event queue it applies back-pressure: a producer waits for room instead
// of losing the command.
type Queue struct {
	commands chan repo.Command
	wake     chan struct{}
	timeout  time.Duration
}

// NewQueue creates a command queue holding up to size commands. Submit waits
// at most timeout for room.
func NewQueue(size int, timeout time.Duration) *Queue {
	return &Queue{
		commands: make(chan repo.Command, size),
		wake:     make(chan struct{}, 1),
		timeout:  timeout,
	}
}

// Submit enqueues cmd, blocking while the queue is full
func (q *Queue) Submit(ctx context.Context, cmd repo.Command) error {
	select {
	case q.commands <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.commands <- cmd:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake asks the engine to start a pass now. Multiple wakes before the
// engine notices coalesce into one.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued commands
func (q *Queue) Len() int {
	return len(q.commands)
}
