package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/gitcloudd/internal/repo"
)

// MinInterval is the shortest accepted pause between periodic passes
const MinInterval = 10 * time.Second

// Syncer syncs a single repository
type Syncer interface {
	SyncOne(ctx context.Context, rp repo.Repo) Result
}

// PassSummary counts the outcome of one pass
type PassSummary struct {
	ID     string
	Synced int
	Failed int
}

// Engine is the sync loop. It waits on the command queue for at most one
// interval, folds queued commands into the live set and then runs a pass
// over every selected repository, one at a time.
type Engine struct {
	reconciler *Reconciler
	queue      *Queue
	syncer     Syncer
	emitter    *Emitter
	logger     *slog.Logger
	newPassID  func() string

	mu       sync.Mutex // guards interval
	interval time.Duration
}

// NewEngine creates a sync engine
func NewEngine(reconciler *Reconciler, queue *Queue, syncer Syncer, emitter *Emitter, interval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		reconciler: reconciler,
		queue:      queue,
		syncer:     syncer,
		emitter:    emitter,
		logger:     logger,
		interval:   interval,
		newPassID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
}

// Interval returns the current pause between periodic passes
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// SetInterval changes the pause between passes and wakes the loop so the
// change takes effect immediately
func (e *Engine) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return fmt.Errorf("interval must be at least %s, got %s", MinInterval, d)
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()

	e.logger.Info("sync interval changed", "interval", d)
	e.queue.Wake()
	return nil
}

// Run performs an initial pass and then loops until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine started", "interval", e.Interval(), "repos", len(e.reconciler.Snapshot()))

	e.RunPass(ctx)
	for {
		if err := e.wait(ctx); err != nil {
			e.logger.Info("sync engine stopped")
			return err
		}
		e.drain()
		e.RunPass(ctx)
	}
}

// wait blocks until the next pass is due: the interval elapsed, a wake
// arrived, or a command asked for immediate action. Commands that do not
// ask for action keep the original deadline.
func (e *Engine) wait(ctx context.Context) error {
	timer := time.NewTimer(e.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			e.logger.Debug("sync interval elapsed")
			return nil
		case <-e.queue.wake:
			e.logger.Debug("sync engine woken")
			return nil
		case cmd := <-e.queue.commands:
			if e.reconciler.Apply(cmd) == Proceed {
				return nil
			}
		}
	}
}

// drain applies every command already queued
func (e *Engine) drain() {
	for {
		select {
		case cmd := <-e.queue.commands:
			e.reconciler.Apply(cmd)
		default:
			return
		}
	}
}

// RunPass syncs every selected repository once, then prunes the live set.
// A pass with nothing selected emits no events.
func (e *Engine) RunPass(ctx context.Context) PassSummary {
	selected := e.reconciler.Selected()
	if len(selected) == 0 {
		e.logger.Debug("no repositories to sync")
		e.reconciler.Prune()
		return PassSummary{}
	}

	summary := PassSummary{ID: e.newPassID()}
	logger := e.logger.With("pass", summary.ID)
	logger.Info("sync pass started", "repos", len(selected))
	e.emitter.Emit(Event{Kind: PassBegin, PassID: summary.ID})

	for _, rp := range selected {
		if ctx.Err() != nil {
			logger.Info("sync pass interrupted")
			break
		}

		e.emitter.Emit(Event{Kind: RepoBegin, PassID: summary.ID, Name: rp.Name})
		started := time.Now()

		res := e.syncer.SyncOne(ctx, rp)
		if res.Branch != "" && res.Branch != rp.Branch {
			e.reconciler.SetBranch(rp.Name, res.Branch)
		}

		end := Event{Kind: RepoEnd, PassID: summary.ID, Name: rp.Name, Result: res.OK(), Branch: res.Branch}
		summary.Synced++
		if res.OK() {
			logger.Info("repository synced",
				"repo", rp.Name,
				"committed", res.Committed,
				"conflicts", res.Conflicts,
				"pushed", res.Pushed,
				"duration", time.Since(started))
		} else {
			summary.Failed++
			end.Error = res.Err.Error()
			logger.Warn("repository sync failed", "repo", rp.Name, "stage", res.FailedStage(), "error", res.Err)
		}
		e.emitter.Emit(end)
	}

	e.reconciler.Prune()
	e.emitter.Emit(Event{Kind: PassEnd, PassID: summary.ID})
	logger.Info("sync pass finished", "synced", summary.Synced, "failed", summary.Failed)

	return summary
}
