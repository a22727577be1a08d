package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/schaermu/gitcloudd/internal/repo"
)

type engineFixture struct {
	engine     *Engine
	reconciler *Reconciler
	queue      *Queue
	emitter    *Emitter
	syncer     *fakeSyncer
}

func newEngineFixture(initial ...repo.Repo) *engineFixture {
	f := &engineFixture{
		reconciler: NewReconciler(initial, testLogger()),
		queue:      NewQueue(16, time.Second),
		emitter:    NewEmitter(64, testLogger()),
		syncer:     newFakeSyncer(),
	}
	f.engine = NewEngine(f.reconciler, f.queue, f.syncer, f.emitter, time.Hour, testLogger())
	return f
}

func nextEvent(t *testing.T, em *Emitter) Event {
	t.Helper()
	ev, ok := em.Poll(context.Background(), 5*time.Second)
	if !ok {
		t.Fatal("timed out waiting for event")
	}
	return ev
}

// collectPass reads events up to and including the next pass_end
func collectPass(t *testing.T, em *Emitter) []Event {
	t.Helper()
	var events []Event
	for {
		ev := nextEvent(t, em)
		events = append(events, ev)
		if ev.Kind == PassEnd {
			return events
		}
	}
}

func describe(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		s := string(ev.Kind)
		if ev.Name != "" {
			s += " " + ev.Name
		}
		if ev.Kind == RepoEnd {
			s += fmt.Sprintf(" %v", ev.Result)
		}
		out = append(out, s)
	}
	return out
}

func TestRunPass_EventOrder(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"}, repo.Repo{Name: "b", URL: "u"})

	summary := f.engine.RunPass(context.Background())
	if summary.Synced != 2 || summary.Failed != 0 || summary.ID == "" {
		t.Errorf("summary = %+v", summary)
	}

	events := collectPass(t, f.emitter)
	want := []string{"pass_begin", "repo_begin a", "repo_end a true", "repo_begin b", "repo_end b true", "pass_end"}
	if fmt.Sprint(describe(events)) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", describe(events), want)
	}
	for _, ev := range events {
		if ev.PassID != summary.ID {
			t.Errorf("event %s carries pass id %q, want %q", ev.Kind, ev.PassID, summary.ID)
		}
	}
}

func TestRunPass_EmptySelectionEmitsNothing(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u", Disabled: true})

	summary := f.engine.RunPass(context.Background())
	if summary.ID != "" {
		t.Errorf("empty pass got an id: %+v", summary)
	}
	if n := len(f.emitter.Events()); n != 0 {
		t.Errorf("empty pass emitted %d events", n)
	}
	if len(f.reconciler.Snapshot()) != 0 {
		t.Error("disabled repository should have been evicted")
	}
}

func TestRunPass_ReportsFailure(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"})
	f.syncer.results["a"] = Result{Err: &StageError{Stage: StageFetch, Err: errors.New("offline")}}

	summary := f.engine.RunPass(context.Background())
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}

	events := collectPass(t, f.emitter)
	end := events[2]
	if end.Kind != RepoEnd || end.Result || end.Error != "fetch: offline" {
		t.Errorf("repo_end = %+v", end)
	}
	if len(f.reconciler.Snapshot()) != 1 {
		t.Error("a failed repository stays in the live set")
	}
}

func TestRunPass_CachesBranch(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"})
	f.syncer.results["a"] = Result{Branch: "trunk"}

	f.engine.RunPass(context.Background())

	if got := f.reconciler.Snapshot()[0].Branch; got != "trunk" {
		t.Errorf("Branch = %q, want trunk", got)
	}
	events := collectPass(t, f.emitter)
	if events[2].Branch != "trunk" {
		t.Errorf("repo_end branch = %q", events[2].Branch)
	}
}

func TestRunPass_DisableWithForceSyncsOnceThenEvicts(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"})
	f.reconciler.Apply(repo.Command{Name: "a", Disabled: true, Force: true})

	f.engine.RunPass(context.Background())
	f.engine.RunPass(context.Background())

	if n := f.syncer.count("a"); n != 1 {
		t.Errorf("synced %d times, want 1", n)
	}
	if len(f.reconciler.Snapshot()) != 0 {
		t.Error("repository should be gone after its last sync")
	}
}

func TestRunPass_StopsOnCancel(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"}, repo.Repo{Name: "b", URL: "u"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.engine.RunPass(ctx)

	if len(f.syncer.synced) != 0 {
		t.Errorf("synced %v after cancellation", f.syncer.synced)
	}
	events := collectPass(t, f.emitter)
	if fmt.Sprint(describe(events)) != "[pass_begin pass_end]" {
		t.Errorf("events = %v", describe(events))
	}
}

func runEngine(t *testing.T, f *engineFixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newEngineFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_AddThenRemoveIsNeverSynced(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()
	for _, cmd := range []repo.Command{
		{Name: "a", URL: "u"},
		{Name: "a", Disabled: true},
		{Name: "b", URL: "u"},
	} {
		if err := f.queue.Submit(ctx, cmd); err != nil {
			t.Fatal(err)
		}
	}

	runEngine(t, f)

	events := collectPass(t, f.emitter)
	for _, ev := range events {
		if ev.Kind == RepoBegin && ev.Name == "a" {
			t.Fatal("removed repository was synced")
		}
	}
	if f.syncer.count("b") != 1 {
		t.Errorf("b synced %d times, want 1", f.syncer.count("b"))
	}
}

func TestRun_ForceTriggersOneImmediatePass(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"})
	runEngine(t, f)

	// initial pass
	collectPass(t, f.emitter)

	if err := f.queue.Submit(context.Background(), repo.Command{Name: "a", Force: true}); err != nil {
		t.Fatal(err)
	}
	events := collectPass(t, f.emitter)
	if fmt.Sprint(describe(events)) != "[pass_begin repo_begin a repo_end a true pass_end]" {
		t.Errorf("events = %v", describe(events))
	}

	if ev, ok := f.emitter.Poll(context.Background(), 200*time.Millisecond); ok {
		t.Errorf("unexpected event after forced pass: %+v", ev)
	}
	if n := f.syncer.count("a"); n != 2 {
		t.Errorf("synced %d times, want 2", n)
	}
	if f.reconciler.Snapshot()[0].Force {
		t.Error("force must be cleared after the pass")
	}
}

func TestSetInterval(t *testing.T) {
	f := newEngineFixture()

	if err := f.engine.SetInterval(5 * time.Second); err == nil {
		t.Error("SetInterval(5s) should be rejected")
	}
	if f.engine.Interval() != time.Hour {
		t.Errorf("rejected interval was applied: %s", f.engine.Interval())
	}
	if len(f.queue.wake) != 0 {
		t.Error("rejected interval must not wake the engine")
	}

	if err := f.engine.SetInterval(MinInterval); err != nil {
		t.Fatalf("SetInterval(%s) error = %v", MinInterval, err)
	}
	if f.engine.Interval() != MinInterval {
		t.Errorf("Interval() = %s", f.engine.Interval())
	}
	if len(f.queue.wake) != 1 {
		t.Error("SetInterval should wake the engine")
	}
}

func TestRun_WakeStartsPass(t *testing.T) {
	f := newEngineFixture(repo.Repo{Name: "a", URL: "u"})
	runEngine(t, f)
	collectPass(t, f.emitter)

	if err := f.engine.SetInterval(30 * time.Second); err != nil {
		t.Fatal(err)
	}
	collectPass(t, f.emitter)

	if n := f.syncer.count("a"); n != 2 {
		t.Errorf("synced %d times, want 2", n)
	}
}
