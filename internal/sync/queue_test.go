package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/schaermu/gitcloudd/internal/repo"
)

func TestQueue_SubmitWithRoom(t *testing.T) {
	q := NewQueue(2, time.Second)

	for _, name := range []string{"a", "b"} {
		if err := q.Submit(context.Background(), repo.Command{Name: name}); err != nil {
			t.Fatalf("Submit(%s) error = %v", name, err)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestQueue_SubmitTimesOutWhenFull(t *testing.T) {
	q := NewQueue(1, 20*time.Millisecond)
	if err := q.Submit(context.Background(), repo.Command{Name: "a"}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := q.Submit(context.Background(), repo.Command{Name: "b"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Submit returned before the timeout elapsed")
	}
	if q.Len() != 1 {
		t.Errorf("rejected command must not be queued, Len() = %d", q.Len())
	}
}

func TestQueue_SubmitWaitsForRoom(t *testing.T) {
	q := NewQueue(1, 5*time.Second)
	if err := q.Submit(context.Background(), repo.Command{Name: "a"}); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-q.commands
	}()

	if err := q.Submit(context.Background(), repo.Command{Name: "b"}); err != nil {
		t.Fatalf("Submit() error = %v, want success once room is made", err)
	}
	if got := <-q.commands; got.Name != "b" {
		t.Errorf("queued command = %q, want b", got.Name)
	}
}

func TestQueue_SubmitHonorsContext(t *testing.T) {
	q := NewQueue(1, 5*time.Second)
	if err := q.Submit(context.Background(), repo.Command{Name: "a"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Submit(ctx, repo.Command{Name: "b"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestQueue_WakeCoalesces(t *testing.T) {
	q := NewQueue(1, time.Second)
	q.Wake()
	q.Wake()
	q.Wake()

	if len(q.wake) != 1 {
		t.Errorf("pending wakes = %d, want 1", len(q.wake))
	}
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	em := NewEmitter(2, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			em.Emit(Event{Kind: RepoBegin, Name: "a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	if got := em.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if got := len(em.Events()); got != 2 {
		t.Errorf("queued events = %d, want 2", got)
	}
}

func TestEmitter_PollTimeout(t *testing.T) {
	em := NewEmitter(1, testLogger())

	start := time.Now()
	if _, ok := em.Poll(context.Background(), 20*time.Millisecond); ok {
		t.Fatal("Poll() on an empty queue reported an event")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Poll returned before the timeout elapsed")
	}
}

func TestEmitter_PollReturnsEvent(t *testing.T) {
	em := NewEmitter(1, testLogger())
	if !em.Emit(Event{Kind: PassBegin, PassID: "p1"}) {
		t.Fatal("Emit() = false on an empty queue")
	}

	ev, ok := em.Poll(context.Background(), time.Second)
	if !ok {
		t.Fatal("Poll() found no event")
	}
	if ev.Kind != PassBegin || ev.PassID != "p1" {
		t.Errorf("Poll() = %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Error("Emit must stamp the event time")
	}
}

func TestEmitter_PollCancelled(t *testing.T) {
	em := NewEmitter(1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := em.Poll(ctx, time.Minute); ok {
		t.Error("Poll() on a cancelled context reported an event")
	}
}
