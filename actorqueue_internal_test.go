package actorpool

import (
	"context"
	"testing"
)

func newTestDispatcher(t *testing.T) *Dispatcher[string] {
	t.Helper()
	d, err := NewDispatcher[string](DefaultConfig())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(func() {
		d.ShutdownNow()
	})
	return d
}

func TestActorQueueFIFOOrder(t *testing.T) {
	d := newTestDispatcher(t)
	aq := newActorQueue[string](d, "k")

	var ran []int
	for i := 0; i < 5; i++ {
		i := i
		if _, err := aq.add(TaskFunc(func(ctx context.Context) { ran = append(ran, i) })); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		_, status := aq.nextTask()
		if status != statusTaskFound {
			t.Fatalf("nextTask[%d] status = %v, want statusTaskFound", i, status)
		}
		aq.runTask(context.Background())
	}

	_, status := aq.nextTask()
	if status != statusNoTask {
		t.Fatalf("final nextTask status = %v, want statusNoTask", status)
	}

	for i, v := range ran {
		if v != i {
			t.Fatalf("ran[%d] = %d, want %d (out of FIFO order)", i, v, i)
		}
	}
}

func TestActorQueueNotReadyWhileRunning(t *testing.T) {
	d := newTestDispatcher(t)
	aq := newActorQueue[string](d, "k")

	if _, err := aq.add(TaskFunc(func(ctx context.Context) {})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := aq.add(TaskFunc(func(ctx context.Context) {})); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, status := aq.nextTask()
	if status != statusTaskFound {
		t.Fatalf("first nextTask status = %v, want statusTaskFound", status)
	}

	// The running bit is set until runTask completes: a second call must
	// report not-ready rather than handing out the second queued task.
	_, status = aq.nextTask()
	if status != statusNotReady {
		t.Fatalf("second nextTask status = %v, want statusNotReady", status)
	}

	aq.runTask(context.Background())

	_, status = aq.nextTask()
	if status != statusTaskFound {
		t.Fatalf("nextTask after completion status = %v, want statusTaskFound", status)
	}
}

func TestActorQueueRemoveCancelsQueuedTask(t *testing.T) {
	d := newTestDispatcher(t)
	aq := newActorQueue[string](d, "k")

	handle, err := aq.add(TaskFunc(func(ctx context.Context) {}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := aq.remove(handle); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := aq.remove(handle); err != ErrElementNotFound {
		t.Fatalf("second remove err = %v, want ErrElementNotFound", err)
	}

	_, status := aq.nextTask()
	if status != statusNoTask {
		t.Fatalf("nextTask after remove status = %v, want statusNoTask", status)
	}
}

func TestActorQueueDrainReturnsAllPendingInOrder(t *testing.T) {
	d := newTestDispatcher(t)
	aq := newActorQueue[string](d, "k")

	for i := 0; i < 4; i++ {
		if _, err := aq.add(TaskFunc(func(ctx context.Context) {})); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	drained := aq.drain()
	if len(drained) != 4 {
		t.Fatalf("drain() returned %d tasks, want 4", len(drained))
	}
	if !actorQueueStateRemoved(aq.state.Load()) {
		t.Fatalf("expected queue marked removed after drain")
	}

	_, status := aq.nextTask()
	if status != statusNoTask {
		t.Fatalf("nextTask after drain status = %v, want statusNoTask", status)
	}
}

func TestActorQueueTaskListRemoveMiddle(t *testing.T) {
	var l actorQueueTaskList
	a := TaskFunc(func(ctx context.Context) {})
	b := TaskFunc(func(ctx context.Context) {})
	c := TaskFunc(func(ctx context.Context) {})
	l.pushBack(a)
	nodeB := l.pushBack(b)
	l.pushBack(c)

	if err := l.remove(nodeB); err != nil {
		t.Fatalf("remove(nodeB): %v", err)
	}

	first, ok := l.popFront()
	if !ok {
		t.Fatalf("expected a task")
	}
	if _, isFunc := first.(TaskFunc); !isFunc {
		t.Fatalf("unexpected task type")
	}

	_, ok = l.popFront()
	if !ok {
		t.Fatalf("expected a second task")
	}

	if _, ok := l.popFront(); ok {
		t.Fatalf("expected list empty after popping remaining entries")
	}
}
