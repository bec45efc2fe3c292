package actorpool

import "testing"

func TestPackPoolStateRoundTrip(t *testing.T) {
	s := packPoolState(lifecycleTerminating, 12345, 7)
	if got := poolStateLifecycle(s); got != lifecycleTerminating {
		t.Fatalf("lifecycle = %v, want %v", got, lifecycleTerminating)
	}
	if got := poolStateStamp(s); got != 12345 {
		t.Fatalf("stamp = %d, want 12345", got)
	}
	if got := poolStateWorkerCount(s); got != 7 {
		t.Fatalf("workerCount = %d, want 7", got)
	}
	if poolStateLocked(s) {
		t.Fatalf("expected unlocked")
	}
	if poolStateStampWriting(s) {
		t.Fatalf("expected stamp-write bit clear")
	}
}

func TestPoolSynchronizerLifecycleMonotonic(t *testing.T) {
	ps := newPoolSynchronizer()
	ps.setLifecycle(lifecycleTerminating)
	if poolStateLifecycle(ps.load()) != lifecycleTerminating {
		t.Fatalf("expected terminating")
	}
	// Attempting to move backwards must be a no-op.
	ps.setLifecycle(lifecycleRunning)
	if poolStateLifecycle(ps.load()) != lifecycleTerminating {
		t.Fatalf("lifecycle moved backwards")
	}
	ps.setLifecycle(lifecycleTerminated)
	if poolStateLifecycle(ps.load()) != lifecycleTerminated {
		t.Fatalf("expected terminated")
	}
}

func TestPoolSynchronizerStructuralStamp(t *testing.T) {
	ps := newPoolSynchronizer()
	before := poolStateStamp(ps.load())
	ps.lock()
	ps.beginStructuralChange()
	if !poolStateStampWriting(ps.load()) {
		t.Fatalf("expected stamp-write bit set mid-change")
	}
	ps.endStructuralChange()
	ps.unlock()
	after := poolStateStamp(ps.load())
	if after == before {
		t.Fatalf("expected stamp to advance, stayed at %d", before)
	}
	if poolStateStampWriting(ps.load()) {
		t.Fatalf("expected stamp-write bit clear after change")
	}
}

func TestSizeLimitsRoundTrip(t *testing.T) {
	sl := &sizeLimits{}
	sl.store(10, 3)
	maxSize, coreSize := sl.load()
	if maxSize != 10 || coreSize != 3 {
		t.Fatalf("load() = (%d, %d), want (10, 3)", maxSize, coreSize)
	}

	sl.update(func(maxSize, coreSize uint32) (uint32, uint32) {
		return maxSize + 1, coreSize
	})
	maxSize, coreSize = sl.load()
	if maxSize != 11 || coreSize != 3 {
		t.Fatalf("after update: (%d, %d), want (11, 3)", maxSize, coreSize)
	}
}

func TestWorkerWordRoundTrip(t *testing.T) {
	w := packWorkerWord(42, parkParked, 17)
	if got := workerWordIndex(w); got != 42 {
		t.Fatalf("index = %d, want 42", got)
	}
	if got := workerWordPark(w); got != parkParked {
		t.Fatalf("park = %v, want parked", got)
	}
	if got := workerWordStamp(w); got != 17 {
		t.Fatalf("stamp = %d, want 17", got)
	}
}
