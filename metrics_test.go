package reprl

import "testing"

func TestRecordExecutionCountsTimeoutsAndCrashes(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution(1_000, StatusExited(0))
	m.RecordExecution(2_000, StatusTimedOut(9))
	m.RecordExecution(3_000, StatusSignaled(11))

	snap := m.Snapshot()
	if snap.Executions != 3 {
		t.Fatalf("Executions = %d, want 3", snap.Executions)
	}
	if snap.Timeouts != 1 {
		t.Fatalf("Timeouts = %d, want 1", snap.Timeouts)
	}
	if snap.Crashes != 1 {
		t.Fatalf("Crashes = %d, want 1 (the signal death that wasn't a timeout)", snap.Crashes)
	}
}

func TestRecordExecutionLatencyBuckets(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution(5_000, StatusExited(0)) // 5us, falls in every bucket

	snap := m.Snapshot()
	for i, count := range snap.LatencyHistogram {
		if count != 1 {
			t.Fatalf("bucket %d = %d, want 1", i, count)
		}
	}
}

func TestRecordSpawnTracksRestartsAndFailures(t *testing.T) {
	m := NewMetrics()
	m.RecordSpawn(true)
	m.RecordSpawn(true)
	m.RecordSpawn(false)

	snap := m.Snapshot()
	if snap.ChildRestarts != 2 {
		t.Fatalf("ChildRestarts = %d, want 2", snap.ChildRestarts)
	}
	if snap.SpawnFailures != 1 {
		t.Fatalf("SpawnFailures = %d, want 1", snap.SpawnFailures)
	}
}

func TestResetClearsCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordExecution(1_000, StatusExited(0))
	m.RecordEdgesDiscovered(5)

	m.Reset()

	snap := m.Snapshot()
	if snap.Executions != 0 || snap.EdgesDiscovered != 0 {
		t.Fatal("Reset should zero all counters")
	}
}

func TestNoOpObserverDoesNothing(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveExecution(1, StatusExited(0))
	o.ObserveSpawn(true)
	o.ObserveEdgesDiscovered(1)
}

func TestMetricsObserverRecordsIntoMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveExecution(1_000, StatusExited(0))
	o.ObserveSpawn(true)
	o.ObserveEdgesDiscovered(7)

	snap := m.Snapshot()
	if snap.Executions != 1 || snap.ChildRestarts != 1 || snap.EdgesDiscovered != 7 {
		t.Fatalf("snapshot = %+v, want one execution, one restart, 7 edges discovered", snap)
	}
}
