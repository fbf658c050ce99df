package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/probe"
)

func openTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l, err := Open(Config{Path: path, SessionID: "test-session"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTransitionAdvancesPhase(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	if got := l.Phase("vm-001"); got != lifecycle.PhaseActive {
		t.Fatalf("unseen worker phase = %v, want active", got)
	}

	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested, "controller", "drain started"); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining, "controller", "finish signal acknowledged"); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	if got := l.Phase("vm-001"); got != lifecycle.PhaseDraining {
		t.Errorf("Phase = %v, want draining", got)
	}
}

func TestTransitionConflict(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	err := l.Transition("vm-001", lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed, "controller", "")
	var conflict *PhaseConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Transition() = %v, want PhaseConflictError", err)
	}
	if conflict.Current != lifecycle.PhaseActive || conflict.Expected != lifecycle.PhaseDraining {
		t.Errorf("conflict = %+v, want current active expected draining", conflict)
	}
	if got := l.Phase("vm-001"); got != lifecycle.PhaseActive {
		t.Errorf("phase changed on failed CAS: %v", got)
	}
}

func TestTransitionRejectsBackwardMove(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDraining, "controller", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseDraining, lifecycle.PhaseActive, "controller", "oops"); err == nil {
		t.Fatal("backward Transition should fail; only Reset may move backward")
	}
	if err := l.Transition("vm-001", lifecycle.PhaseDraining, lifecycle.PhaseDraining, "controller", ""); err == nil {
		t.Fatal("self Transition should fail")
	}
}

func TestResetMovesBackward(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDraining, "controller", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Reset("vm-001", lifecycle.PhaseActive, "operator", "drain was premature"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if got := l.Phase("vm-001"); got != lifecycle.PhaseActive {
		t.Errorf("Phase after reset = %v, want active", got)
	}
}

func TestResetRequiresActorAndReason(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	if err := l.Reset("vm-001", lifecycle.PhaseActive, "", "reason"); err == nil {
		t.Error("Reset without actor should fail")
	}
	if err := l.Reset("vm-001", lifecycle.PhaseActive, "operator", ""); err == nil {
		t.Error("Reset without reason should fail")
	}
}

func TestReplayReproducesPhaseMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		worker string
		prior  lifecycle.Phase
		next   lifecycle.Phase
	}{
		{"vm-001", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested},
		{"vm-001", lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining},
		{"vm-001", lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed},
		{"vm-002", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested},
		{"vm-003", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested},
		{"vm-003", lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining},
	}
	for _, s := range steps {
		if err := l.Transition(s.worker, s.prior, s.next, "controller", ""); err != nil {
			t.Fatalf("Transition(%s) error: %v", s.worker, err)
		}
	}
	want := l.Phases()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestLedger(t, path)
	got := reopened.Phases()
	if len(got) != len(want) {
		t.Fatalf("replayed %d workers, want %d", len(got), len(want))
	}
	for id, phase := range want {
		if got[id] != phase {
			t.Errorf("worker %s replayed as %v, want %v", id, got[id], phase)
		}
	}
}

func TestTruncatedTailDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested, "controller", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining, "controller", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a partial record with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"kind":"transition","worker_id":"vm-001","transi`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened := openTestLedger(t, path)
	if got := reopened.Phase("vm-001"); got != lifecycle.PhaseDraining {
		t.Errorf("Phase after crash recovery = %v, want draining", got)
	}

	// Appends must resume cleanly after the discarded tail.
	if err := reopened.Transition("vm-001", lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed, "controller", ""); err != nil {
		t.Fatalf("Transition after recovery error: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatal(err)
	}

	final := openTestLedger(t, path)
	if got := final.Phase("vm-001"); got != lifecycle.PhasePausedConfirmed {
		t.Errorf("Phase after second reopen = %v, want paused_confirmed", got)
	}
}

func TestReplayStopsAtFirstMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested, "controller", ""); err != nil {
		t.Fatal(err)
	}
	l.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	// A corrupt line followed by a well-formed one: replay must not trust
	// anything past the corruption.
	f.WriteString("not json at all\n")
	f.WriteString(`{"kind":"transition","time":"2026-03-01T00:00:00Z","worker_id":"vm-001","transition":{"id":"x","prior":"drain_requested","next":"draining","actor":"controller"}}` + "\n")
	f.Close()

	reopened := openTestLedger(t, path)
	if got := reopened.Phase("vm-001"); got != lifecycle.PhaseDrainRequested {
		t.Errorf("Phase = %v, want drain_requested (records past corruption ignored)", got)
	}
}

func TestConcurrentStopAuthorizationSingleWinner(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"))

	if err := l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDraining, "controller", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.Transition("vm-001", lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed, "controller", ""); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Transition("vm-001", lifecycle.PhasePausedConfirmed, lifecycle.PhaseStopAuthorized, "gate", "")
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *PhaseConflictError
		if errors.As(err, &conflict) {
			conflicts++
		} else {
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != racers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, racers-1)
	}
}

func TestObservationsLatestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}

	first := probe.Observation{
		WorkerID:    "vm-001",
		Timestamp:   time.Now(),
		Reachable:   true,
		ClientState: probe.StateRunning,
	}
	second := probe.Observation{
		WorkerID:    "vm-001",
		Timestamp:   time.Now().Add(30 * time.Second),
		Reachable:   true,
		ClientState: probe.StatePaused,
	}
	if err := l.RecordObservation(first); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordObservation(second); err != nil {
		t.Fatal(err)
	}

	obs, ok := l.LatestObservation("vm-001")
	if !ok || obs.ClientState != probe.StatePaused {
		t.Errorf("LatestObservation = %+v, %v; want paused", obs, ok)
	}
	l.Close()

	reopened := openTestLedger(t, path)
	obs, ok = reopened.LatestObservation("vm-001")
	if !ok || obs.ClientState != probe.StatePaused {
		t.Errorf("LatestObservation after reopen = %+v, %v; want paused", obs, ok)
	}
}

func TestReadStreamsRecordsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	l.Transition("vm-001", lifecycle.PhaseActive, lifecycle.PhaseDrainRequested, "controller", "")
	l.RecordObservation(probe.Observation{WorkerID: "vm-001", Reachable: true, ClientState: probe.StateRunning})
	l.Transition("vm-001", lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining, "controller", "")
	l.Close()

	var kinds []RecordKind
	err = Read(path, func(rec Record) error {
		kinds = append(kinds, rec.Kind)
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	want := []RecordKind{KindTransition, KindObservation, KindTransition}
	if len(kinds) != len(want) {
		t.Fatalf("read %d records, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("record %d kind = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "drydock", "ledger.jsonl")
	l, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() with nested path error: %v", err)
	}
	l.Close()
}
