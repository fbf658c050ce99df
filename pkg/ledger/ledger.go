// Package ledger is the durable record of every lifecycle transition and
// probe observation. It is the controller's only memory: after a crash,
// replaying the ledger must reproduce the exact phase map the live process
// held, so stop decisions never depend on state that exists only in RAM.
//
// The ledger is a line-delimited JSON file, append-only, fsynced per
// record. Replay stops at the first malformed line; a half-written final
// record from a crash is discarded, everything before it is trusted.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drydockproject/drydock/pkg/clock"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/probe"
)

// RecordKind discriminates ledger records.
type RecordKind string

const (
	KindTransition  RecordKind = "transition"
	KindObservation RecordKind = "observation"
)

// Record is one ledger line.
type Record struct {
	Kind      RecordKind `json:"kind"`
	Time      time.Time  `json:"time"`
	WorkerID  string     `json:"worker_id"`
	SessionID string     `json:"session_id,omitempty"`

	Transition  *Transition        `json:"transition,omitempty"`
	Observation *probe.Observation `json:"observation,omitempty"`
}

// Transition is a phase change. Prior is what the worker's phase was when
// the change was decided; replay re-applies changes in file order.
type Transition struct {
	ID     string          `json:"id"`
	Prior  lifecycle.Phase `json:"prior"`
	Next   lifecycle.Phase `json:"next"`
	Actor  string          `json:"actor"`
	Reason string          `json:"reason,omitempty"`
	Reset  bool            `json:"reset,omitempty"`
}

// PhaseConflictError reports a failed compare-and-swap: the worker's
// current phase did not match the expected prior phase. This is how a
// second stop attempt against the same worker loses.
type PhaseConflictError struct {
	WorkerID string
	Current  lifecycle.Phase
	Expected lifecycle.Phase
}

func (e *PhaseConflictError) Error() string {
	return fmt.Sprintf("worker %s is %s, expected %s", e.WorkerID, e.Current, e.Expected)
}

// Config configures Open.
type Config struct {
	// Path locates the ledger file. Parent directories are created.
	Path string
	// SessionID is stamped on every record this process writes.
	SessionID string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock supplies record timestamps. Defaults to real time.
	Clock clock.Clock
}

// Ledger is the append-only store plus the in-memory state derived from
// it. Safe for concurrent use; appends are serialized.
type Ledger struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	sessionID string
	logger    *slog.Logger
	clock     clock.Clock

	phases    map[string]lifecycle.Phase
	latestObs map[string]probe.Observation
}

// Open replays the file at cfg.Path (creating it if absent) and returns a
// ledger ready for appends. A truncated trailing record is dropped and the
// file is cut back to its last valid byte before appending resumes.
func Open(cfg Config) (*Ledger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	l := &Ledger{
		path:      cfg.Path,
		sessionID: cfg.SessionID,
		logger:    logger.With(slog.String("component", "ledger")),
		clock:     clk,
		phases:    make(map[string]lifecycle.Phase),
		latestObs: make(map[string]probe.Observation),
	}

	validBytes, records, err := l.replay()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		l.apply(rec)
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.Size() > validBytes {
		l.logger.Warn("discarding truncated ledger tail",
			slog.String("path", cfg.Path),
			slog.Int64("valid_bytes", validBytes),
			slog.Int64("discarded_bytes", info.Size()-validBytes),
		)
		if err := f.Truncate(validBytes); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncating corrupt ledger tail: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking ledger end: %w", err)
	}
	l.f = f

	l.logger.Info("ledger opened",
		slog.String("path", cfg.Path),
		slog.Int("records", len(records)),
		slog.Int("workers", len(l.phases)),
	)
	return l, nil
}

// replay reads records until EOF or the first malformed line. Everything
// before that point is valid; the returned byte count marks where appends
// may safely resume.
func (l *Ledger) replay() (int64, []Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("opening ledger for replay: %w", err)
	}
	defer f.Close()

	var (
		records []Record
		valid   int64
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Truncated or corrupt record. Stop replaying; everything
			// before this point was valid.
			break
		}
		records = append(records, rec)
		valid += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, fmt.Errorf("scanning ledger: %w", err)
	}
	return valid, records, nil
}

func (l *Ledger) apply(rec Record) {
	switch rec.Kind {
	case KindTransition:
		if rec.Transition != nil {
			l.phases[rec.WorkerID] = rec.Transition.Next
		}
	case KindObservation:
		if rec.Observation != nil {
			l.latestObs[rec.WorkerID] = *rec.Observation
		}
	}
}

// append writes one record and fsyncs. Caller holds l.mu.
func (l *Ledger) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("appending ledger record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	l.apply(rec)
	return nil
}

// Transition performs a compare-and-swap phase change: it fails with
// *PhaseConflictError unless the worker's current phase equals prior, and
// rejects backward moves. The conflict error is what enforces the single
// outstanding stop rule, so callers must not retry around it.
func (l *Ledger) Transition(workerID string, prior, next lifecycle.Phase, actor, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.phases[workerID]
	if current != prior {
		return &PhaseConflictError{WorkerID: workerID, Current: current, Expected: prior}
	}
	if !prior.Before(next) {
		return fmt.Errorf("worker %s: %s -> %s is not a forward move", workerID, prior, next)
	}
	return l.append(Record{
		Kind:      KindTransition,
		Time:      l.clock.Now(),
		WorkerID:  workerID,
		SessionID: l.sessionID,
		Transition: &Transition{
			ID:     uuid.New().String(),
			Prior:  prior,
			Next:   next,
			Actor:  actor,
			Reason: reason,
		},
	})
}

// Reset moves a worker to any phase, backward included. It exists for
// operators only and demands an actor and a reason; the move is recorded
// like every other transition.
func (l *Ledger) Reset(workerID string, to lifecycle.Phase, actor, reason string) error {
	if actor == "" {
		return errors.New("reset requires an actor")
	}
	if reason == "" {
		return errors.New("reset requires a reason")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(Record{
		Kind:      KindTransition,
		Time:      l.clock.Now(),
		WorkerID:  workerID,
		SessionID: l.sessionID,
		Transition: &Transition{
			ID:     uuid.New().String(),
			Prior:  l.phases[workerID],
			Next:   to,
			Actor:  actor,
			Reason: reason,
			Reset:  true,
		},
	})
}

// RecordObservation appends a probe result.
func (l *Ledger) RecordObservation(obs probe.Observation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(Record{
		Kind:        KindObservation,
		Time:        l.clock.Now(),
		WorkerID:    obs.WorkerID,
		SessionID:   l.sessionID,
		Observation: &obs,
	})
}

// Phase returns the worker's current phase. Workers with no recorded
// history are active.
func (l *Ledger) Phase(workerID string) lifecycle.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phases[workerID]
}

// Phases returns a copy of the full phase map.
func (l *Ledger) Phases() map[string]lifecycle.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]lifecycle.Phase, len(l.phases))
	for id, p := range l.phases {
		out[id] = p
	}
	return out
}

// LatestObservation returns the most recent probe result for the worker.
func (l *Ledger) LatestObservation(workerID string) (probe.Observation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	obs, ok := l.latestObs[workerID]
	return obs, ok
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close syncs and closes the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Read streams every valid record in the file at path, oldest first. It
// shares replay's tolerance: a malformed line ends the read.
func Read(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}
