// Package wal implements the per-run append-only event log.
//
// Each run owns one journal file under <dir>, one JSON object per line:
// {"index":N,"type":"...","payload":{...},"ts":MS}. Append is the only
// mutation; nothing is edited or deleted. Indices are gapless from 0 and
// (run_id, index) addresses exactly one event.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runforge/runforge/internal/domain"
)

// watchBuffer is the per-watcher channel capacity. A watcher that falls this
// far behind is dropped and must re-read from its last seen index.
const watchBuffer = 128

// record is the persisted line shape. The run id is the file name, not part
// of the line.
type record struct {
	Index   int64           `json:"index"`
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

type watcher struct {
	id int64
	ch chan domain.Event
}

// runLog is the in-memory handle for one run's journal. All appends to a run
// go through its mutex: single writer per run.
type runLog struct {
	mu       sync.Mutex
	runID    string
	path     string
	file     *os.File
	next     int64
	terminal bool
	watchers []*watcher
	nextWID  int64
}

// Store manages the journal files for all runs under one data directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runLog
}

// NewStore opens (creating if needed) the journal directory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "create wal directory %s", dir)
	}
	return &Store{dir: dir, logger: logger, runs: make(map[string]*runLog)}, nil
}

func (s *Store) pathFor(runID string) string {
	return filepath.Join(s.dir, runID+".wal")
}

// Create initializes an empty journal for a new run. It is a conflict if the
// journal already exists.
func (s *Store) Create(runID string) error {
	if runID == "" {
		return domain.Errorf(domain.KindValidation, "run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return domain.Errorf(domain.KindConflict, "run %s already has a journal", runID)
	}
	path := s.pathFor(runID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return domain.Errorf(domain.KindConflict, "run %s already has a journal", runID)
		}
		return domain.WrapErr(domain.KindFatalIO, err, "create journal for run %s", runID)
	}
	s.runs[runID] = &runLog{runID: runID, path: path, file: file}
	return nil
}

// open returns the run's handle, recovering it from disk if the store was
// restarted since the journal was written.
func (s *Store) open(runID string) (*runLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.runs[runID]; ok {
		return rl, nil
	}
	path := s.pathFor(runID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindNotFound, "run %s not found", runID)
		}
		return nil, domain.WrapErr(domain.KindFatalIO, err, "stat journal for run %s", runID)
	}
	rl := &runLog{runID: runID, path: path}
	if err := rl.recover(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "reopen journal for run %s", runID)
	}
	rl.file = file
	s.runs[runID] = rl
	return rl, nil
}

// recover rebuilds next index and terminal flag by scanning the journal.
func (rl *runLog) recover() error {
	events, err := readRecords(rl.path, rl.runID, 0, -1)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.Index != rl.next {
			return domain.Errorf(domain.KindFatalIO, "journal for run %s has gap at index %d", rl.runID, rl.next)
		}
		rl.next++
		if ev.Type.IsTerminal() {
			rl.terminal = true
		}
	}
	return nil
}

// Append durably appends one event and returns its index. Appending to a
// terminal run is a conflict. A non-durable write surfaces fatal_io; the
// caller is responsible for failing the whole run.
func (s *Store) Append(ctx context.Context, runID string, typ domain.EventType, payload any) (int64, error) {
	rl, err := s.open(runID)
	if err != nil {
		return 0, err
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return 0, domain.WrapErr(domain.KindValidation, err, "marshal payload for %s", typ)
		}
		raw = b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.terminal {
		return 0, domain.Errorf(domain.KindConflict, "run %s is terminal", runID)
	}

	rec := record{Index: rl.next, Type: typ, Payload: raw, Ts: time.Now().UnixMilli()}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, domain.WrapErr(domain.KindValidation, err, "marshal event record")
	}
	if _, err := rl.file.Write(append(line, '\n')); err != nil {
		return 0, domain.WrapErr(domain.KindFatalIO, err, "append to run %s", runID)
	}
	if err := rl.file.Sync(); err != nil {
		return 0, domain.WrapErr(domain.KindFatalIO, err, "sync journal for run %s", runID)
	}

	rl.next++
	if typ.IsTerminal() {
		rl.terminal = true
	}

	ev := domain.Event{RunID: runID, Index: rec.Index, Type: typ, Payload: raw, Ts: rec.Ts}
	rl.notify(s.logger, ev)
	return rec.Index, nil
}

// notify fans an appended event out to watchers. A watcher whose buffer is
// full is dropped rather than stalling the writer.
func (rl *runLog) notify(logger *slog.Logger, ev domain.Event) {
	kept := rl.watchers[:0]
	for _, w := range rl.watchers {
		select {
		case w.ch <- ev:
			kept = append(kept, w)
		default:
			logger.Warn("dropping slow wal watcher", "run_id", rl.runID, "watcher", w.id)
			close(w.ch)
		}
	}
	rl.watchers = kept
}

// Read returns events[from..to] in order. to = -1 means through the tail.
// Reading an unknown run is not_found.
func (s *Store) Read(ctx context.Context, runID string, from, to int64) ([]domain.Event, error) {
	if from < 0 {
		return nil, domain.Errorf(domain.KindValidation, "from index %d out of range", from)
	}
	if to != -1 && to < from {
		return nil, domain.Errorf(domain.KindValidation, "to index %d precedes from index %d", to, from)
	}
	rl, err := s.open(runID)
	if err != nil {
		return nil, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return readRecords(rl.path, runID, from, to)
}

// Tail returns the last appended index, or -1 for an empty journal.
func (s *Store) Tail(ctx context.Context, runID string) (int64, error) {
	rl, err := s.open(runID)
	if err != nil {
		return 0, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.next - 1, nil
}

// Terminal reports whether the run's journal has a terminal event.
func (s *Store) Terminal(ctx context.Context, runID string) (bool, error) {
	rl, err := s.open(runID)
	if err != nil {
		return false, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.terminal, nil
}

// CopyPrefix duplicates src's events[0..upTo] verbatim into a fresh journal
// for dstRunID. upTo = -1 copies an empty prefix. The copy is line-exact:
// later appends to either run never affect the other. The destination must
// not already have a journal.
func (s *Store) CopyPrefix(ctx context.Context, srcRunID, dstRunID string, upTo int64) error {
	if upTo < -1 {
		return domain.Errorf(domain.KindValidation, "up_to index %d out of range", upTo)
	}
	src, err := s.open(srcRunID)
	if err != nil {
		return err
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	if upTo > src.next-1 {
		return domain.Errorf(domain.KindValidation, "up_to index %d beyond tail %d of run %s", upTo, src.next-1, srcRunID)
	}

	s.mu.Lock()
	if _, ok := s.runs[dstRunID]; ok {
		s.mu.Unlock()
		return domain.Errorf(domain.KindConflict, "run %s already has a journal", dstRunID)
	}
	s.mu.Unlock()

	dstPath := s.pathFor(dstRunID)
	dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return domain.Errorf(domain.KindConflict, "run %s already has a journal", dstRunID)
		}
		return domain.WrapErr(domain.KindFatalIO, err, "create journal for run %s", dstRunID)
	}

	copied, err := copyLines(src.path, dstFile, upTo)
	if err != nil {
		dstFile.Close()
		os.Remove(dstPath)
		return err
	}
	if copied != upTo+1 {
		dstFile.Close()
		os.Remove(dstPath)
		return domain.Errorf(domain.KindFatalIO, "journal for run %s truncated: wanted %d events, found %d", srcRunID, upTo+1, copied)
	}
	if err := dstFile.Sync(); err != nil {
		dstFile.Close()
		os.Remove(dstPath)
		return domain.WrapErr(domain.KindFatalIO, err, "sync journal for run %s", dstRunID)
	}

	appendFile, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_APPEND, 0o644)
	dstFile.Close()
	if err != nil {
		os.Remove(dstPath)
		return domain.WrapErr(domain.KindFatalIO, err, "reopen journal for run %s", dstRunID)
	}

	s.mu.Lock()
	s.runs[dstRunID] = &runLog{runID: dstRunID, path: dstPath, file: appendFile, next: upTo + 1}
	s.mu.Unlock()
	return nil
}

// Watch returns a channel of events starting at from, replaying the existing
// suffix before live appends. The returned cancel func releases the watcher.
func (s *Store) Watch(ctx context.Context, runID string, from int64) (<-chan domain.Event, func(), error) {
	rl, err := s.open(runID)
	if err != nil {
		return nil, nil, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	existing, err := readRecords(rl.path, runID, from, -1)
	if err != nil {
		return nil, nil, err
	}

	w := &watcher{id: rl.nextWID, ch: make(chan domain.Event, watchBuffer+len(existing))}
	rl.nextWID++
	for _, ev := range existing {
		w.ch <- ev
	}
	if rl.terminal {
		close(w.ch)
	} else {
		rl.watchers = append(rl.watchers, w)
	}

	cancel := func() {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		for i, cur := range rl.watchers {
			if cur.id == w.id {
				rl.watchers = append(rl.watchers[:i], rl.watchers[i+1:]...)
				close(cur.ch)
				return
			}
		}
	}
	return w.ch, cancel, nil
}

// Discard removes a journal outright. This exists solely so an aborted fork
// can clean up a destination that was never registered; committed run logs
// are never deleted.
func (s *Store) Discard(runID string) error {
	s.mu.Lock()
	rl, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.KindNotFound, "run %s not found", runID)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.file != nil {
		rl.file.Close()
		rl.file = nil
	}
	if err := os.Remove(rl.path); err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "remove journal for run %s", runID)
	}
	return nil
}

// Close closes all open journal files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, rl := range s.runs {
		rl.mu.Lock()
		if rl.file != nil {
			if err := rl.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			rl.file = nil
		}
		rl.mu.Unlock()
	}
	s.runs = make(map[string]*runLog)
	return firstErr
}

// readRecords scans a journal file and decodes events[from..to].
func readRecords(path, runID string, from, to int64) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindNotFound, "run %s not found", runID)
		}
		return nil, domain.WrapErr(domain.KindFatalIO, err, "open journal for run %s", runID)
	}
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var idx int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if to != -1 && idx > to {
			break
		}
		if idx >= from {
			var rec record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return nil, domain.WrapErr(domain.KindFatalIO, err, "corrupt record at index %d of run %s", idx, runID)
			}
			if rec.Index != idx {
				return nil, domain.Errorf(domain.KindFatalIO, "journal for run %s has index %d where %d expected", runID, rec.Index, idx)
			}
			events = append(events, domain.Event{RunID: runID, Index: rec.Index, Type: rec.Type, Payload: rec.Payload, Ts: rec.Ts})
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "scan journal for run %s", runID)
	}
	return events, nil
}

// copyLines streams the first upTo+1 lines of src into dst byte-for-byte.
func copyLines(srcPath string, dst *os.File, upTo int64) (int64, error) {
	if upTo < 0 {
		return 0, nil
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, domain.WrapErr(domain.KindFatalIO, err, "open source journal")
	}
	defer f.Close()

	w := bufio.NewWriter(dst)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var copied int64
	for scanner.Scan() && copied <= upTo {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		if _, err := w.Write(scanner.Bytes()); err != nil {
			return copied, domain.WrapErr(domain.KindFatalIO, err, "write copied record")
		}
		if err := w.WriteByte('\n'); err != nil {
			return copied, domain.WrapErr(domain.KindFatalIO, err, "write copied record")
		}
		copied++
	}
	if err := scanner.Err(); err != nil {
		return copied, domain.WrapErr(domain.KindFatalIO, err, "scan source journal")
	}
	if err := w.Flush(); err != nil {
		return copied, domain.WrapErr(domain.KindFatalIO, err, "flush copied prefix")
	}
	return copied, nil
}

// String implements fmt.Stringer for diagnostics.
func (s *Store) String() string {
	return fmt.Sprintf("wal.Store(%s)", s.dir)
}
