package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// fileKeep is how many records survive a compaction; compaction runs once
// the file holds twice as many.
const fileKeep = 10_000

// fileStore keeps the journal in <prefix>.events.jsonl (append-only JSON
// Lines). When it grows past 2*keep lines it is rewritten through a temp
// file holding the newest keep records.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File

	lines int
	keep  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	eventsPath := filepath.Join(dir, base) + ".events.jsonl"

	lines, err := countLines(eventsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "scan %s", eventsPath)
	}
	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", eventsPath)
	}
	return &fileStore{log: log, path: eventsPath, f: f, lines: lines, keep: fileKeep}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("event journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return errors.Wrap(err, "append event")
	}
	s.lines++
	if s.lines >= 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("event journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, err := readTail(s.path, limit)
	if err != nil {
		return nil, err
	}
	out := make([]EventRecord, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, tail[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tail, err := readTail(s.path, s.keep)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "create temp journal")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range tail {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "write temp journal")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "flush temp journal")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp journal")
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace journal")
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "reopen journal")
	}
	s.f = nf
	s.lines = len(tail)
	return nil
}

// readTail returns the last n decodable records in file order.
// Undecodable lines (e.g. a torn final write) are skipped.
func readTail(path string, n int) ([]EventRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	ring := make([]EventRecord, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e EventRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Type == "" {
			continue
		}
		if len(ring) < n {
			ring = append(ring, e)
			continue
		}
		ring[next] = e
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(ring) < n {
		return ring, nil
	}
	return append(ring[next:], ring[:next]...), nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
