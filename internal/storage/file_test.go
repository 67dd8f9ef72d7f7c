package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "jobloop/pkg/logx"
)

func openTestFileStore(t *testing.T) (*fileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st.(*fileStore), path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestFileStoreRecentEventsNewestFirst(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := EventRecord{At: base.Add(time.Duration(i) * time.Second), Type: "run_after", JobID: fmt.Sprintf("job-%d", i)}
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}

	got, err := st.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatalf("RecentEvents error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, want := range []string{"job-4", "job-3", "job-2"} {
		if got[i].JobID != want {
			t.Fatalf("event %d = %s, want %s", i, got[i].JobID, want)
		}
	}
	if !got[0].At.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("timestamp not preserved: %s", got[0].At)
	}

	all, err := st.RecentEvents(ctx, 100)
	if err != nil || len(all) != 5 {
		t.Fatalf("RecentEvents(100) = %d, %v", len(all), err)
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	ctx := context.Background()
	if err := st.AppendEvent(ctx, EventRecord{Type: "add", JobID: "a"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(st.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{\"type\":\"ru\n")
	_ = f.Close()
	if err := st.AppendEvent(ctx, EventRecord{Type: "stop", JobID: "a"}); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents error: %v", err)
	}
	if len(got) != 2 || got[0].Type != "stop" || got[1].Type != "add" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	st, _ := openTestFileStore(t)
	st.keep = 4
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		if err := st.AppendEvent(ctx, EventRecord{Type: "run_before", JobID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}
	// Compaction ran at the 8th record; the 9th was appended after it.
	if st.lines != 5 {
		t.Fatalf("lines = %d, want 5", st.lines)
	}
	n, err := countLines(st.path)
	if err != nil || n != 5 {
		t.Fatalf("file holds %d lines (%v), want 5", n, err)
	}
	got, err := st.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].JobID != "8" || got[len(got)-1].JobID != "4" {
		t.Fatalf("unexpected survivors %+v", got)
	}
}

func TestFileStoreReopenAppends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.AppendEvent(ctx, EventRecord{Type: "add", JobID: "a"})
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvent(ctx, EventRecord{Type: "add", JobID: "b"}); err == nil {
		t.Fatal("expected error after Close")
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if fs := st.(*fileStore); fs.lines != 1 {
		t.Fatalf("reopened line count = %d, want 1", fs.lines)
	}
	_ = st.AppendEvent(ctx, EventRecord{Type: "stop", JobID: "a"})
	got, _ := st.RecentEvents(ctx, 10)
	if len(got) != 2 || got[0].Type != "stop" {
		t.Fatalf("unexpected events %+v", got)
	}
}
