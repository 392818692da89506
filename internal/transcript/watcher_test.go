package transcript_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/subkeeper/internal/transcript"
)

func TestWatcher_SignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := transcript.NewWatcher(path, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	if _, err := f.WriteString("{\"type\":\"assistant\"}\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case _, ok := <-w.Events():
		if !ok {
			t.Fatalf("events channel closed before signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event after transcript write")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := transcript.NewWatcher(path, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-w.Events():
		t.Fatalf("sibling file write must not signal")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("seed transcript: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := transcript.NewWatcher(path, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A buffered event may still drain; the channel must close next.
			if _, ok := <-w.Events(); ok {
				t.Fatalf("events channel must close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel did not close after cancel")
	}
}
