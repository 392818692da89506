package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/subkeeper/internal/transcript"
)

// runIngestCommand scans a transcript for spawn instructions, once or
// continuously. Watching is the one optional detached step: every re-scan is
// an idempotent insert, so the watcher can die and restart freely.
func runIngestCommand(ctx context.Context, logger *slog.Logger, dbPath string, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session the transcript belongs to")
	path := fs.String("transcript", "", "transcript file to scan")
	watch := fs.Bool("watch", false, "keep re-scanning as the transcript grows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "usage: subkeeper ingest -session <id> -transcript <path> [-watch]")
		return 2
	}

	store, err := openStore(dbPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	inserted, err := store.RegisterTaskSpawns(ctx, *sessionID, *path)
	if err != nil {
		logger.Error("ingest failed", "error", err)
		return 1
	}
	fmt.Printf("ingested %d new spawn records\n", inserted)

	if !*watch {
		return 0
	}

	w := transcript.NewWatcher(*path, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("start watcher", "error", err)
		return 1
	}
	logger.Info("watching transcript", "path", *path)
	for {
		select {
		case <-ctx.Done():
			return 0
		case _, ok := <-w.Events():
			if !ok {
				return 0
			}
			inserted, err := store.RegisterTaskSpawns(ctx, *sessionID, *path)
			if err != nil {
				logger.Warn("re-scan failed", "error", err)
				continue
			}
			if inserted > 0 {
				logger.Info("ingested spawn records", "inserted", inserted)
			}
		}
	}
}
