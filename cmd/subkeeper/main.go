package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/basket/subkeeper/internal/audit"
	"github.com/basket/subkeeper/internal/config"
	"github.com/basket/subkeeper/internal/hooks"
	"github.com/basket/subkeeper/internal/persistence"
	"github.com/basket/subkeeper/internal/shared"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

HOOKS (invoked by the host, one JSON event on stdin):
  %s hook subagent-start      Register a spawned subagent and match its role
  %s hook subagent-stop       Archive and remove a stopped subagent
  %s hook pre-task            Claim the next unprocessed subagent and emit its notice
  %s hook session-start       Once-per-session marker with token-growth expiry
  %s hook compact             Expire session markers and clean up live subagents

SUBCOMMANDS:
  %s ingest -session <id> -transcript <path> [-watch]
                              Ingest spawn instructions from a transcript;
                              -watch keeps re-scanning as the file grows
  %s status [-session <id>]   Show live subagents and history aggregates
  %s prune -session <id> [-keep <n>]
                              Delete old unmatched spawn records

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SUBKEEPER_PROJECT_DIR        Project root holding .subkeeper/ (default: cwd)
  SUBKEEPER_SPAWN_TTL_MINUTES  Fallback-match freshness window override
  SUBKEEPER_TOKEN_THRESHOLD    Session token-growth threshold override
`)
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = printUsage
	showVersion := flag.Bool("version", false, "print version and exit")
	dbPath := flag.String("db", "", "state file path (default: <project>/.subkeeper/state.db)")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Resolve("").LogLevel)

	switch args[0] {
	case "hook":
		return runHookCommand(ctx, cfg, logger, *dbPath, args[1:])
	case "ingest":
		return runIngestCommand(ctx, logger, *dbPath, args[1:])
	case "status":
		return runStatusCommand(ctx, *dbPath, args[1:])
	case "prune":
		return runPruneCommand(ctx, cfg, logger, *dbPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openStore(dbPath string) (*persistence.Store, error) {
	store, err := persistence.Open(dbPath)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(persistence.DefaultDBPath())
	if dbPath != "" {
		stateDir = filepath.Dir(dbPath)
	}
	if err := audit.Init(stateDir); err != nil {
		// The audit file sink is best-effort; the table sink still works.
		slog.Warn("audit init failed", "error", err)
	}
	audit.SetStore(store)
	return store, nil
}

func runHookCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, dbPath string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: subkeeper hook <name>")
		return 2
	}
	hookName := args[0]

	// Validate before touching the store: malformed input never opens it.
	ev, err := hooks.ParseEvent(hookName, os.Stdin)
	if err != nil {
		logger.Error("hook event rejected", "hook", hookName, "error", err)
		return 1
	}

	store, err := openStore(dbPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer func() {
		_ = store.Close()
		_ = audit.Close()
	}()

	h := &hooks.Handler{Store: store, Config: cfg, Logger: logger, Out: os.Stdout}
	if err := h.Handle(ctx, hookName, ev); err != nil {
		if persistence.IsBusy(err) {
			// Transient contention: the host may retry the hook.
			logger.Warn("store busy, retry later", "hook", hookName, "error", err)
			return 3
		}
		if errors.Is(err, persistence.ErrDuplicateAgent) {
			logger.Error("duplicate spawn-start", "hook", hookName, "error", err)
			return 1
		}
		logger.Error("hook failed", "hook", hookName, "error", err)
		return 1
	}
	return 0
}

func runPruneCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, dbPath string, args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session to prune")
	keep := fs.Int("keep", 0, "unmatched spawn records to keep (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: subkeeper prune -session <id> [-keep <n>]")
		return 2
	}
	keepRecent := *keep
	if keepRecent <= 0 {
		keepRecent = cfg.Resolve("").KeepRecent
	}

	store, err := openStore(dbPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	deleted, err := store.PruneUnmatchedSpawns(ctx, *sessionID, keepRecent)
	if err != nil {
		logger.Error("prune failed", "error", err)
		return 1
	}
	fmt.Printf("pruned %d unmatched spawn records\n", deleted)
	return 0
}
