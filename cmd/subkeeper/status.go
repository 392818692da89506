package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/subkeeper/internal/hooks"
	"github.com/basket/subkeeper/internal/persistence"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	roleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func runStatusCommand(ctx context.Context, dbPath string, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	sessionID := fs.String("session", "", "limit output to one session")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// Plain output for pipes; lipgloss would still strip colors, but
		// keep the renderer out of the way entirely.
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if *sessionID != "" {
		if code := printSessionStatus(ctx, store, *sessionID); code != 0 {
			return code
		}
	}

	stats, err := store.HistoryStats(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history stats: %v\n", err)
		return 1
	}
	fmt.Println(headerStyle.Render("history"))
	fmt.Printf("  total: %d\n", stats.Total)
	for role, count := range stats.ByRole {
		fmt.Printf("  %s: %d\n", roleStyle.Render(role), count)
	}
	if stats.AvgDurationSeconds != nil {
		fmt.Printf("  avg lifetime: %s\n", dimStyle.Render(fmt.Sprintf("%.1fs", *stats.AvgDurationSeconds)))
	}
	return 0
}

func printSessionStatus(ctx context.Context, store *persistence.Store, sessionID string) int {
	active, err := store.GetActiveSubagents(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "active subagents: %v\n", err)
		return 1
	}
	fmt.Println(headerStyle.Render("live subagents"))
	if len(active) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
	}
	for _, rec := range active {
		role := rec.Role
		if role == "" {
			role = warnStyle.Render("unresolved")
		} else {
			role = roleStyle.Render(role)
		}
		state := "pending"
		if rec.StartupProcessed {
			state = "processed"
		}
		fmt.Printf("  %s  %s  %s  %s  %s\n",
			rec.AgentID, rec.AgentType, role, state,
			dimStyle.Render(rec.CreatedAt.Format(time.RFC3339)))
	}

	unmatched, err := store.UnmatchedSpawnCount(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unmatched spawns: %v\n", err)
		return 1
	}
	fmt.Printf("%s %d\n", headerStyle.Render("unmatched spawns:"), unmatched)

	marker, err := store.GetSession(ctx, sessionID, hooks.HookSessionStart)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session marker: %v\n", err)
		return 1
	}
	if marker == nil {
		fmt.Printf("%s %s\n", headerStyle.Render("session marker:"), dimStyle.Render("(none)"))
		return 0
	}
	status := marker.Status
	if status != persistence.SessionStatusActive {
		status = warnStyle.Render(status)
	}
	fmt.Printf("%s %s, %d tokens at last check\n", headerStyle.Render("session marker:"), status, marker.LastTokens)
	return 0
}
