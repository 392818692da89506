package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/subkeeper/internal/audit"
	"github.com/basket/subkeeper/internal/config"
	"github.com/basket/subkeeper/internal/persistence"
	"github.com/basket/subkeeper/internal/shared"
)

// Handler runs one hook event end to end. Each process constructs one
// Handler, handles one event, and exits; the store handle is scoped to the
// process and released by the caller.
type Handler struct {
	Store  *persistence.Store
	Config *config.Config
	Logger *slog.Logger
	Out    io.Writer
}

// Handle dispatches one validated event to its hook.
func (h *Handler) Handle(ctx context.Context, hookName string, ev *Event) error {
	ctx = shared.WithHookName(ctx, hookName)
	ctx = shared.WithSessionID(ctx, ev.SessionID)
	ctx = shared.WithAgentID(ctx, ev.AgentID)

	start := time.Now()
	var err error
	switch hookName {
	case HookSubagentStart:
		err = h.subagentStart(ctx, ev)
	case HookSubagentStop:
		err = h.subagentStop(ctx, ev)
	case HookPreTask:
		err = h.preTask(ctx, ev)
	case HookSessionStart:
		err = h.sessionStart(ctx, ev)
	case HookCompact:
		err = h.compact(ctx, ev)
	default:
		err = fmt.Errorf("unknown hook %q", hookName)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	audit.Record(ctx, hookName, result, nil, time.Since(start).Milliseconds())
	return err
}

// subagentStart ingests the leader transcript's spawn instructions, registers
// the new worker, then tries to bind it to the instruction that created it.
// A failed match is not an error: the role stays unresolved and pre-task
// retries later.
func (h *Handler) subagentStart(ctx context.Context, ev *Event) error {
	resolved := h.Config.Resolve(ev.AgentType)

	if ev.LeaderTranscriptPath != "" {
		inserted, err := h.Store.RegisterTaskSpawns(ctx, ev.SessionID, ev.LeaderTranscriptPath)
		if err != nil {
			return err
		}
		h.Logger.Debug("ingested task spawns", "session_id", ev.SessionID, "inserted", inserted)
	}

	if err := h.Store.RegisterSubagent(ctx, ev.AgentID, ev.SessionID, ev.AgentType, ev.Role, ev.LeaderTranscriptPath); err != nil {
		return err
	}

	if resolved.DisableMatching {
		return nil
	}
	match, err := h.Store.MatchTaskToAgent(ctx, ev.SessionID, ev.AgentID, ev.AgentType, ev.Role, ev.LeaderTranscriptPath, resolved.SpawnTTL)
	if err != nil {
		return err
	}
	if match != nil {
		h.Logger.Info("matched subagent to spawn",
			"agent_id", ev.AgentID, "role", match.Role, "source", match.Source, "exact", match.Exact)
	} else {
		h.Logger.Info("no spawn match yet", "agent_id", ev.AgentID, "agent_type", ev.AgentType)
	}
	return nil
}

// subagentStop archives the worker to history and removes its live state.
func (h *Handler) subagentStop(ctx context.Context, ev *Event) error {
	return h.Store.UnregisterSubagent(ctx, ev.AgentID)
}

// preTask claims the next worker awaiting its one-time startup notice,
// performs the notice, then marks it processed. The claim is read-only: a
// crash between notice and mark leaves the worker claimable, and re-emitting
// the notice is safe because it is idempotent per agent. The claimed record
// is threaded explicitly from decision to action.
func (h *Handler) preTask(ctx context.Context, ev *Event) error {
	claimed, err := h.Store.ClaimNextUnprocessed(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if claimed == nil {
		return nil
	}
	ctx = shared.WithAgentID(ctx, claimed.AgentID)

	// The correlating progress signal often appears only after spawn-start;
	// retry the exact match before rendering the notice.
	role := claimed.Role
	if role == "" {
		transcriptPath := ev.TranscriptPath
		if transcriptPath == "" {
			transcriptPath = claimed.LeaderTranscriptPath
		}
		if transcriptPath != "" {
			match, err := h.Store.RetryMatchFromAgentProgress(ctx, ev.SessionID, claimed.AgentID, transcriptPath)
			if err != nil {
				return err
			}
			if match != nil {
				role = match.Role
			}
		}
	}

	h.renderStartupNotice(claimed.AgentID, claimed.AgentType, role)

	marked, err := h.Store.MarkProcessed(ctx, claimed.AgentID)
	if err != nil {
		return err
	}
	if !marked {
		// Another process finished the same claim first; the notice was
		// redone, not lost.
		h.Logger.Debug("claim already marked", "agent_id", claimed.AgentID)
	}
	return nil
}

func (h *Handler) renderStartupNotice(agentID, agentType, role string) {
	if role != "" {
		fmt.Fprintf(h.Out, "[subkeeper] subagent %s started as %q (%s). Follow the %s conventions for this session.\n",
			agentID, role, agentType, role)
		return
	}
	fmt.Fprintf(h.Out, "[subkeeper] subagent %s started (%s). No role resolved yet.\n", agentID, agentType)
}

// sessionStart emits the once-per-session notice, treating token growth past
// the threshold as a session restart.
func (h *Handler) sessionStart(ctx context.Context, ev *Event) error {
	resolved := h.Config.Resolve("")
	processed, err := h.Store.IsProcessedContextAware(ctx, ev.SessionID, HookSessionStart, ev.Tokens, resolved.TokenThreshold)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	fmt.Fprintf(h.Out, "[subkeeper] session %s tracking started.\n", ev.SessionID)
	return h.Store.RegisterSession(ctx, ev.SessionID, HookSessionStart, ev.Tokens)
}

// compact handles the host's context-invalidation signal: every hook marker
// expires and every live worker is archived and removed.
func (h *Handler) compact(ctx context.Context, ev *Event) error {
	if err := h.Store.ExpireAllSessions(ctx, ev.SessionID, persistence.SessionStatusCompactExpired); err != nil {
		return err
	}
	removed, err := h.Store.CleanupSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	h.Logger.Info("compact cleanup", "session_id", ev.SessionID, "removed", removed)
	return nil
}
