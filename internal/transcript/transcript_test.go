package transcript_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/subkeeper/internal/transcript"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func taskLine(id, subagentType, teamName, name, prompt string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Task","id":%q,"input":{"subagent_type":%q,"team_name":%q,"name":%q,"prompt":%q}}]}}`,
		id, subagentType, teamName, name, prompt)
}

func TestScanTaskSpawns_RolePrecedence(t *testing.T) {
	path := writeLines(t,
		taskLine("tu-1", "general", "backend", "helper", "[ROLE:coder] inline tag wins"),
		taskLine("tu-2", "general", "backend", "helper", "team name beats name"),
		taskLine("tu-3", "general", "", "helper", "name is the last resort"),
		taskLine("tu-4", "general", "", "", "no role at all, skipped"),
	)
	spawns, err := transcript.ScanTaskSpawns(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(spawns) != 3 {
		t.Fatalf("expected 3 spawns (roleless skipped), got %d", len(spawns))
	}
	wantRoles := []string{"coder", "backend", "helper"}
	for i, want := range wantRoles {
		if spawns[i].Role != want {
			t.Errorf("spawn %d: role %q, want %q", i, spawns[i].Role, want)
		}
	}
	if spawns[0].TranscriptIndex != 1 || spawns[2].TranscriptIndex != 3 {
		t.Fatalf("expected 1-based line indices, got %+v", spawns)
	}
}

func TestScanTaskSpawns_SkipsNoise(t *testing.T) {
	path := writeLines(t,
		`not json at all`,
		`{"type":"user","message":{"content":[{"type":"tool_use","name":"Task","id":"tu-x","input":{"prompt":"[ROLE:coder] wrong entry type"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","id":"tu-y","input":{"prompt":"[ROLE:coder] wrong tool"}}]}}`,
		``,
		taskLine("tu-1", "general", "", "", "[ROLE:coder] the real one"),
	)
	spawns, err := transcript.ScanTaskSpawns(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(spawns) != 1 || spawns[0].ToolUseID != "tu-1" {
		t.Fatalf("expected only the real spawn, got %+v", spawns)
	}
	if spawns[0].TranscriptIndex != 5 {
		t.Fatalf("index must count skipped lines too, got %d", spawns[0].TranscriptIndex)
	}
}

func TestScanTaskSpawns_IssueRef(t *testing.T) {
	path := writeLines(t,
		taskLine("tu-1", "general", "", "", "[ROLE:coder] [ISSUE:PROJ-9] fix it"),
		taskLine("tu-2", "general", "", "", "[ROLE:coder] no issue here"),
	)
	spawns, err := transcript.ScanTaskSpawns(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if spawns[0].IssueRef != "PROJ-9" {
		t.Fatalf("expected issue ref, got %q", spawns[0].IssueRef)
	}
	if spawns[1].IssueRef != "" {
		t.Fatalf("expected empty issue ref, got %q", spawns[1].IssueRef)
	}
}

func TestScanTaskSpawns_MissingFile(t *testing.T) {
	spawns, err := transcript.ScanTaskSpawns(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if spawns != nil {
		t.Fatalf("expected no spawns, got %+v", spawns)
	}
}

func TestPromptFingerprint(t *testing.T) {
	a := transcript.PromptFingerprint("implement the parser")
	b := transcript.PromptFingerprint("implement the parser")
	c := transcript.PromptFingerprint("review the parser")
	if len(a) != 16 {
		t.Fatalf("expected 16-char fingerprint, got %d", len(a))
	}
	if a != b {
		t.Fatalf("fingerprint must be stable: %q != %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct prompts must not collide")
	}
}

func TestFindParentToolUseID(t *testing.T) {
	path := writeLines(t,
		taskLine("tu-1", "general", "", "", "[ROLE:coder] work"),
		`{"type":"progress","parentToolUseID":"tu-1","data":{"type":"agent_progress","agentId":"agent-1"}}`,
		`{"type":"progress","parentToolUseID":"tu-9","data":{"type":"other","agentId":"agent-2"}}`,
	)

	id, err := transcript.FindParentToolUseID(path, "agent-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if id != "tu-1" {
		t.Fatalf("expected tu-1, got %q", id)
	}

	// agent-2's line is not an agent_progress signal.
	id, err = transcript.FindParentToolUseID(path, "agent-2")
	if err != nil {
		t.Fatalf("find agent-2: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no signal for agent-2, got %q", id)
	}

	id, err = transcript.FindParentToolUseID(filepath.Join(t.TempDir(), "absent.jsonl"), "agent-1")
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for missing file, got %q", id)
	}
}
