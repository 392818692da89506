// Package transcript reads the host's append-only, line-delimited session
// transcript. The file is an external input and is never mutated here.
package transcript

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// TaskSpawn is one observed "spawn a worker" tool invocation.
type TaskSpawn struct {
	// TranscriptIndex is the 1-based line number of the invocation. Together
	// with the session it uniquely identifies the spawn across re-scans.
	TranscriptIndex int
	SubagentType    string
	Role            string
	PromptHash      string
	ToolUseID       string
	IssueRef        string
}

var (
	rolePattern  = regexp.MustCompile(`\[ROLE:([^\]]+)\]`)
	issuePattern = regexp.MustCompile(`\[ISSUE:([^\]]+)\]`)
)

// spawnLine mirrors the subset of a transcript entry we care about.
type spawnLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type  string `json:"type"`
			Name  string `json:"name"`
			ID    string `json:"id"`
			Input struct {
				SubagentType string `json:"subagent_type"`
				TeamName     string `json:"team_name"`
				Name         string `json:"name"`
				Prompt       string `json:"prompt"`
			} `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

type progressLine struct {
	Type            string `json:"type"`
	ParentToolUseID string `json:"parentToolUseID"`
	Data            struct {
		Type    string `json:"type"`
		AgentID string `json:"agentId"`
	} `json:"data"`
}

// PromptFingerprint is the short stable fingerprint of a free-text prompt:
// hex SHA-256 truncated to 16 characters.
func PromptFingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// ScanTaskSpawns walks the transcript from the start and extracts every Task
// tool invocation with a derivable role. An inline [ROLE:xxx] tag in the
// prompt takes precedence over the explicit team/name input fields. Entries
// with no derivable role and malformed lines are skipped individually.
// A missing transcript is not an error; it yields no spawns.
func ScanTaskSpawns(path string) ([]TaskSpawn, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var spawns []TaskSpawn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry spawnLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Type != "assistant" {
			continue
		}
		for _, item := range entry.Message.Content {
			if item.Type != "tool_use" || item.Name != "Task" {
				continue
			}
			role := deriveRole(item.Input.Prompt, item.Input.TeamName, item.Input.Name)
			if role == "" {
				continue
			}
			issue := ""
			if m := issuePattern.FindStringSubmatch(item.Input.Prompt); m != nil {
				issue = strings.TrimSpace(m[1])
			}
			spawns = append(spawns, TaskSpawn{
				TranscriptIndex: lineNum,
				SubagentType:    item.Input.SubagentType,
				Role:            role,
				PromptHash:      PromptFingerprint(item.Input.Prompt),
				ToolUseID:       item.ID,
				IssueRef:        issue,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return spawns, nil
}

// deriveRole picks the role label for a spawn. The inline prompt tag wins
// over the explicit team/name fields when both are present.
func deriveRole(prompt, teamName, name string) string {
	if m := rolePattern.FindStringSubmatch(prompt); m != nil {
		return strings.TrimSpace(m[1])
	}
	if teamName != "" {
		return teamName
	}
	return name
}

// FindParentToolUseID scans the transcript for the worker-progress signal
// addressed to agentID and returns the id of the tool invocation that caused
// the spawn. Returns "" when no such signal exists yet.
func FindParentToolUseID(path, agentID string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry progressLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Type != "progress" || entry.Data.Type != "agent_progress" {
			continue
		}
		if entry.Data.AgentID != agentID {
			continue
		}
		if entry.ParentToolUseID != "" {
			return entry.ParentToolUseID, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transcript: %w", err)
	}
	return "", nil
}
