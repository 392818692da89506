// Package hooks decodes inbound host events and runs one bounded unit of
// work per event against the store.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Hook names as invoked on the command line.
const (
	HookSubagentStart = "subagent-start"
	HookSubagentStop  = "subagent-stop"
	HookPreTask       = "pre-task"
	HookSessionStart  = "session-start"
	HookCompact       = "compact"
)

// Event is the envelope delivered by the host process on stdin, one JSON
// object per invocation. The host owns the format; unknown fields are
// ignored.
type Event struct {
	SessionID            string `json:"session_id"`
	AgentID              string `json:"agent_id"`
	AgentType            string `json:"agent_type"`
	Role                 string `json:"role"`
	TranscriptPath       string `json:"transcript_path"`
	LeaderTranscriptPath string `json:"leader_transcript_path"`
	Tokens               int64  `json:"tokens"`
}

// eventSchemas names the required fields per hook; everything else is
// optional. Malformed input is rejected before any store access.
var eventSchemas = map[string]string{
	HookSubagentStart: `{
		"type": "object",
		"required": ["session_id", "agent_id", "agent_type"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string", "minLength": 1},
			"agent_type": {"type": "string", "minLength": 1},
			"role": {"type": "string"},
			"leader_transcript_path": {"type": "string"}
		}
	}`,
	HookSubagentStop: `{
		"type": "object",
		"required": ["session_id", "agent_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string", "minLength": 1}
		}
	}`,
	HookPreTask: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"transcript_path": {"type": "string"}
		}
	}`,
	HookSessionStart: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"tokens": {"type": "integer", "minimum": 0}
		}
	}`,
	HookCompact: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(eventSchemas))
	c := jsonschema.NewCompiler()
	for name, raw := range eventSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("hook schema %s: %v", name, err))
		}
		res := name + ".json"
		if err := c.AddResource(res, doc); err != nil {
			panic(fmt.Sprintf("hook schema %s: %v", name, err))
		}
		schema, err := c.Compile(res)
		if err != nil {
			panic(fmt.Sprintf("hook schema %s: %v", name, err))
		}
		out[name] = schema
	}
	return out
}()

// ParseEvent reads one event envelope for the named hook and validates it
// against the hook's schema.
func ParseEvent(hookName string, r io.Reader) (*Event, error) {
	schema, ok := compiledSchemas[hookName]
	if !ok {
		return nil, fmt.Errorf("unknown hook %q", hookName)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read hook event: %w", err)
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse hook event: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", hookName, err)
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode hook event: %w", err)
	}
	return &ev, nil
}
