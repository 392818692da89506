// Package config loads subkeeper settings from a project-local YAML file and
// resolves per-agent-type behavior through an explicit layered resolver.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSpawnTTLMinutes = 5
	defaultTokenThreshold  = 30000
	defaultKeepRecent      = 100
	defaultLogLevel        = "info"
)

// Override is one per-agent-type settings block. Pointer fields distinguish
// "not set" from zero.
type Override struct {
	SpawnTTLMinutes *int  `yaml:"spawn_ttl_minutes"`
	TokenThreshold  *int64 `yaml:"token_threshold"`
	DisableMatching *bool `yaml:"disable_matching"`
}

// File is the on-disk configuration shape.
type File struct {
	StateDir        string              `yaml:"state_dir"`
	LogLevel        string              `yaml:"log_level"`
	SpawnTTLMinutes int                 `yaml:"spawn_ttl_minutes"`
	TokenThreshold  int64               `yaml:"token_threshold"`
	KeepRecent      int                 `yaml:"keep_recent"`
	AgentTypes      map[string]Override `yaml:"agent_types"`
}

// Config holds the loaded layers. Call Resolve to collapse them for one
// agent type; the result is immutable and never shared between calls.
type Config struct {
	file File
}

// Resolved is the outcome of one Resolve call. Precedence, lowest first:
// built-in defaults, config file, per-agent-type override block, environment
// variables (SUBKEEPER_SPAWN_TTL_MINUTES, SUBKEEPER_TOKEN_THRESHOLD).
type Resolved struct {
	StateDir        string
	LogLevel        string
	SpawnTTL        time.Duration
	TokenThreshold  int64
	KeepRecent      int
	DisableMatching bool
}

// DefaultPath is the config file location under the project root.
func DefaultPath() string {
	root := os.Getenv("SUBKEEPER_PROJECT_DIR")
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil || cwd == "" {
			cwd = "."
		}
		root = cwd
	}
	return filepath.Join(root, ".subkeeper", "config.yaml")
}

// Load reads the YAML config. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg.file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Resolve collapses the layers for one agent type into a single immutable
// value. agentType may be empty; the per-type layer is then skipped.
func (c *Config) Resolve(agentType string) Resolved {
	r := Resolved{
		LogLevel:       defaultLogLevel,
		SpawnTTL:       defaultSpawnTTLMinutes * time.Minute,
		TokenThreshold: defaultTokenThreshold,
		KeepRecent:     defaultKeepRecent,
	}

	// Layer 2: config file.
	if c.file.StateDir != "" {
		r.StateDir = c.file.StateDir
	}
	if c.file.LogLevel != "" {
		r.LogLevel = c.file.LogLevel
	}
	if c.file.SpawnTTLMinutes > 0 {
		r.SpawnTTL = time.Duration(c.file.SpawnTTLMinutes) * time.Minute
	}
	if c.file.TokenThreshold > 0 {
		r.TokenThreshold = c.file.TokenThreshold
	}
	if c.file.KeepRecent > 0 {
		r.KeepRecent = c.file.KeepRecent
	}

	// Layer 3: per-agent-type override block.
	if agentType != "" {
		if ov, ok := c.file.AgentTypes[agentType]; ok {
			if ov.SpawnTTLMinutes != nil && *ov.SpawnTTLMinutes > 0 {
				r.SpawnTTL = time.Duration(*ov.SpawnTTLMinutes) * time.Minute
			}
			if ov.TokenThreshold != nil && *ov.TokenThreshold > 0 {
				r.TokenThreshold = *ov.TokenThreshold
			}
			if ov.DisableMatching != nil {
				r.DisableMatching = *ov.DisableMatching
			}
		}
	}

	// Layer 4: environment.
	if v := os.Getenv("SUBKEEPER_SPAWN_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			r.SpawnTTL = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("SUBKEEPER_TOKEN_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			r.TokenThreshold = n
		}
	}
	return r
}
