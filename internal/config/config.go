// Package config loads and validates the caretta daemon configuration.
//
// Configuration is a single JSON file merged over built-in defaults. The
// loaded Config is immutable by convention: it is constructed once and passed
// to the components that need it. Changing an agent's configuration requires
// a worker restart to take effect.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Sandbox modes, from least to most restrictive.
const (
	SandboxNormal     = "normal"
	SandboxConfined   = "confined"
	SandboxRestricted = "restricted"
)

// SandboxModes lists the valid sandbox mode names.
var SandboxModes = []string{SandboxNormal, SandboxConfined, SandboxRestricted}

// searchPaths are tried in order when no explicit config path is given.
var searchPaths = []string{
	"config.json",
	"~/.caretta/config.json",
	"/etc/caretta/config.json",
}

// Config is the full daemon configuration.
type Config struct {
	Global     GlobalConfig           `json:"global"`
	LLM        LLMConfig              `json:"llm"`
	Context    ContextConfig          `json:"context"`
	Shell      ShellConfig            `json:"shell"`
	Supervisor SupervisorConfig       `json:"supervisor"`
	Heartbeat  HeartbeatConfig        `json:"heartbeat"`
	Web        WebConfig              `json:"web"`
	Agents     map[string]AgentConfig `json:"agents"`

	// agentsMu guards Agents once the daemon is serving: the control socket
	// can add and remove agents at runtime.
	agentsMu sync.RWMutex
}

// GlobalConfig holds daemon-wide paths and defaults.
type GlobalConfig struct {
	DataDir      string `json:"data_dir"`
	DefaultAgent string `json:"default_agent"`
	PIDFile      string `json:"pid_file"`
	SocketPath   string `json:"socket_path"`
}

// LLMConfig selects providers and generation parameters.
type LLMConfig struct {
	DefaultProvider string                    `json:"default_provider"`
	DefaultModel    string                    `json:"default_model"`
	Temperature     float64                   `json:"temperature"`
	MaxOutputTokens int                       `json:"max_output_tokens"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig holds per-provider credentials and endpoint overrides.
type ProviderConfig struct {
	APIKey    string `json:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}

// ContextConfig tunes transcript compression.
type ContextConfig struct {
	MaxTokens              int     `json:"max_tokens"`
	CompressThresholdRatio float64 `json:"compress_threshold_ratio"`
	CompressTargetRatio    float64 `json:"compress_target_ratio"`
	CompressModel          string  `json:"compress_model"`
	// MinRecentTurns is the floor on the verbatim tail window: compression
	// never drops below this many recent turns even when they exceed the
	// target ratio.
	MinRecentTurns int `json:"min_recent_turns"`
}

// ShellConfig tunes sandboxed shell execution.
type ShellConfig struct {
	Enabled               bool     `json:"enabled"`
	TimeoutSeconds        int      `json:"timeout_seconds"`
	MaxOutputChars        int      `json:"max_output_chars"`
	DangerousCommands     []string `json:"dangerous_commands"`
	BlockedCommands       []string `json:"blocked_commands"`
	HistoryMaxEntries     int      `json:"history_max_entries"`
	HistoryMaxFileSizeMB  int      `json:"history_max_file_size_mb"`
	HistoryRecordOutput   bool     `json:"history_record_output"`
	HistoryOutputMaxChars int      `json:"history_output_max_chars"`
}

// SupervisorConfig tunes worker lifecycle management. The backoff curve and
// retry limits are configuration, not constants: crash recovery retries with
// exponential backoff until MaxRestarts is hit within RestartWindowSeconds,
// then the worker is pinned in a degraded Crashed state.
type SupervisorConfig struct {
	InboxSize            int `json:"inbox_size"`
	OutboxSize           int `json:"outbox_size"`
	StopGraceSeconds     int `json:"stop_grace_seconds"`
	MaxRestarts          int `json:"max_restarts"`
	RestartWindowSeconds int `json:"restart_window_seconds"`
	BackoffInitialMS     int `json:"backoff_initial_ms"`
	BackoffMaxMS         int `json:"backoff_max_ms"`
}

// HeartbeatConfig tunes the periodic task check.
type HeartbeatConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// WebConfig configures the built-in web chat channel.
type WebConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr"`
	Token     string `json:"token,omitempty"`
	TokenEnv  string `json:"token_env,omitempty"`
	Advertise bool   `json:"advertise"` // mDNS LAN advertisement
}

// ChannelBinding restricts which users of a channel may talk to an agent.
// An empty allowlist allows everyone.
type ChannelBinding struct {
	AllowedUserIDs []string `json:"allowed_user_ids,omitempty"`
}

// AgentConfig is the immutable identity of one agent. Mutations require a
// worker restart.
type AgentConfig struct {
	Name      string                    `json:"name"`
	HumanName string                    `json:"human_name"`
	Workspace string                    `json:"workspace"`
	Model     string                    `json:"model"`
	Tools     []string                  `json:"tools"`
	Sandbox   string                    `json:"sandbox"`
	Channels  map[string]ChannelBinding `json:"channels,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Global: GlobalConfig{
			DataDir:      "~/.caretta",
			DefaultAgent: "default",
			PIDFile:      "~/.caretta/daemon.pid",
			SocketPath:   "~/.caretta/daemon.sock",
		},
		LLM: LLMConfig{
			DefaultProvider: "google",
			DefaultModel:    "gemini-2.5-flash",
			Temperature:     0.7,
			MaxOutputTokens: 8192,
			Providers: map[string]ProviderConfig{
				"google":     {APIKeyEnv: "GOOGLE_API_KEY"},
				"openai":     {APIKeyEnv: "OPENAI_API_KEY"},
				"anthropic":  {APIKeyEnv: "ANTHROPIC_API_KEY"},
				"openrouter": {APIKeyEnv: "OPENROUTER_API_KEY"},
				"xai":        {APIKeyEnv: "XAI_API_KEY"},
			},
		},
		Context: ContextConfig{
			MaxTokens:              200000,
			CompressThresholdRatio: 0.7,
			CompressTargetRatio:    0.3,
			CompressModel:          "gemini-2.0-flash",
			MinRecentTurns:         4,
		},
		Shell: ShellConfig{
			Enabled:        true,
			TimeoutSeconds: 30,
			MaxOutputChars: 10000,
			DangerousCommands: []string{
				"rm", "rmdir", "chmod", "chown", "sudo",
				"shutdown", "reboot", "kill", "mkfs", "dd",
			},
			BlockedCommands:       []string{"rm -rf /", "rm -rf ~", ":(){ :|:& };:"},
			HistoryMaxEntries:     10000,
			HistoryMaxFileSizeMB:  50,
			HistoryRecordOutput:   true,
			HistoryOutputMaxChars: 500,
		},
		Supervisor: SupervisorConfig{
			InboxSize:            64,
			OutboxSize:           64,
			StopGraceSeconds:     5,
			MaxRestarts:          5,
			RestartWindowSeconds: 300,
			BackoffInitialMS:     1000,
			BackoffMaxMS:         60000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalSeconds: 300,
		},
		Web: WebConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:8787",
			TokenEnv:  "CARETTA_WEB_TOKEN",
			Advertise: false,
		},
		Agents: map[string]AgentConfig{
			"default": {
				Name:      "Caretta",
				HumanName: "Human",
				Workspace: "~/.caretta/agents/default",
				Model:     "gemini-2.5-flash",
				Tools:     []string{"shell", "memory", "task"},
				Sandbox:   SandboxConfined,
			},
		},
	}
}

// FindFile locates the config file: the explicit path when given, else the
// first existing search path. Returns "" when nothing is found.
func FindFile(explicit string) string {
	if explicit != "" {
		p := ExpandPath(explicit)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	for _, sp := range searchPaths {
		p := ExpandPath(sp)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads the configuration, merging the user file (when present) over
// Defaults. An explicit path that does not exist is an error; absent search
// paths just mean defaults.
func Load(explicit string) (*Config, error) {
	cfg := Defaults()

	path := FindFile(explicit)
	if explicit != "" && path == "" {
		return nil, fmt.Errorf("config file not found: %s", explicit)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Unmarshalling over the populated struct merges object fields over
		// the defaults. Map entries are replaced whole, so per-agent defaults
		// are re-applied in normalize.
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func Save(cfg *Config, path string) error {
	p := ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, append(data, '\n'), 0644)
}

// normalize expands paths and fills per-agent defaults that a user-provided
// agent entry may have omitted.
func (c *Config) normalize() {
	c.Global.DataDir = ExpandPath(c.Global.DataDir)
	c.Global.PIDFile = ExpandPath(c.Global.PIDFile)
	c.Global.SocketPath = ExpandPath(c.Global.SocketPath)

	for id, a := range c.Agents {
		c.Agents[id] = c.fillAgentDefaults(id, a)
	}
}

func (c *Config) fillAgentDefaults(id string, a AgentConfig) AgentConfig {
	if a.Name == "" {
		a.Name = "Caretta"
	}
	if a.HumanName == "" {
		a.HumanName = "Human"
	}
	if a.Workspace == "" {
		a.Workspace = filepath.Join(c.Global.DataDir, "agents", id)
	}
	a.Workspace = ExpandPath(a.Workspace)
	if a.Model == "" {
		a.Model = c.LLM.DefaultModel
	}
	if a.Sandbox == "" {
		a.Sandbox = SandboxConfined
	}
	if len(a.Tools) == 0 {
		a.Tools = []string{"shell", "memory", "task"}
	}
	return a
}

// Agent returns the configuration for one agent.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	a, ok := c.Agents[id]
	return a, ok
}

// AgentIDs returns the configured agent IDs in sorted order.
func (c *Config) AgentIDs() []string {
	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddAgent registers a new agent at runtime, applying the same defaults as
// agents loaded from the config file. The worker is not started.
func (c *Config) AddAgent(id string, a AgentConfig) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("agent id required")
	}
	if a.Sandbox != "" && !validSandbox(a.Sandbox) {
		return fmt.Errorf("unknown sandbox mode %q (valid: %s)", a.Sandbox, strings.Join(SandboxModes, ", "))
	}
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()
	if _, ok := c.Agents[id]; ok {
		return fmt.Errorf("agent %q already exists", id)
	}
	c.Agents[id] = c.fillAgentDefaults(id, a)
	return nil
}

// RemoveAgent deletes an agent entry. The default agent cannot be removed.
func (c *Config) RemoveAgent(id string) error {
	if id == c.Global.DefaultAgent {
		return fmt.Errorf("cannot remove default agent %q", id)
	}
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()
	if _, ok := c.Agents[id]; !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	delete(c.Agents, id)
	return nil
}

// DumpJSON renders the configuration as indented JSON.
func (c *Config) DumpJSON() ([]byte, error) {
	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	return json.MarshalIndent(c, "", "  ")
}

// Validate returns human-readable issues found in the configuration.
// Entries prefixed ERROR are fatal for daemon startup; WARNING entries are
// advisory.
func (c *Config) Validate() []string {
	var issues []string

	c.agentsMu.RLock()
	if len(c.Agents) == 0 {
		issues = append(issues, "ERROR: no agents configured")
	}
	if _, ok := c.Agents[c.Global.DefaultAgent]; !ok {
		issues = append(issues, fmt.Sprintf("ERROR: default agent %q not found in agents config", c.Global.DefaultAgent))
	}

	for id, a := range c.Agents {
		if a.Workspace == "" {
			issues = append(issues, fmt.Sprintf("ERROR: agent %q has no workspace configured", id))
		}
		if !validSandbox(a.Sandbox) {
			issues = append(issues, fmt.Sprintf("WARNING: agent %q has unknown sandbox mode %q (valid: %s)",
				id, a.Sandbox, strings.Join(SandboxModes, ", ")))
		}
	}
	c.agentsMu.RUnlock()

	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		issues = append(issues, fmt.Sprintf("WARNING: default LLM provider %q not configured", c.LLM.DefaultProvider))
	}
	for name, pc := range c.LLM.Providers {
		if ResolveSecret(pc.APIKey, pc.APIKeyEnv) == "" {
			issues = append(issues, fmt.Sprintf("WARNING: provider %q has no API key (set api_key or env %s)", name, pc.APIKeyEnv))
		}
	}

	if c.Context.CompressThresholdRatio <= c.Context.CompressTargetRatio {
		issues = append(issues, "WARNING: compress_threshold_ratio should exceed compress_target_ratio")
	}

	return issues
}

// HasErrors reports whether any issue is fatal.
func HasErrors(issues []string) bool {
	for _, iss := range issues {
		if strings.HasPrefix(iss, "ERROR") {
			return true
		}
	}
	return false
}

func validSandbox(mode string) bool {
	for _, m := range SandboxModes {
		if mode == m {
			return true
		}
	}
	return false
}

// ResolveSecret resolves a credential: the direct config value wins, then the
// named environment variable, then empty.
func ResolveSecret(direct, envName string) string {
	if direct != "" {
		return direct
	}
	if envName != "" {
		return os.Getenv(envName)
	}
	return ""
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

// Dir returns the caretta data directory, creating it if needed.
func (c *Config) Dir() (string, error) {
	dir := c.Global.DataDir
	if dir == "" {
		return "", errors.New("config: empty data_dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
