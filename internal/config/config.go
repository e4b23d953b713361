// Package config loads controller configuration from (highest to lowest
// priority): command-line flags, environment variables (AGENTCTL_*),
// project config (.agentctl.yaml in cwd), home config
// (~/.agentctl/config.yaml), and built-in defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all controller configuration.
type Config struct {
	MaxWorkers             int            `yaml:"max_workers" json:"max_workers"`
	HeartbeatIntervalMS    int            `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	StreamWindowChars      int            `yaml:"stream_window_chars" json:"stream_window_chars"`
	OutputBufferBytes      int            `yaml:"output_buffer_bytes" json:"output_buffer_bytes"`
	InterventionGraceMS    int            `yaml:"intervention_grace_ms" json:"intervention_grace_ms"`
	WorkerRetryLimit       int            `yaml:"worker_retry_limit" json:"worker_retry_limit"`
	PhaseBudgets           map[string]int `yaml:"phase_budgets" json:"phase_budgets"`
	RulesPath              string         `yaml:"rules_path" json:"rules_path"`
	EventLogPath           string         `yaml:"event_log_path" json:"event_log_path"`
	EventLogMaxBytes       int64          `yaml:"event_log_max_bytes" json:"event_log_max_bytes"`
	AcceptanceMinFileBytes int            `yaml:"acceptance_min_file_bytes" json:"acceptance_min_file_bytes"`

	Child   ChildConfig   `yaml:"child" json:"child"`
	Control ControlConfig `yaml:"control" json:"control"`

	Verbose bool `yaml:"verbose" json:"verbose"`
}

// ChildConfig configures how the child process is invoked.
type ChildConfig struct {
	// Command is the executable invoked as <command> <args...> inside the PTY.
	Command string `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	// DeliveryStrategy is "argv" (prompt appended to args) or "stdin" (prompt
	// written after the child starts).
	DeliveryStrategy string `yaml:"delivery_strategy" json:"delivery_strategy"`
	TermWidth        int    `yaml:"term_width" json:"term_width"`
	TermHeight       int    `yaml:"term_height" json:"term_height"`
}

// ControlConfig configures the control plane HTTP/WS listener.
type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

const envPrefix = "AGENTCTL_"

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		MaxWorkers:             4,
		HeartbeatIntervalMS:    180000,
		StreamWindowChars:      1000,
		OutputBufferBytes:      1 << 20,
		InterventionGraceMS:    500,
		WorkerRetryLimit:       1,
		PhaseBudgets:           map[string]int{},
		RulesPath:              "rules.yaml",
		EventLogPath:           "events.jsonl",
		EventLogMaxBytes:       64 << 20,
		AcceptanceMinFileBytes: 50,
		Child: ChildConfig{
			Command:          "claude",
			DeliveryStrategy: "stdin",
			TermWidth:        120,
			TermHeight:       40,
		},
		Control: ControlConfig{
			ListenAddr:  ":8420",
			MetricsAddr: ":8421",
		},
	}
}

// Load resolves configuration with precedence: flags > env > project > home
// > defaults. flagOverrides carries only explicitly-set flag values; zero
// values are treated as "not set" (the caller is responsible for only
// populating fields the user actually passed).
func Load(flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if home, _ := loadFromPath(homeConfigPath()); home != nil {
		cfg = merge(cfg, home)
	}
	if project, _ := loadFromPath(projectConfigPath()); project != nil {
		cfg = merge(cfg, project)
	}
	cfg = applyEnv(cfg)
	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}
	return cfg, nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentctl", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".agentctl.yaml")
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) *Config {
	if v, ok := envInt(envPrefix + "MAX_WORKERS"); ok {
		cfg.MaxWorkers = v
	}
	if v, ok := envInt(envPrefix + "HEARTBEAT_INTERVAL_MS"); ok {
		cfg.HeartbeatIntervalMS = v
	}
	if v, ok := envInt(envPrefix + "STREAM_WINDOW_CHARS"); ok {
		cfg.StreamWindowChars = v
	}
	if v, ok := envInt(envPrefix + "OUTPUT_BUFFER_BYTES"); ok {
		cfg.OutputBufferBytes = v
	}
	if v, ok := envInt(envPrefix + "INTERVENTION_GRACE_MS"); ok {
		cfg.InterventionGraceMS = v
	}
	if v, ok := envInt(envPrefix + "WORKER_RETRY_LIMIT"); ok {
		cfg.WorkerRetryLimit = v
	}
	if v := os.Getenv(envPrefix + "RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv(envPrefix + "EVENT_LOG_PATH"); v != "" {
		cfg.EventLogPath = v
	}
	if v := os.Getenv(envPrefix + "CHILD_COMMAND"); v != "" {
		cfg.Child.Command = v
	}
	if v := os.Getenv(envPrefix + "CHILD_DELIVERY"); v != "" {
		cfg.Child.DeliveryStrategy = v
	}
	if v := os.Getenv(envPrefix + "CONTROL_LISTEN_ADDR"); v != "" {
		cfg.Control.ListenAddr = v
	}
	if v := os.Getenv(envPrefix + "VERBOSE"); v == "true" || v == "1" {
		cfg.Verbose = true
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// merge overlays non-zero-valued fields of src onto dst and returns dst.
func merge(dst, src *Config) *Config {
	if src.MaxWorkers != 0 {
		dst.MaxWorkers = src.MaxWorkers
	}
	if src.HeartbeatIntervalMS != 0 {
		dst.HeartbeatIntervalMS = src.HeartbeatIntervalMS
	}
	if src.StreamWindowChars != 0 {
		dst.StreamWindowChars = src.StreamWindowChars
	}
	if src.OutputBufferBytes != 0 {
		dst.OutputBufferBytes = src.OutputBufferBytes
	}
	if src.InterventionGraceMS != 0 {
		dst.InterventionGraceMS = src.InterventionGraceMS
	}
	if src.WorkerRetryLimit != 0 {
		dst.WorkerRetryLimit = src.WorkerRetryLimit
	}
	for k, v := range src.PhaseBudgets {
		if dst.PhaseBudgets == nil {
			dst.PhaseBudgets = map[string]int{}
		}
		dst.PhaseBudgets[k] = v
	}
	if src.RulesPath != "" {
		dst.RulesPath = src.RulesPath
	}
	if src.EventLogPath != "" {
		dst.EventLogPath = src.EventLogPath
	}
	if src.EventLogMaxBytes != 0 {
		dst.EventLogMaxBytes = src.EventLogMaxBytes
	}
	if src.AcceptanceMinFileBytes != 0 {
		dst.AcceptanceMinFileBytes = src.AcceptanceMinFileBytes
	}
	if src.Child.Command != "" {
		dst.Child.Command = src.Child.Command
	}
	if len(src.Child.Args) != 0 {
		dst.Child.Args = src.Child.Args
	}
	if src.Child.DeliveryStrategy != "" {
		dst.Child.DeliveryStrategy = src.Child.DeliveryStrategy
	}
	if src.Child.TermWidth != 0 {
		dst.Child.TermWidth = src.Child.TermWidth
	}
	if src.Child.TermHeight != 0 {
		dst.Child.TermHeight = src.Child.TermHeight
	}
	if src.Control.ListenAddr != "" {
		dst.Control.ListenAddr = src.Control.ListenAddr
	}
	if src.Control.MetricsAddr != "" {
		dst.Control.MetricsAddr = src.Control.MetricsAddr
	}
	if src.Verbose {
		dst.Verbose = true
	}
	return dst
}
