package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
)

// Config represents the complete Conductor configuration
type Config struct {
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WorkflowConfig controls how a run dispatches and gates stories
type WorkflowConfig struct {
	// ParallelCoders is the number of coder slots (default: 2)
	ParallelCoders int `mapstructure:"parallel_coders"`
	// ParallelTesters is the number of tester slots (default: 1)
	ParallelTesters int `mapstructure:"parallel_testers"`
	// MaxRetries is how often a failed agent invocation is retried per story (default: 2)
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelay is the first backoff delay; it doubles per attempt (default: 2s)
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the backoff delay (default: 1m)
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
	// BlockOnCritical runs the security review and blocks stories with critical findings (default: true)
	BlockOnCritical bool `mapstructure:"block_on_critical"`
	// FixCycles is how many times a story that fails its gates goes back to a coder (default: 1)
	FixCycles int `mapstructure:"fix_cycles"`
	// StoryTitleDedup is the story dedup policy: "epic_title" or "id_only" (default: "epic_title")
	StoryTitleDedup string `mapstructure:"story_title_dedup"`
	// WatchFiles records file changes in the project directory as code changes (default: true)
	WatchFiles bool `mapstructure:"watch_files"`
	// OnDuplicateStart decides what starting a running project does: "attach" or "reject" (default: "attach")
	OnDuplicateStart string `mapstructure:"on_duplicate_start"`
}

// AgentConfig controls how agents are invoked
type AgentConfig struct {
	// ClaudePath is the claude executable (default: "claude")
	ClaudePath string `mapstructure:"claude_path"`
	// Model is passed to claude with --model when set
	Model string `mapstructure:"model"`
	// MaxTurns bounds each invocation (default: 40)
	MaxTurns int `mapstructure:"max_turns"`
	// Timeout bounds a coder, tester or security invocation (default: 20m)
	Timeout time.Duration `mapstructure:"timeout"`
	// PlanningTimeout bounds the planner invocation (default: 10m)
	PlanningTimeout time.Duration `mapstructure:"planning_timeout"`
	// Capabilities are the tool allow-lists per role
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
}

// CapabilitiesConfig lists the tools each role may use. Values may be
// given as lists or as comma-separated strings.
type CapabilitiesConfig struct {
	Planner  []string `mapstructure:"planner"`
	Coder    []string `mapstructure:"coder"`
	Tester   []string `mapstructure:"tester"`
	Security []string `mapstructure:"security"`
}

// StorageConfig controls where and how project state is persisted
type StorageConfig struct {
	// DirName is the state directory inside a project (default: ".conductor")
	DirName string `mapstructure:"dir_name"`
	// CompactThreshold is the backlog log length that triggers compaction (default: 256)
	CompactThreshold int `mapstructure:"compact_threshold"`
	// SnapshotInterval is how often a running project writes a full snapshot (default: 30s)
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// ServerConfig controls the HTTP control API
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:7420")
	Addr string `mapstructure:"addr"`
	// JWTSecret enables HS256 bearer authentication when set
	JWTSecret string `mapstructure:"jwt_secret"`
	// BasePath prefixes every route (default: "/v1")
	BasePath string `mapstructure:"base_path"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// Rotation returns the rotation settings of the log file.
func (l LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	wf := model.DefaultWorkflowConfig()
	return &Config{
		Workflow: WorkflowConfig{
			ParallelCoders:   wf.ParallelCoders,
			ParallelTesters:  wf.ParallelTesters,
			MaxRetries:       wf.MaxRetries,
			RetryBaseDelay:   wf.RetryBaseDelay,
			RetryMaxDelay:    wf.RetryMaxDelay,
			BlockOnCritical:  wf.BlockOnCritical,
			FixCycles:        wf.FixCycles,
			StoryTitleDedup:  wf.StoryTitleDedup,
			WatchFiles:       wf.WatchFiles,
			OnDuplicateStart: "attach",
		},
		Agent: AgentConfig{
			ClaudePath:      "claude",
			MaxTurns:        wf.MaxTurns,
			Timeout:         wf.AgentTimeout,
			PlanningTimeout: wf.PlanningTimeout,
			Capabilities: CapabilitiesConfig{
				Planner:  wf.Capabilities[model.RolePlanner],
				Coder:    wf.Capabilities[model.RoleCoder],
				Tester:   wf.Capabilities[model.RoleTester],
				Security: wf.Capabilities[model.RoleSecurity],
			},
		},
		Storage: StorageConfig{
			DirName:          ".conductor",
			CompactThreshold: 256,
			SnapshotInterval: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:     "127.0.0.1:7420",
			BasePath: "/v1",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// WorkflowConfig returns the per-run knobs recorded in a project's state.
func (c *Config) WorkflowConfig() model.WorkflowConfig {
	caps := map[string][]string{}
	for role, tools := range map[string][]string{
		model.RolePlanner:  c.Agent.Capabilities.Planner,
		model.RoleCoder:    c.Agent.Capabilities.Coder,
		model.RoleTester:   c.Agent.Capabilities.Tester,
		model.RoleSecurity: c.Agent.Capabilities.Security,
	} {
		if len(tools) > 0 {
			caps[role] = append([]string(nil), tools...)
		}
	}
	return model.WorkflowConfig{
		ParallelCoders:  c.Workflow.ParallelCoders,
		ParallelTesters: c.Workflow.ParallelTesters,
		MaxRetries:      c.Workflow.MaxRetries,
		RetryBaseDelay:  c.Workflow.RetryBaseDelay,
		RetryMaxDelay:   c.Workflow.RetryMaxDelay,
		BlockOnCritical: c.Workflow.BlockOnCritical,
		FixCycles:       c.Workflow.FixCycles,
		MaxTurns:        c.Agent.MaxTurns,
		AgentTimeout:    c.Agent.Timeout,
		PlanningTimeout: c.Agent.PlanningTimeout,
		StoryTitleDedup: c.Workflow.StoryTitleDedup,
		WatchFiles:      c.Workflow.WatchFiles,
		Capabilities:    caps,
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Workflow defaults
	viper.SetDefault("workflow.parallel_coders", defaults.Workflow.ParallelCoders)
	viper.SetDefault("workflow.parallel_testers", defaults.Workflow.ParallelTesters)
	viper.SetDefault("workflow.max_retries", defaults.Workflow.MaxRetries)
	viper.SetDefault("workflow.retry_base_delay", defaults.Workflow.RetryBaseDelay)
	viper.SetDefault("workflow.retry_max_delay", defaults.Workflow.RetryMaxDelay)
	viper.SetDefault("workflow.block_on_critical", defaults.Workflow.BlockOnCritical)
	viper.SetDefault("workflow.fix_cycles", defaults.Workflow.FixCycles)
	viper.SetDefault("workflow.story_title_dedup", defaults.Workflow.StoryTitleDedup)
	viper.SetDefault("workflow.watch_files", defaults.Workflow.WatchFiles)
	viper.SetDefault("workflow.on_duplicate_start", defaults.Workflow.OnDuplicateStart)

	// Agent defaults
	viper.SetDefault("agent.claude_path", defaults.Agent.ClaudePath)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.max_turns", defaults.Agent.MaxTurns)
	viper.SetDefault("agent.timeout", defaults.Agent.Timeout)
	viper.SetDefault("agent.planning_timeout", defaults.Agent.PlanningTimeout)
	viper.SetDefault("agent.capabilities.planner", defaults.Agent.Capabilities.Planner)
	viper.SetDefault("agent.capabilities.coder", defaults.Agent.Capabilities.Coder)
	viper.SetDefault("agent.capabilities.tester", defaults.Agent.Capabilities.Tester)
	viper.SetDefault("agent.capabilities.security", defaults.Agent.Capabilities.Security)

	// Storage defaults
	viper.SetDefault("storage.dir_name", defaults.Storage.DirName)
	viper.SetDefault("storage.compact_threshold", defaults.Storage.CompactThreshold)
	viper.SetDefault("storage.snapshot_interval", defaults.Storage.SnapshotInterval)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.jwt_secret", defaults.Server.JWTSecret)
	viper.SetDefault("server.base_path", defaults.Server.BasePath)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// decodeHook turns "30s" into a time.Duration and "Read,Grep" into a
// slice, so both work in config files and environment variables.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	// Fall back to ~/.config/conductor
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".config", "conductor")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidDuplicateStartPolicies returns the valid workflow.on_duplicate_start values
func ValidDuplicateStartPolicies() []string {
	return []string{"attach", "reject"}
}

// ValidDedupPolicies returns the valid workflow.story_title_dedup values
func ValidDedupPolicies() []string {
	return []string{model.TitleDedupEpicTitle, model.TitleDedupIDOnly}
}
