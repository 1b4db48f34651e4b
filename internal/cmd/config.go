package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify Conductor configuration",
	Long: `View or modify Conductor configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  conductor config set workflow.parallel_coders 4
  conductor config set agent.model sonnet
  conductor config set agent.capabilities.tester Read,Grep,Bash
  conductor config set storage.snapshot_interval 1m

Run "conductor config show" to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/conductor/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// secretKeys are masked by config show.
var secretKeys = []string{"server.jwt_secret"}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	for _, key := range secretKeys {
		if viper.GetString(key) != "" {
			setNested(settings, key, "********")
		}
	}
	b, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(b)
	return err
}

// setNested replaces the value at a dotted key of a viper settings map.
func setNested(m map[string]any, key string, value any) {
	for {
		head, rest, found := strings.Cut(key, ".")
		if !found {
			m[key] = value
			return
		}
		next, ok := m[head].(map[string]any)
		if !ok {
			return
		}
		m, key = next, rest
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'conductor config show' to see valid keys", key)
	}

	// YAML scalars give ints, bools and strings their natural types.
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'conductor config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize Conductor's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. $HOME/.config/conductor/config.yaml")
	fmt.Fprintln(out, "  3. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: CONDUCTOR_* (e.g., CONDUCTOR_WORKFLOW_PARALLEL_CODERS)")
	return nil
}

const defaultConfigFile = `# Conductor Configuration

# How a run dispatches and gates stories
workflow:
  # Coder and tester agents working at the same time
  parallel_coders: 2
  parallel_testers: 1
  # Retries of a failed agent invocation, with exponential backoff
  max_retries: 2
  retry_base_delay: 2s
  retry_max_delay: 1m
  # Run a security review and fail stories with critical findings
  block_on_critical: true
  # How often a story that fails its tests goes back to a coder
  fix_cycles: 1
  # Story dedup policy: epic_title (same title in the same epic) or id_only
  story_title_dedup: epic_title
  # Record file changes in the project directory as code changes
  watch_files: true
  # Starting a project that is already running: attach or reject
  on_duplicate_start: attach

# How agents are invoked
agent:
  claude_path: claude
  # Passed to claude with --model when set
  model: ""
  max_turns: 40
  timeout: 20m
  planning_timeout: 10m
  # Tool allow-lists per role; lists or comma-separated strings
  # capabilities:
  #   tester: Read,Grep,Glob,Bash

# Where project state is kept, relative to the project directory
storage:
  dir_name: .conductor
  # Backlog log length that triggers compaction
  compact_threshold: 256
  snapshot_interval: 30s

# HTTP control API (conductor serve)
server:
  addr: 127.0.0.1:7420
  base_path: /v1
  # Enables bearer authentication when set
  jwt_secret: ""

# Debug log in {project}/.conductor/debug.log
logging:
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false
`
