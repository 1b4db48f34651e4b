package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/model"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Workflow.ParallelCoders != 2 {
		t.Errorf("Workflow.ParallelCoders = %d, want 2", cfg.Workflow.ParallelCoders)
	}
	if cfg.Workflow.ParallelTesters != 1 {
		t.Errorf("Workflow.ParallelTesters = %d, want 1", cfg.Workflow.ParallelTesters)
	}
	if cfg.Workflow.MaxRetries != 2 {
		t.Errorf("Workflow.MaxRetries = %d, want 2", cfg.Workflow.MaxRetries)
	}
	if !cfg.Workflow.BlockOnCritical {
		t.Error("Workflow.BlockOnCritical should be true by default")
	}
	if cfg.Workflow.StoryTitleDedup != model.TitleDedupEpicTitle {
		t.Errorf("Workflow.StoryTitleDedup = %q, want %q", cfg.Workflow.StoryTitleDedup, model.TitleDedupEpicTitle)
	}
	if cfg.Workflow.OnDuplicateStart != "attach" {
		t.Errorf("Workflow.OnDuplicateStart = %q, want attach", cfg.Workflow.OnDuplicateStart)
	}
	if cfg.Agent.ClaudePath != "claude" {
		t.Errorf("Agent.ClaudePath = %q, want claude", cfg.Agent.ClaudePath)
	}
	if cfg.Storage.DirName != ".conductor" {
		t.Errorf("Storage.DirName = %q, want .conductor", cfg.Storage.DirName)
	}
	if cfg.Storage.SnapshotInterval != 30*time.Second {
		t.Errorf("Storage.SnapshotInterval = %v, want 30s", cfg.Storage.SnapshotInterval)
	}
	if cfg.Server.Addr != "127.0.0.1:7420" {
		t.Errorf("Server.Addr = %q, want 127.0.0.1:7420", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestConfig_WorkflowConfig(t *testing.T) {
	cfg := Default()
	cfg.Workflow.ParallelCoders = 4
	cfg.Agent.Timeout = 5 * time.Minute
	cfg.Agent.Capabilities.Security = nil

	wf := cfg.WorkflowConfig()
	if err := wf.Validate(); err != nil {
		t.Fatalf("WorkflowConfig().Validate() error = %v", err)
	}
	if wf.ParallelCoders != 4 {
		t.Errorf("ParallelCoders = %d, want 4", wf.ParallelCoders)
	}
	if wf.AgentTimeout != 5*time.Minute {
		t.Errorf("AgentTimeout = %v, want 5m", wf.AgentTimeout)
	}
	if _, ok := wf.Capabilities[model.RoleSecurity]; ok {
		t.Error("empty security capabilities should be left unset")
	}
	if !slices.Equal(wf.Capabilities[model.RoleCoder], cfg.Agent.Capabilities.Coder) {
		t.Errorf("coder capabilities = %v, want %v", wf.Capabilities[model.RoleCoder], cfg.Agent.Capabilities.Coder)
	}

	// The returned config must not alias the source slices.
	wf.Capabilities[model.RoleCoder][0] = "changed"
	if cfg.Agent.Capabilities.Coder[0] == "changed" {
		t.Error("WorkflowConfig() aliases capability slices")
	}
}

func TestLoadFrom_DecodesStringsAndEnvironment(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	viper.Set("workflow.retry_base_delay", "250ms")
	viper.Set("agent.capabilities.tester", "Read,Bash")
	viper.Set("storage.snapshot_interval", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 250ms", cfg.Workflow.RetryBaseDelay)
	}
	if !slices.Equal(cfg.Agent.Capabilities.Tester, []string{"Read", "Bash"}) {
		t.Errorf("Capabilities.Tester = %v, want [Read Bash]", cfg.Agent.Capabilities.Tester)
	}
	if cfg.Storage.SnapshotInterval != time.Minute {
		t.Errorf("SnapshotInterval = %v, want 1m", cfg.Storage.SnapshotInterval)
	}
	if cfg.Workflow.ParallelCoders != 2 {
		t.Errorf("ParallelCoders = %d, want default 2", cfg.Workflow.ParallelCoders)
	}
}

func TestLoadFrom_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `workflow:
  parallel_coders: 3
  on_duplicate_start: reject
agent:
  timeout: 90s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	v := viper.GetViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Workflow.ParallelCoders != 3 || cfg.Workflow.OnDuplicateStart != "reject" {
		t.Errorf("workflow = %+v, want 3 coders and reject", cfg.Workflow)
	}
	if cfg.Agent.Timeout != 90*time.Second {
		t.Errorf("Agent.Timeout = %v, want 90s", cfg.Agent.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("workflow.parallel_coders", 0)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for parallel_coders 0")
	}
	if cfg := Get(); cfg.Workflow.ParallelCoders != 2 {
		t.Errorf("Get() should fall back to defaults, got %d coders", cfg.Workflow.ParallelCoders)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		expected := "/custom/config/conductor"
		if result := ConfigDir(); result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "conductor")
		if result := ConfigDir(); result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	expected := "/custom/config/conductor/config.yaml"
	if result := ConfigFile(); result != expected {
		t.Errorf("ConfigFile() = %q, want %q", result, expected)
	}
}

func TestLoggingConfig_Rotation(t *testing.T) {
	l := LoggingConfig{MaxSizeMB: 5, MaxBackups: 2, Compress: true}
	r := l.Rotation()
	if r.MaxSizeMB != 5 || r.MaxBackups != 2 || !r.Compress {
		t.Errorf("Rotation() = %+v, want 5MB, 2 backups, compressed", r)
	}
}
