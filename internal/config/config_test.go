package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxWorkers != 4 {
		t.Errorf("expected default MaxWorkers 4, got %d", cfg.MaxWorkers)
	}
	if cfg.HeartbeatIntervalMS != 180000 {
		t.Errorf("expected default heartbeat 180000ms, got %d", cfg.HeartbeatIntervalMS)
	}
	if cfg.AcceptanceMinFileBytes != 50 {
		t.Errorf("expected default acceptance min bytes 50, got %d", cfg.AcceptanceMinFileBytes)
	}
}

func TestLoadProjectOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	content := "max_workers: 8\nrules_path: custom-rules.yaml\n"
	if err := os.WriteFile(filepath.Join(dir, ".agentctl.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("expected project override MaxWorkers=8, got %d", cfg.MaxWorkers)
	}
	if cfg.RulesPath != "custom-rules.yaml" {
		t.Errorf("expected project override RulesPath, got %s", cfg.RulesPath)
	}
	// Untouched fields keep their defaults.
	if cfg.WorkerRetryLimit != 1 {
		t.Errorf("expected default WorkerRetryLimit=1, got %d", cfg.WorkerRetryLimit)
	}
}

func TestEnvOverridesProject(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	os.WriteFile(filepath.Join(dir, ".agentctl.yaml"), []byte("max_workers: 8\n"), 0600)
	os.Setenv("AGENTCTL_MAX_WORKERS", "16")
	defer os.Unsetenv("AGENTCTL_MAX_WORKERS")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 16 {
		t.Errorf("expected env override MaxWorkers=16, got %d", cfg.MaxWorkers)
	}
}

func TestFlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	os.Chdir(dir)
	os.WriteFile(filepath.Join(dir, ".agentctl.yaml"), []byte("max_workers: 8\n"), 0600)
	os.Setenv("AGENTCTL_MAX_WORKERS", "16")
	defer os.Unsetenv("AGENTCTL_MAX_WORKERS")

	cfg, err := Load(&Config{MaxWorkers: 32})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 32 {
		t.Errorf("expected flag override MaxWorkers=32, got %d", cfg.MaxWorkers)
	}
}
