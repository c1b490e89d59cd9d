package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":8470" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.History.Capacity != 5 {
		t.Errorf("History.Capacity = %d, want 5", cfg.History.Capacity)
	}
	if cfg.Autoplay.ApprovalThreshold != 70 || cfg.Autoplay.NearMissLower != 55 {
		t.Errorf("autoplay defaults = %+v", cfg.Autoplay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  listen_addr: ":9000"
db_path: /tmp/studio.db
history:
  capacity: 8
autoplay:
  target_saved_count: 3
  approval_threshold: 80
provider:
  model: gpt-4o-mini
logging:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.DBPath != "/tmp/studio.db" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.History.Capacity != 8 || cfg.Autoplay.TargetSavedCount != 3 {
		t.Errorf("nested values not applied: %+v", cfg)
	}
	// Values the file omits keep their defaults.
	if cfg.Autoplay.NearMissLower != 55 {
		t.Errorf("NearMissLower = %d, want default 55", cfg.Autoplay.NearMissLower)
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("Provider.Model = %q", cfg.Provider.Model)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("db_path: from-file.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PL_DB_PATH", "from-env.db")
	t.Setenv("PL_AUTOPLAY_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "from-env.db" {
		t.Errorf("DBPath = %q, env should win", cfg.DBPath)
	}
	if cfg.Autoplay.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Autoplay.MaxIterations)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config file should error")
	}
}

func TestValidateRejectsInvertedBand(t *testing.T) {
	cfg := Default()
	cfg.Autoplay.NearMissLower = 90
	cfg.Autoplay.ApprovalThreshold = 70
	if err := cfg.Validate(); err == nil {
		t.Error("near-miss lower above the threshold must be rejected")
	}
}
