package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBase || cfg.AccessToken != "" {
		t.Fatalf("expected defaults got %+v", cfg)
	}

	cfg.AccessToken = "tok"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	path, err := configPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "launchpad" {
		t.Fatalf("expected launchpad config dir got %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 got %v", info.Mode().Perm())
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.AccessToken != "tok" || loaded.APIBaseURL != defaultAPIBase {
		t.Fatalf("unexpected config %+v", loaded)
	}
}

func TestCommandTokenRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if err := commandToken([]string{"--user", "user-1"}); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
	if err := commandToken([]string{}); err == nil {
		t.Fatalf("expected error without --user")
	}
}
