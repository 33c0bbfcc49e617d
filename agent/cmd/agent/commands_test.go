package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phoenixtracker/phoenixtracker/agent/internal/config"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"phx_0123456789abcdefghij\n", "phx_0123456789abcdefghij", false},
		{"  phx_0123456789abcdefghij  ", "phx_0123456789abcdefghij", false},
		{"short", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := parseToken(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseToken(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("parseToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRunToken_FileLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Agent: config.AgentConfig{Auth: config.AuthConfig{
		Mode:         "file",
		TokenFile:    filepath.Join(dir, "token.age"),
		IdentityFile: filepath.Join(dir, "identity.txt"),
	}}}
	src := filepath.Join(dir, "token.txt")
	if err := os.WriteFile(src, []byte("phx_0123456789abcdefghij\n"), 0o600); err != nil {
		t.Fatalf("write token source: %v", err)
	}

	if err := runToken(cfg, []string{"setup"}, src); err != nil {
		t.Fatalf("token setup: %v", err)
	}
	if got, ok := cfg.Agent.Auth.Provider().Token(); !ok || got != "phx_0123456789abcdefghij" {
		t.Errorf("stored token = %q, %v", got, ok)
	}
	if err := runToken(cfg, []string{"show"}, ""); err != nil {
		t.Errorf("token show: %v", err)
	}
	if err := runToken(cfg, []string{"delete"}, ""); err != nil {
		t.Fatalf("token delete: %v", err)
	}
	if _, ok := cfg.Agent.Auth.Provider().Token(); ok {
		t.Error("token still available after delete")
	}
}

func TestRunToken_EnvModeRejectsSetup(t *testing.T) {
	cfg := &config.Config{Agent: config.AgentConfig{Auth: config.AuthConfig{Mode: "env", TokenEnv: "PHOENIX_TEST_TOKEN"}}}
	if err := runToken(cfg, []string{"setup"}, ""); err == nil {
		t.Error("token setup in env mode: expected error, got nil")
	}
	t.Setenv("PHOENIX_TEST_TOKEN", "phx_0123456789abcdefghij")
	if err := runToken(cfg, []string{"show"}, ""); err != nil {
		t.Errorf("token show in env mode: %v", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  api_url: https://p.example.com\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := run([]string{"--config", path, "teleport"}); err == nil {
		t.Error("run(teleport): expected error, got nil")
	}
}
