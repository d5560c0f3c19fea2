package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lxagent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mcp:
  services:
    - name: local
      type: local
      enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %s", cfg.Server.Address)
	}
	if cfg.MCP.RoutingStrategy != "capability_match" {
		t.Fatalf("strategy = %s", cfg.MCP.RoutingStrategy)
	}
	if cfg.Session.MaxRounds != 20 || cfg.Session.Driver != "memory" {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.TaskQueue.Worker != 4 || cfg.TaskQueue.Retries != 3 {
		t.Fatalf("task queue = %+v", cfg.TaskQueue)
	}
	if cfg.Agent.MaxSteps != 10 {
		t.Fatalf("max steps = %d", cfg.Agent.MaxSteps)
	}
	if len(cfg.Security.DangerousOperations) == 0 {
		t.Fatal("dangerous operations default missing")
	}
}

func TestLoadRejectsDuplicateServiceNames(t *testing.T) {
	path := writeConfig(t, `
mcp:
  services:
    - name: local
      type: local
    - name: local
      type: http
`)
	if _, err := Load(path); err == nil {
		t.Fatal("duplicate service names must be rejected")
	}
}

func TestLoadRejectsUnnamedService(t *testing.T) {
	path := writeConfig(t, `
mcp:
  services:
    - type: local
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unnamed services must be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("empty path must fail")
	}
}

func TestServiceConfigHelpers(t *testing.T) {
	svc := ServiceConfig{TimeoutSec: 0}
	if svc.Timeout() != 30*time.Second {
		t.Fatalf("default timeout = %v", svc.Timeout())
	}
	svc.TimeoutSec = 5
	if svc.Timeout() != 5*time.Second {
		t.Fatalf("timeout = %v", svc.Timeout())
	}

	t.Setenv("SVC_KEY", "env-secret")
	svc.APIKeyEnv = "SVC_KEY"
	if got := svc.ResolveAPIKey(); got != "env-secret" {
		t.Fatalf("ResolveAPIKey = %q", got)
	}
	svc.APIKey = "direct"
	if got := svc.ResolveAPIKey(); got != "direct" {
		t.Fatalf("ResolveAPIKey = %q, direct key must win", got)
	}
}
