package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("/tmp/ws")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Workspace != "/tmp/ws" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Breaker.OpenTimeout != 5*time.Second {
		t.Fatalf("expected 5s breaker timeout, got %s", cfg.Breaker.OpenTimeout)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  driver: postgres
  dsn: postgres://localhost/phasegate
log:
  level: debug
rbac:
  roles:
    Team Lead:
      permissions: [project.list.visible, breakdown.hlb.submit]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("expected default addr to survive, got %q", cfg.Server.Addr)
	}
	if got := cfg.RBAC.Roles["Team Lead"].Permissions; len(got) != 2 {
		t.Fatalf("expected rbac override, got %v", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":     "store:\n  driver: redis\n",
		"dsn":        "store:\n  driver: mongo\n",
		"level":      "log:\n  level: loud\n",
		"permission": "rbac:\n  roles:\n    Admin:\n      permissions: [\"\"]\n",
		"dev_login":  "server:\n  dev_login: true\n",
		"webhook":    "notify:\n  webhooks:\n    - events: [phase.promoted]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault(dir)), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Workspace != dir {
		t.Fatalf("expected workspace %s, got %s", dir, cfg.Store.Workspace)
	}
}
