package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"REVPCTL_CONFIG_PATH", "REVPCTL_RECONCILE_INTERVAL", "REVPCTL_STATE_DB",
		"REVPCTL_MAX_CONCURRENT_RECONCILES", "REVPCTL_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DocPath != "/etc/revpctl/config.yaml" {
		t.Errorf("DocPath = %q, want /etc/revpctl/config.yaml", cfg.DocPath)
	}
	if cfg.ReconcileInterval() != 5*time.Minute {
		t.Errorf("ReconcileInterval = %s, want 5m", cfg.ReconcileInterval())
	}
	if cfg.MaxConcurrentReconciles() != 4 {
		t.Errorf("MaxConcurrentReconciles = %d, want 4", cfg.MaxConcurrentReconciles())
	}
	if cfg.StateDBPath != "/data/revpctl.db" {
		t.Errorf("StateDBPath = %q, want /data/revpctl.db", cfg.StateDBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REVPCTL_RECONCILE_INTERVAL", "1h")
	t.Setenv("REVPCTL_HEARTBEAT_DEADLINE", "10s")
	t.Setenv("REVPCTL_MAX_CONCURRENT_RECONCILES", "8")
	t.Setenv("REVPCTL_LOG_JSON", "false")

	cfg := Load()
	if cfg.ReconcileInterval() != time.Hour {
		t.Errorf("ReconcileInterval = %s, want 1h", cfg.ReconcileInterval())
	}
	if cfg.HeartbeatDeadline() != 10*time.Second {
		t.Errorf("HeartbeatDeadline = %s, want 10s", cfg.HeartbeatDeadline())
	}
	if cfg.MaxConcurrentReconciles() != 8 {
		t.Errorf("MaxConcurrentReconciles = %d, want 8", cfg.MaxConcurrentReconciles())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero reconcile interval", func(c *Config) { c.SetReconcileInterval(0) }, true},
		{"zero max concurrent", func(c *Config) { c.SetMaxConcurrentReconciles(0) }, true},
		{"zero heartbeat deadline", func(c *Config) { c.SetHeartbeatDeadline(0) }, true},
		{"empty doc path", func(c *Config) { c.DocPath = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			cfg.DocPath = "/etc/revpctl/config.yaml"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "REVPCTL_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("REVPCTL_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "REVPCTL_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "REVPCTL_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "REVPCTL_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
proxy_admin_url: "http://proxy.internal:9000"
static_routes_path: "/data/static-routes.yaml"
hosts:
  - alias: web1
    address: web1.internal
    user: deploy
    key_path: /home/deploy/.ssh/id_ed25519
    port: 22
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	if doc.ProxyAdminURL != "http://proxy.internal:9000" {
		t.Errorf("ProxyAdminURL = %q", doc.ProxyAdminURL)
	}
	if len(doc.Hosts) != 1 || doc.Hosts[0].Alias != "web1" {
		t.Errorf("Hosts = %+v", doc.Hosts)
	}
}

func TestLoadDocumentRejectsMissingProxyURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("hosts: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDocument(path); err == nil {
		t.Error("LoadDocument() error = nil, want error for missing proxy_admin_url")
	}
}

func TestLoadDocumentRejectsDuplicateAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
proxy_admin_url: "http://proxy.internal:9000"
hosts:
  - alias: web1
    address: a
  - alias: web1
    address: b
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDocument(path); err == nil {
		t.Error("LoadDocument() error = nil, want error for duplicate alias")
	}
}
