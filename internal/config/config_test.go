package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Compat.Port != 22244 {
		t.Errorf("Port = %d, want 22244", cfg.Compat.Port)
	}
	if cfg.Compat.ServiceUser != "spalloc-service" {
		t.Errorf("ServiceUser = %q, want %q", cfg.Compat.ServiceUser, "spalloc-service")
	}
	if cfg.Compat.NotifyWaitTime.Duration() != 60*time.Second {
		t.Errorf("NotifyWaitTime = %v, want 60s", cfg.Compat.NotifyWaitTime.Duration())
	}
	if cfg.Compat.DefaultKeepalive.Duration() != 60*time.Second {
		t.Errorf("DefaultKeepalive = %v, want 60s", cfg.Compat.DefaultKeepalive.Duration())
	}
	if cfg.Compat.ReadTimeout.Duration() != 2*time.Second {
		t.Errorf("ReadTimeout = %v, want 2s", cfg.Compat.ReadTimeout.Duration())
	}
	if cfg.Compat.ShutdownTimeout.Duration() != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", cfg.Compat.ShutdownTimeout.Duration())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spalloc.yaml", `
compat:
  enable: true
  port: 22245
  host: 127.0.0.1
  thread_pool_size: 8
  service_user: svc
  notify_wait_time: 30s
  default_keepalive: 45s
database:
  path: /tmp/spalloc-test.db
auth:
  secret: hunter2
`)

	cfg, name, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if name != "spalloc.yaml" {
		t.Errorf("file = %q, want spalloc.yaml", name)
	}
	if !cfg.Compat.Enable {
		t.Error("Enable = false, want true")
	}
	if cfg.Compat.Port != 22245 {
		t.Errorf("Port = %d, want 22245", cfg.Compat.Port)
	}
	if cfg.Compat.ThreadPoolSize != 8 {
		t.Errorf("ThreadPoolSize = %d, want 8", cfg.Compat.ThreadPoolSize)
	}
	if cfg.Compat.NotifyWaitTime.Duration() != 30*time.Second {
		t.Errorf("NotifyWaitTime = %v, want 30s", cfg.Compat.NotifyWaitTime.Duration())
	}
	if cfg.Compat.DefaultKeepalive.Duration() != 45*time.Second {
		t.Errorf("DefaultKeepalive = %v, want 45s", cfg.Compat.DefaultKeepalive.Duration())
	}
	if cfg.Database.Path != "/tmp/spalloc-test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.Secret != "hunter2" {
		t.Errorf("Auth.Secret = %q, want hunter2", cfg.Auth.Secret)
	}
	// Unset values still get defaults.
	if cfg.Compat.ReadTimeout.Duration() != 2*time.Second {
		t.Errorf("ReadTimeout = %v, want default 2s", cfg.Compat.ReadTimeout.Duration())
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spalloc.toml", `
[compat]
enable = true
port = 22246
service_user = "svc"
notify_wait_time = "20s"
`)

	cfg, name, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if name != "spalloc.toml" {
		t.Errorf("file = %q, want spalloc.toml", name)
	}
	if cfg.Compat.Port != 22246 {
		t.Errorf("Port = %d, want 22246", cfg.Compat.Port)
	}
	if cfg.Compat.NotifyWaitTime.Duration() != 20*time.Second {
		t.Errorf("NotifyWaitTime = %v, want 20s", cfg.Compat.NotifyWaitTime.Duration())
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spalloc.json", `{"compat":{"enable":true,"port":22247,"default_keepalive":"90s"}}`)

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Compat.Port != 22247 {
		t.Errorf("Port = %d, want 22247", cfg.Compat.Port)
	}
	if cfg.Compat.DefaultKeepalive.Duration() != 90*time.Second {
		t.Errorf("DefaultKeepalive = %v, want 90s", cfg.Compat.DefaultKeepalive.Duration())
	}
}

func TestLoadNoConfig(t *testing.T) {
	if _, _, err := Load(t.TempDir()); err != ErrNoConfig {
		t.Errorf("err = %v, want ErrNoConfig", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spalloc.yaml", "compat:\n  notify_wait_time: banana\n")

	if _, _, err := Load(dir); err == nil {
		t.Error("Load accepted invalid duration")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Compat.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted port 99999")
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Compat.Host = "10.0.0.1"
	cfg.Compat.Port = 22244
	if got := cfg.Compat.Addr(); got != "10.0.0.1:22244" {
		t.Errorf("Addr = %q, want %q", got, "10.0.0.1:22244")
	}
}
