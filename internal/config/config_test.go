package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "potproxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTemp(t, `
stores:
  - name: kpfguide
    binary: /bin/kpfguide-worker
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ExternalRequest != ":7001" || cfg.ExternalPublish != ":7002" {
		t.Fatalf("expected default socket addresses, got %+v", cfg)
	}
	if cfg.RestartDelaySeconds != 10 {
		t.Fatalf("expected default restart delay, got %d", cfg.RestartDelaySeconds)
	}
}

func TestLoadRejectsNoStores(t *testing.T) {
	path := writeTemp(t, `external_request: ":7001"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing stores")
	}
}

func TestLoadRejectsDuplicateStoreNames(t *testing.T) {
	path := writeTemp(t, `
stores:
  - name: kpfguide
    binary: /bin/a
  - name: kpfguide
    binary: /bin/b
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate store name")
	}
}

func TestResolveBinaryJoinsBaseDir(t *testing.T) {
	cfg := &Config{BaseDir: "/opt/workers"}
	got := cfg.ResolveBinary(StoreConfig{Name: "kpfguide", Binary: "kpfguide-worker"})
	want := "/opt/workers/kpfguide-worker"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveBinaryLeavesAbsolutePath(t *testing.T) {
	cfg := &Config{BaseDir: "/opt/workers"}
	got := cfg.ResolveBinary(StoreConfig{Name: "kpfguide", Binary: "/usr/local/bin/worker"})
	if got != "/usr/local/bin/worker" {
		t.Fatalf("got %q", got)
	}
}
