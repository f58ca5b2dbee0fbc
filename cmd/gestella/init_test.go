package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/khairulanwarjo/gestella/internal/config"
	"github.com/khairulanwarjo/gestella/internal/defaults"
)

// clearUmask sets the process umask to 0 so permission assertions are
// deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "ws")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, defaults.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output missing ✓ marker:\n%s", buf.String())
	}
}

func TestRunInit_SkipsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	sentinel := []byte("# mine\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Errorf("output missing skip notice:\n%s", buf.String())
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, sentinel) {
		t.Error("config.yaml was overwritten")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Persona.BotName == "" || cfg.Agent.MaxIterations != 10 {
		t.Errorf("unexpected config: persona=%+v agent=%+v", cfg.Persona, cfg.Agent)
	}
}
