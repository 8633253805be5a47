package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCapabilityEnforcerEnv(t *testing.T) {
	env := map[string]string{"REGION": "eu-west-1", "DB_PASSWORD": "hunter2"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	denied := NewCapabilityEnforcer(nil, t.TempDir())
	denied.lookup = lookup
	if _, err := denied.ReadEnv("REGION"); err == nil {
		t.Error("Expected env:read to be required")
	}

	e := NewCapabilityEnforcer([]string{"env:read"}, t.TempDir())
	e.lookup = lookup
	v, err := e.ReadEnv("REGION")
	if err != nil || v != "eu-west-1" {
		t.Errorf("Expected eu-west-1, got %q (%v)", v, err)
	}
	if _, err := e.ReadEnv("DB_PASSWORD"); err == nil {
		t.Error("Expected sensitive variable to be denied")
	}
}

func TestCapabilityEnforcerTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugin")

	denied := NewCapabilityEnforcer([]string{"log"}, dir)
	if err := denied.WriteTempFile("a.txt", []byte("x")); err == nil {
		t.Error("Expected fs:temp to be required")
	}

	e := NewCapabilityEnforcer([]string{"fs:temp"}, dir)
	if err := e.WriteTempFile("a.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteTempFile failed: %v", err)
	}
	data, err := e.ReadTempFile("a.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("Expected hello, got %q (%v)", data, err)
	}
	if err := e.WriteTempFile("../escape.txt", []byte("x")); err == nil {
		t.Error("Expected path traversal to be rejected")
	}

	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected temp dir to be removed, got %v", err)
	}
}

func TestCheckAllowed(t *testing.T) {
	if err := checkAllowed(nil, []string{"env:read"}); err != nil {
		t.Errorf("Expected empty allow list to permit everything, got %v", err)
	}
	if err := checkAllowed([]string{"log", "fs:temp"}, []string{"log"}); err != nil {
		t.Errorf("Expected log to be allowed, got %v", err)
	}
	if err := checkAllowed([]string{"log"}, []string{"fs:temp", "env:read"}); err == nil {
		t.Error("Expected denied capabilities")
	}
}
