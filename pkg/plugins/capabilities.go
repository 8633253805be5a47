package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Capability names a group of host functions a plugin may call.
type Capability string

const (
	// CapabilityLog allows writing to the server log.
	CapabilityLog Capability = "log"

	// CapabilityEnvRead allows reading non-sensitive environment variables.
	CapabilityEnvRead Capability = "env:read"

	// CapabilityTempFS allows reading and writing files in a private temp directory.
	CapabilityTempFS Capability = "fs:temp"
)

// CapabilityEnforcer checks host function calls against the capabilities
// granted to one plugin.
type CapabilityEnforcer struct {
	granted map[Capability]bool
	tempDir string
	lookup  func(string) (string, bool)
}

// NewCapabilityEnforcer creates an enforcer granting capabilities. Temp files
// live under tempDir.
func NewCapabilityEnforcer(capabilities []string, tempDir string) *CapabilityEnforcer {
	e := &CapabilityEnforcer{
		granted: make(map[Capability]bool, len(capabilities)),
		tempDir: filepath.Clean(tempDir),
		lookup:  os.LookupEnv,
	}
	for _, c := range capabilities {
		e.granted[Capability(c)] = true
	}
	return e
}

// HasCapability reports whether c is granted.
func (e *CapabilityEnforcer) HasCapability(c Capability) bool {
	return e.granted[c]
}

// ReadEnv returns an environment variable when env:read is granted. Variables
// that look like credentials are never exposed.
func (e *CapabilityEnforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapabilityEnvRead) {
		return "", fmt.Errorf("capability env:read not granted")
	}
	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}
	v, _ := e.lookup(key)
	return v, nil
}

// WriteTempFile writes data to a file in the plugin temp directory.
func (e *CapabilityEnforcer) WriteTempFile(name string, data []byte) error {
	path, err := e.tempPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.tempDir, 0o750); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	return nil
}

// ReadTempFile reads a file from the plugin temp directory.
func (e *CapabilityEnforcer) ReadTempFile(name string) ([]byte, error) {
	path, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}
	return data, nil
}

func (e *CapabilityEnforcer) tempPath(name string) (string, error) {
	if !e.HasCapability(CapabilityTempFS) {
		return "", fmt.Errorf("capability fs:temp not granted")
	}
	path := filepath.Join(e.tempDir, name)
	if !strings.HasPrefix(path, e.tempDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return path, nil
}

// Cleanup removes the plugin temp directory.
func (e *CapabilityEnforcer) Cleanup() error {
	if !e.HasCapability(CapabilityTempFS) {
		return nil
	}
	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to clean up temp directory: %w", err)
	}
	return nil
}

var sensitiveEnvVars = []string{
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"SSH_PRIVATE_KEY",
	"SECRET",
	"TOKEN",
	"PASSWORD",
	"API_KEY",
}

func isSensitiveEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range sensitiveEnvVars {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// checkAllowed returns an error naming every requested capability missing
// from allowed. An empty allow list permits everything.
func checkAllowed(allowed, requested []string) error {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		set[c] = true
	}
	var denied []string
	for _, c := range requested {
		if !set[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}
	return nil
}
