package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the manifest looked up in each plugin directory.
const ManifestFileName = "manifest.yaml"

// Manifest describes a WASM plugin and the task definitions it exports.
type Manifest struct {
	// Name identifies the plugin.
	Name string `yaml:"name" validate:"required"`

	// Version is the plugin version. Together with Name it forms the plugin key.
	Version string `yaml:"version" validate:"required"`

	// Description is shown by the CLI.
	Description string `yaml:"description"`

	// Entrypoint is the WASM module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the optional hex encoded SHA-256 of the module.
	Checksum string `yaml:"checksum" validate:"omitempty,hexadecimal,len=64"`

	// Capabilities are the host functions the plugin may call.
	Capabilities []string `yaml:"capabilities" validate:"dive,oneof=log env:read fs:temp"`

	// Tasks are the task definitions the plugin implements.
	Tasks []TaskSpec `yaml:"tasks" validate:"required,min=1,dive"`

	// Path is the manifest file the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-"`
}

// TaskSpec is one task definition exported by a plugin.
type TaskSpec struct {
	// ID is the task definition id referenced by catalog process templates.
	ID string `yaml:"id" validate:"required"`

	// Description is shown by the CLI.
	Description string `yaml:"description"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Key returns name@version.
func (m *Manifest) Key() string {
	return buildPluginKey(m.Name, m.Version)
}

// TaskIDs returns the exported task definition ids in lexical order.
func (m *Manifest) TaskIDs() []string {
	ids := make([]string, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// ParseManifest decodes and validates a manifest. Relative entrypoints are
// resolved against baseDir.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if seen[t.ID] {
			return nil, fmt.Errorf("invalid manifest: duplicate task %s", t.ID)
		}
		seen[t.ID] = true
	}

	m.WasmPath = m.Entrypoint
	if !filepath.IsAbs(m.WasmPath) {
		m.WasmPath = filepath.Join(baseDir, m.Entrypoint)
	}
	return &m, nil
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ReadModule reads the WASM module and verifies its checksum when the manifest
// declares one.
func (m *Manifest) ReadModule() ([]byte, error) {
	wasm, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if m.Checksum != "" {
		if err := m.VerifyChecksum(wasm); err != nil {
			return nil, err
		}
	}
	return wasm, nil
}

// VerifyChecksum verifies the WASM module checksum against the manifest.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	hash := sha256.Sum256(wasm)
	computed := hex.EncodeToString(hash[:])
	if !strings.EqualFold(computed, m.Checksum) {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

func buildPluginKey(name, version string) string {
	return name + "@" + version
}
