package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/engine"
)

// deltaFile is the on-disk form of a delta graph. YAML and JSON are both
// accepted since JSON is valid YAML.
type deltaFile struct {
	Resources []*engine.Resource `json:"resources"`
}

// readDelta loads a delta graph from path, or from stdin when path is "-".
func readDelta(path string, stdin io.Reader) (map[string]*engine.Resource, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read delta: %w", err)
	}
	return parseDelta(data)
}

// parseDelta decodes YAML into generic values and re-encodes them as JSON so
// resources are decoded with their JSON field names and validation.
func parseDelta(data []byte) (map[string]*engine.Resource, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse delta: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("delta is empty")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert delta: %w", err)
	}
	var file deltaFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode delta resources: %w", err)
	}
	if len(file.Resources) == 0 {
		return nil, fmt.Errorf("delta contains no resources")
	}

	delta := make(map[string]*engine.Resource, len(file.Resources))
	for i, r := range file.Resources {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("resource %d has no id", i)
		}
		if r.Type == "" {
			return nil, fmt.Errorf("resource %s has no type", r.ID)
		}
		if _, dup := delta[r.ID]; dup {
			return nil, fmt.Errorf("resource %s appears more than once", r.ID)
		}
		delta[r.ID] = r
	}
	return delta, nil
}
