package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives the full set of custom policies after a change.
type ReloadFunc func(ctx context.Context, policies []Policy) error

// Loader reads custom policies from .rego and .json files.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads policies from a list of file or directory paths. The
// result is ordered by policy name.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for i := 1; i < len(all); i++ {
		if all[i].Name == all[i-1].Name {
			return nil, fmt.Errorf("duplicate policy name %q", all[i].Name)
		}
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}
	return l.loadFromFile(path)
}

// loadFromDirectory loads every .rego and .json file under dirPath. A file that
// fails to parse fails the whole load.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(path)
		if err != nil {
			return err
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(filePath string) ([]Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch {
	case strings.HasSuffix(filePath, ".rego"):
		return []Policy{parseRegoFile(filePath, data)}, nil
	case strings.HasSuffix(filePath, ".json"):
		policies, err := parseJSONFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
		return policies, nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
}

// parseRegoFile names the policy after the file and takes the leading comment
// block as its description.
func parseRegoFile(filePath string, data []byte) Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")
	return Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
	}
}

// parseJSONFile accepts either one policy or a bundle with a policies list.
func parseJSONFile(data []byte) ([]Policy, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, ok := head["policies"]; ok {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
		policies = bundle.Policies
	} else {
		var policy Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{policy}
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("policy %d has no name", i)
		}
		if policies[i].Severity == "" {
			policies[i].Severity = SeverityError
		}
		policies[i].Builtin = false
	}
	return policies, nil
}

func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}

	return description.String()
}

// Watch reloads policies from paths whenever a policy file is written,
// created, removed, or renamed. It returns once the watcher is running; the
// watch ends when ctx is cancelled or Close is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			err = addDirectories(watcher, path)
		} else {
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, done, paths, reload)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Watching policy paths")

	return nil
}

func addDirectories(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}, paths []string, reload ReloadFunc) {
	defer close(done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reload); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies, keeping current set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reload ReloadFunc) error {
	policies, err := l.LoadFromPaths(paths)
	if err != nil {
		return err
	}
	if err := reload(ctx, policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")

	return nil
}

// Close stops watching and waits for the event loop to exit.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
