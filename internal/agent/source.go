package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"

	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// watchDebounce coalesces the burst of fs events an editor or atomic rename
// produces into one reload.
const watchDebounce = 500 * time.Millisecond

// mappingsFile is the on-disk document shape.
type mappingsFile struct {
	Mappings []tunnel.PortMapping `yaml:"mappings"`
}

// Source loads port mappings from a YAML file and signals when the file
// changes on disk. Invalid entries are logged and skipped rather than failing
// the whole load.
type Source struct {
	path string

	mu       sync.RWMutex
	mappings []tunnel.PortMapping

	changes chan struct{}
}

// NewSource creates a file-backed mapping source.
func NewSource(path string) *Source {
	return &Source{
		path:    path,
		changes: make(chan struct{}, 1),
	}
}

// Load reads and parses the mappings file, replacing the current set.
func (s *Source) Load(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading mappings file: %w", err)
	}

	var doc mappingsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing mappings file: %w", err)
	}

	valid := make([]tunnel.PortMapping, 0, len(doc.Mappings))
	for _, m := range doc.Mappings {
		if err := m.Validate(); err != nil {
			slog.WarnContext(ctx, "Skipping invalid mapping", "mapping_id", m.ID, "error", err)
			continue
		}
		valid = append(valid, m)
	}

	s.mu.Lock()
	s.mappings = valid
	s.mu.Unlock()

	slog.InfoContext(ctx, "Loaded mappings", "file", s.path, "count", len(valid), "skipped", len(doc.Mappings)-len(valid))
	return nil
}

// Snapshot returns a copy of the current mapping set.
func (s *Source) Snapshot() []tunnel.PortMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tunnel.PortMapping, len(s.mappings))
	copy(out, s.mappings)
	return out
}

// Hash returns the content hash of the current mapping set.
func (s *Source) Hash() string {
	return tunnel.HashMappings(s.Snapshot())
}

// Changes signals (coalesced) after each successful reload triggered by a
// file change.
func (s *Source) Changes() <-chan struct{} {
	return s.changes
}

// Watch reloads the file whenever it changes, until the context ends. The
// parent directory is watched so atomic replace-by-rename is seen too.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceCh = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Mapping file watcher error", "error", err)

		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			if err := s.Load(ctx); err != nil {
				slog.WarnContext(ctx, "Failed to reload mappings", "error", err)
				continue
			}
			s.notify()
		}
	}
}

func (s *Source) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
