package roster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk roster layout.
type fileFormat struct {
	Projects []struct {
		ID     string  `yaml:"id"`
		Agents []Agent `yaml:"agents"`
	} `yaml:"projects"`
}

// StaticSource serves rosters from memory. Useful for tests and for FileSource.
type StaticSource struct {
	mu       sync.RWMutex
	projects map[string][]Agent
}

// NewStaticSource copies projects into a new source.
func NewStaticSource(projects map[string][]Agent) *StaticSource {
	s := &StaticSource{}
	s.Replace(projects)
	return s
}

// ProjectAgents returns the roster of projectID; unknown projects have an empty roster.
func (s *StaticSource) ProjectAgents(_ context.Context, projectID string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.projects[projectID]), nil
}

// Replace swaps in a new set of rosters and returns the ids of projects whose roster changed.
func (s *StaticSource) Replace(projects map[string][]Agent) []string {
	next := make(map[string][]Agent, len(projects))
	for id, agents := range projects {
		next[id] = clone(agents)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for id, agents := range next {
		if !equalAgents(s.projects[id], agents) {
			changed = append(changed, id)
		}
	}
	for id := range s.projects {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	s.projects = next
	return changed
}

// FileSource is a StaticSource loaded from a YAML file and optionally kept in sync with it.
type FileSource struct {
	*StaticSource
	path   string
	logger *slog.Logger
}

// LoadFile reads the roster file at path.
func LoadFile(path string, logger *slog.Logger) (*FileSource, error) {
	projects, err := readRosterFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		StaticSource: NewStaticSource(projects),
		path:         path,
		logger:       logger,
	}, nil
}

// Reload re-reads the file and returns the ids of projects whose roster changed.
func (f *FileSource) Reload() ([]string, error) {
	projects, err := readRosterFile(f.path)
	if err != nil {
		return nil, err
	}
	return f.Replace(projects), nil
}

// Watch reloads the file when it changes and calls onChange with the affected
// project ids. It blocks until ctx is done.
func (f *FileSource) Watch(ctx context.Context, onChange func(projectIDs []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(f.path)
	if err != nil {
		return fmt.Errorf("resolve roster path: %w", err)
	}
	// Editors replace files on save, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}
	filename := filepath.Base(absPath)
	f.logger.Info("watching roster file", "path", absPath)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				changed, err := f.Reload()
				if err != nil {
					f.logger.Error("roster reload failed", "path", f.path, "error", err)
					return
				}
				f.logger.Info("roster reloaded", "path", f.path, "changed_projects", len(changed))
				if len(changed) > 0 && onChange != nil {
					onChange(changed)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("roster watcher error", "error", err)
		}
	}
}

func readRosterFile(path string) (map[string][]Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}
	return parseRoster(data)
}

func parseRoster(data []byte) (map[string][]Agent, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	projects := make(map[string][]Agent, len(ff.Projects))
	for _, p := range ff.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("parse roster: project without id")
		}
		if _, dup := projects[p.ID]; dup {
			return nil, fmt.Errorf("parse roster: duplicate project %q", p.ID)
		}
		seen := make(map[string]bool, len(p.Agents))
		for _, a := range p.Agents {
			if a.ID == "" {
				return nil, fmt.Errorf("parse roster: project %q has an agent without id", p.ID)
			}
			if seen[a.ID] {
				return nil, fmt.Errorf("parse roster: project %q has duplicate agent %q", p.ID, a.ID)
			}
			seen[a.ID] = true
		}
		projects[p.ID] = p.Agents
	}
	return projects, nil
}

func equalAgents(a, b []Agent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
