package schedule

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"stateguard/internal/fsutil"
)

// Store persists schedules
type Store interface {
	Load() ([]*Schedule, error)
	Save(schedules []*Schedule) error
}

// FileStore keeps schedules in a YAML file
type FileStore struct {
	path string
}

type scheduleFile struct {
	Schedules []*Schedule `yaml:"schedules"`
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

// Load reads all schedules. A missing file holds no schedules.
func (s *FileStore) Load() ([]*Schedule, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}

	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	seen := make(map[string]bool, len(file.Schedules))
	for _, sched := range file.Schedules {
		if sched == nil {
			return nil, fmt.Errorf("failed to parse %s: empty schedule entry", s.path)
		}
		if seen[sched.Name] {
			return nil, fmt.Errorf("duplicate schedule %q in %s", sched.Name, s.path)
		}
		seen[sched.Name] = true
	}
	return file.Schedules, nil
}

// Save replaces the file contents atomically, ordered by name
func (s *FileStore) Save(schedules []*Schedule) error {
	sorted := make([]*Schedule, len(schedules))
	copy(sorted, schedules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	data, err := yaml.Marshal(scheduleFile{Schedules: sorted})
	if err != nil {
		return fmt.Errorf("failed to encode schedules: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write schedules: %w", err)
	}
	return nil
}
