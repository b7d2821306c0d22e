package update

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"stateguard/internal/fsutil"
)

// Result of an install attempt
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// UpdateRecord is the audit entry of one install attempt
type UpdateRecord struct {
	ID            string     `json:"id" yaml:"id"`
	FromVersion   string     `json:"from_version" yaml:"from_version"`
	ToVersion     string     `json:"to_version" yaml:"to_version"`
	StartedAt     time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	BackupCreated bool       `json:"backup_created" yaml:"backup_created"`
	BackupName    string     `json:"backup_name,omitempty" yaml:"backup_name,omitempty"`
	Result        Result     `json:"result,omitempty" yaml:"result,omitempty"`
	Error         string     `json:"error,omitempty" yaml:"error,omitempty"`
	RollbackDir   string     `json:"rollback_dir,omitempty" yaml:"rollback_dir,omitempty"`
	FilesChanged  int        `json:"files_changed" yaml:"files_changed"`
	RolledBackAt  *time.Time `json:"rolled_back_at,omitempty" yaml:"rolled_back_at,omitempty"`
}

// finalized reports whether the record already has a result
func (r *UpdateRecord) finalized() bool {
	return r.Result != ""
}

// historyStore keeps update records in a JSON file
type historyStore struct {
	path string
	mu   sync.Mutex
}

func (h *historyStore) load() ([]*UpdateRecord, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []*UpdateRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read update history: %w", err)
	}

	var records []*UpdateRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse update history: %w", err)
	}
	return records, nil
}

func (h *historyStore) save(records []*UpdateRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode update history: %w", err)
	}
	return fsutil.WriteFileAtomic(h.path, data, 0o640)
}

// put inserts or replaces the record with the same id
func (h *historyStore) put(record *UpdateRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range records {
		if existing.ID == record.ID {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	return h.save(records)
}

// list returns records newest first
func (h *historyStore) list() ([]*UpdateRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

func (h *historyStore) get(id string) (*UpdateRecord, error) {
	records, err := h.list()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}
