package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

// FailedRecord is one quarantined task in the failed index.
type FailedRecord struct {
	TaskID   uint64    `json:"task_id"`
	TaskType string    `json:"task_type"`
	Name     string    `json:"name"`
	Class    string    `json:"class"`
	Time     time.Time `json:"time"`
	// Files are the preserved payload paths under the quarantine dir.
	Files []string `json:"files,omitempty"`
}

// Quarantine preserves the inputs of permanently failed tasks and
// keeps an operator-readable index. It implements queue.Quarantiner.
type Quarantine struct {
	mu        sync.Mutex
	dir       string
	indexPath string
	log       zerolog.Logger
}

func NewQuarantine(dir, indexPath string, logger zerolog.Logger) *Quarantine {
	return &Quarantine{dir: dir, indexPath: indexPath, log: logger}
}

// Quarantine moves the task's payload files into the quarantine dir and
// appends a record to the failed index. File moves are best-effort;
// the index entry is written regardless.
func (q *Quarantine) Quarantine(t *task.Task, class faults.Class) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("creating quarantine dir: %w", err)
	}

	rec := FailedRecord{
		TaskID:   t.ID,
		TaskType: string(t.Type),
		Name:     t.DisplayName(),
		Class:    string(class),
		Time:     time.Now(),
	}
	var sources []string
	if t.Path != "" {
		sources = append(sources, t.Path)
	}
	sources = append(sources, t.Files...)
	for _, src := range sources {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(q.dir, fmt.Sprintf("%d-%s", t.ID, filepath.Base(src)))
		if err := os.Rename(src, dst); err != nil {
			q.log.Warn().Err(err).Str("path", src).Msg("preserving quarantined file failed")
			continue
		}
		rec.Files = append(rec.Files, dst)
	}

	records, err := q.readIndexLocked()
	if err != nil {
		q.log.Warn().Err(err).Msg("failed index unreadable, rewriting")
		records = nil
	}
	records = append(records, rec)
	return q.writeIndexLocked(records)
}

// Records returns the failed index for the status surface.
func (q *Quarantine) Records() ([]FailedRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readIndexLocked()
}

func (q *Quarantine) readIndexLocked() ([]FailedRecord, error) {
	data, err := os.ReadFile(q.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []FailedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (q *Quarantine) writeIndexLocked(records []FailedRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.indexPath)
}
