// Package convert holds the deferred conversion ledger: on-disk state
// for long or unreliable video conversions that must not block album
// uploads of compatible media. The ledger is single-writer (the
// deferred worker) and persisted atomically after every state change,
// with progress writes throttled to a save interval.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/task"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry is one deferred conversion. The input path doubles as the
// ledger key.
type Entry struct {
	InputPath   string    `json:"input_path"`
	OutputPath  string    `json:"output_path,omitempty"`
	Status      Status    `json:"status"`
	ProgressPct int       `json:"progress_pct"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`

	// Origin, for the upload followup and registry bookkeeping.
	ArchiveName    string    `json:"archive_name,omitempty"`
	ExtractionRoot string    `json:"extraction_root,omitempty"`
	Kind           task.Kind `json:"kind,omitempty"`
}

type ledgerState struct {
	Entries map[string]*Entry `json:"entries"`
}

// Ledger is the persistent conversion state.
type Ledger struct {
	mu           sync.Mutex
	path         string
	entries      map[string]*Entry
	maxRetries   int
	saveInterval time.Duration
	lastSave     time.Time
	log          zerolog.Logger
}

// Load reads the ledger at path. A corrupt file is logged and replaced
// by an empty ledger.
func Load(path string, maxRetries int, saveInterval time.Duration, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		path:         path,
		entries:      make(map[string]*Entry),
		maxRetries:   maxRetries,
		saveInterval: saveInterval,
		log:          logger,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("conversion ledger unreadable, starting empty")
		}
		return l
	}
	var st ledgerState
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("conversion ledger corrupt, starting empty")
		return l
	}
	if st.Entries != nil {
		l.entries = st.Entries
	}
	return l
}

// Add registers a pending conversion. Re-adding an existing key is a
// no-op.
func (l *Ledger) Add(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.InputPath]; ok {
		return nil
	}
	e.Status = StatusPending
	e.UpdatedAt = time.Now()
	l.entries[e.InputPath] = &e
	return l.saveLocked(true)
}

// Get returns a copy of the entry for key, if present.
func (l *Ledger) Get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkInProgress transitions an entry to in_progress.
func (l *Ledger) MarkInProgress(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return fmt.Errorf("no ledger entry for %s", key)
	}
	e.Status = StatusInProgress
	e.StartedAt = time.Now()
	e.UpdatedAt = e.StartedAt
	return l.saveLocked(true)
}

// UpdateProgress records encoder progress. Saves are throttled to the
// configured interval; the in-memory state is always current.
func (l *Ledger) UpdateProgress(key string, pct int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return fmt.Errorf("no ledger entry for %s", key)
	}
	e.ProgressPct = pct
	e.UpdatedAt = time.Now()
	return l.saveLocked(false)
}

// MarkCompleted finalizes an entry with its converted output.
func (l *Ledger) MarkCompleted(key, outputPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return fmt.Errorf("no ledger entry for %s", key)
	}
	e.Status = StatusCompleted
	e.OutputPath = outputPath
	e.ProgressPct = 100
	e.UpdatedAt = time.Now()
	return l.saveLocked(true)
}

// MarkFailed records a failed attempt. Under the retry cap the entry
// returns to pending; at the cap it turns failed for good. Returns the
// resulting status.
func (l *Ledger) MarkFailed(key, errMsg string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return "", fmt.Errorf("no ledger entry for %s", key)
	}
	e.RetryCount++
	e.LastError = errMsg
	e.UpdatedAt = time.Now()
	if e.RetryCount < l.maxRetries {
		e.Status = StatusPending
	} else {
		e.Status = StatusFailed
	}
	return e.Status, l.saveLocked(true)
}

// Pending returns pending entries in stable (oldest-first) order.
func (l *Ledger) Pending() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// Counts returns entry counts by status for the status surface.
func (l *Ledger) Counts() map[Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Status]int)
	for _, e := range l.entries {
		out[e.Status]++
	}
	return out
}

// Recover is the startup scan: in_progress entries whose source still
// exists return to pending (the encoder does not checkpoint, so they
// restart from scratch); entries whose source is missing turn failed.
// Returns the keys now pending.
func (l *Ledger) Recover() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []string
	for key, e := range l.entries {
		switch e.Status {
		case StatusInProgress:
			if _, err := os.Stat(e.InputPath); err != nil {
				e.Status = StatusFailed
				e.LastError = "source missing after restart"
				e.UpdatedAt = time.Now()
				l.log.Warn().Str("input", key).Msg("deferred conversion lost its source, marking failed")
				continue
			}
			e.Status = StatusPending
			e.ProgressPct = 0
			e.UpdatedAt = time.Now()
			pending = append(pending, key)
		case StatusPending:
			pending = append(pending, key)
		}
	}
	sort.Strings(pending)
	return pending, l.saveLocked(true)
}

// SweepCompleted drops completed entries older than ttl.
func (l *Ledger) SweepCompleted(ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	changed := false
	for key, e := range l.entries {
		if e.Status == StatusCompleted && e.UpdatedAt.Before(cutoff) {
			delete(l.entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.saveLocked(true)
}

// Remove deletes an entry outright (after its upload followup
// committed).
func (l *Ledger) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; !ok {
		return nil
	}
	delete(l.entries, key)
	return l.saveLocked(true)
}

// saveLocked persists the ledger atomically. force bypasses the save
// interval throttle.
func (l *Ledger) saveLocked(force bool) error {
	now := time.Now()
	if !force && now.Sub(l.lastSave) < l.saveInterval {
		return nil
	}
	st := ledgerState{Entries: l.entries}
	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	l.lastSave = now
	return nil
}
