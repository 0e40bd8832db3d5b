package extract

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest tracks streaming expansion progress for one archive so a
// restart resumes instead of re-extracting. It lives under the
// manifests directory keyed by archive id.
type Manifest struct {
	ArchiveName  string   `json:"archive_name"`
	TotalEntries int      `json:"total_entries"`
	Processed    []string `json:"processed_entries"`

	path      string
	processed map[string]bool
}

// NewManifest creates an empty manifest persisted at path.
func NewManifest(path, archiveName string) *Manifest {
	return &Manifest{
		ArchiveName: archiveName,
		path:        path,
		processed:   make(map[string]bool),
	}
}

// LoadManifest reads a manifest, returning an empty one when the file
// does not exist yet.
func LoadManifest(path, archiveName string) (*Manifest, error) {
	m := NewManifest(path, archiveName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	for _, name := range m.Processed {
		m.processed[name] = true
	}
	return m, nil
}

// IsProcessed reports whether an entry was already handled.
func (m *Manifest) IsProcessed(name string) bool {
	return m.processed[name]
}

// MarkProcessed records an entry as handled and persists the manifest.
// Called only after the consumer acknowledged the entry downstream.
func (m *Manifest) MarkProcessed(name string) error {
	if m.processed[name] {
		return nil
	}
	m.processed[name] = true
	m.Processed = append(m.Processed, name)
	return m.Save()
}

// SetTotal records the archive's member count once known.
func (m *Manifest) SetTotal(n int) error {
	if m.TotalEntries == n {
		return nil
	}
	m.TotalEntries = n
	return m.Save()
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}

// Remove deletes the manifest file.
func (m *Manifest) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
