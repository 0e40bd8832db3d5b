// Package cache is the content dedup store: an insertion-only set of
// payload fingerprints plus a cheap (name, exact-size) pre-check used
// by intake before any bytes are fetched. Persistence is a single JSON
// file with a corruption-tolerant loader: a file that fails to parse is
// logged and replaced by an empty cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry records one successfully processed payload.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ByteSize    int64     `json:"byte_size"`
	Name        string    `json:"name,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	Status      string    `json:"status"`
}

type state struct {
	Entries []Entry `json:"entries"`
}

// Cache is safe for concurrent use: multi-reader, single-writer.
type Cache struct {
	mu       sync.RWMutex
	path     string
	byHash   map[string]Entry
	nameSize map[string]bool
	log      zerolog.Logger
}

// Load reads the cache file at path, tolerating absence and
// corruption.
func Load(path string, logger zerolog.Logger) *Cache {
	c := &Cache{
		path:     path,
		byHash:   make(map[string]Entry),
		nameSize: make(map[string]bool),
		log:      logger,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("cache unreadable, starting empty")
		}
		return c
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("cache corrupt, starting empty")
		return c
	}
	for _, e := range st.Entries {
		c.byHash[e.Fingerprint] = e
		if e.Name != "" {
			c.nameSize[nameSizeKey(e.Name, e.ByteSize)] = true
		}
	}
	return c
}

// Fingerprint hashes a file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Has reports whether a fingerprint was already processed.
func (c *Cache) Has(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byHash[fingerprint]
	return ok
}

// SeenNameSize is the pre-hash duplicate check on (name, exact size).
func (c *Cache) SeenNameSize(name string, size int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nameSize[nameSizeKey(name, size)]
}

// Add inserts an entry and persists the cache. Insertion happens only
// after successful end-to-end completion of a payload.
func (c *Cache) Add(fingerprint, name string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byHash[fingerprint]; ok {
		return nil
	}
	e := Entry{
		Fingerprint: fingerprint,
		ByteSize:    size,
		Name:        name,
		FirstSeen:   time.Now(),
		Status:      "completed",
	}
	c.byHash[fingerprint] = e
	if name != "" {
		c.nameSize[nameSizeKey(name, size)] = true
	}
	return c.saveLocked()
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHash)
}

func (c *Cache) saveLocked() error {
	st := state{Entries: make([]Entry, 0, len(c.byHash))}
	for _, e := range c.byHash {
		st.Entries = append(st.Entries, e)
	}
	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing cache: %w", err)
	}
	return nil
}

func nameSizeKey(name string, size int64) string {
	return fmt.Sprintf("%s:%d", name, size)
}
