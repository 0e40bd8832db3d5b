// Package registry tracks how many outstanding upload tasks still
// reference each extraction root, and which roots each archive
// produced. When a root's count reaches zero the root is removed; when
// an archive's last root is gone the archive file itself is removed.
package registry

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/task"
)

// Registry is single-writer (the upload worker); status readers take
// the same lock briefly.
type Registry struct {
	mu        sync.Mutex
	roots     map[string]int
	archives  map[string]map[string]bool
	delivered func(archivePath string)
	log       zerolog.Logger
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		roots:    make(map[string]int),
		archives: make(map[string]map[string]bool),
		log:      logger,
	}
}

// OnArchiveDelivered installs a hook invoked with an archive's path
// once all of its extracted content has been delivered, just before
// the archive file is removed. Set during wiring, before any Unref.
func (r *Registry) OnArchiveDelivered(fn func(archivePath string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = fn
}

// Ref adds n outstanding references to an extraction root.
func (r *Registry) Ref(root string, n int) {
	if root == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[root] += n
}

// BindArchive records that archivePath produced the given extraction
// root.
func (r *Registry) BindArchive(archivePath, root string) {
	if archivePath == "" || root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.archives[archivePath]
	if set == nil {
		set = make(map[string]bool)
		r.archives[archivePath] = set
	}
	set[root] = true
}

// Refcount returns the outstanding references for a root.
func (r *Registry) Refcount(root string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roots[root]
}

// Unref drops one reference from a root. At zero, the root directory
// is removed, empty parents are pruned, and any archive whose roots
// are all gone is deleted.
func (r *Registry) Unref(root string) {
	if root == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roots[root] <= 0 {
		return
	}
	r.roots[root]--
	if r.roots[root] > 0 {
		return
	}
	delete(r.roots, root)
	r.removeRootLocked(root)
}

func (r *Registry) removeRootLocked(root string) {
	if err := os.RemoveAll(root); err != nil {
		r.log.Warn().Err(err).Str("root", root).Msg("removing extraction root failed")
	}
	// Prune a now-empty parent (the per-archive container directory).
	parent := filepath.Dir(root)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}

	for archive, roots := range r.archives {
		if !roots[root] {
			continue
		}
		delete(roots, root)
		if len(roots) == 0 {
			delete(r.archives, archive)
			if r.delivered != nil {
				r.delivered(archive)
			}
			if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
				r.log.Warn().Err(err).Str("archive", archive).Msg("removing consumed archive failed")
			} else {
				r.log.Debug().Str("archive", archive).Msg("archive fully processed, removed")
			}
		}
	}
}

// Rebuild recomputes refcounts from restored upload-stage tasks, so
// the count for any root again equals the number of outstanding upload
// tasks referencing it.
func (r *Registry) Rebuild(uploadTasks []*task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = make(map[string]int)
	for _, t := range uploadTasks {
		if t.Archive == nil || t.Archive.ExtractionRoot == "" {
			continue
		}
		switch t.Type {
		case task.TypeAlbumDispatch, task.TypeDirectUpload, task.TypeDeferredConvert:
			r.roots[t.Archive.ExtractionRoot]++
		}
	}
}
