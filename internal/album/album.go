// Package album groups media yielded by the archive expander into
// fixed-size upload batches. Per (archive, extraction root) there are
// at most two open builders, one for images and one for videos; mixed
// batches are never produced.
package album

import (
	"fmt"
	"sync"

	"github.com/relaybot/mediarelay/internal/task"
)

// Item is one buffered media file together with the queue bookkeeping
// behind it.
type Item struct {
	Path string
	// HeldID is the journal id of the individual upload record backing
	// this item, replaced when the batch is emitted.
	HeldID      uint64
	CleanupRefs []string
}

// Batch is an emitted album.
type Batch struct {
	ArchiveName    string
	ExtractionRoot string
	ManifestID     string
	Kind           task.Kind
	Items          []Item
	Index          int // 1-based batch number
	Total          int // may be approximate while discovery continues
}

// Caption renders the user-visible batch label.
func Caption(archive string, kind task.Kind, index, total, count int) string {
	label := "Images"
	if kind == task.KindVideo {
		label = "Videos"
	}
	return fmt.Sprintf("%s – %s (Batch %d/%d: %d files)", archive, label, index, total, count)
}

// EmitFunc receives a full or flushed batch.
type EmitFunc func(b Batch) error

type builderKey struct {
	archive string
	root    string
	kind    task.Kind
}

type builder struct {
	items    []Item
	emitted  int // batches already emitted
	expected int // expected total files, 0 while unknown
}

// Batcher buffers items and emits batches of at most cap files.
type Batcher struct {
	mu       sync.Mutex
	cap      int
	emit     EmitFunc
	builders map[builderKey]*builder
	manifest map[builderKey]string
}

// NewBatcher creates a batcher with the given album cap.
func NewBatcher(cap int, emit EmitFunc) *Batcher {
	if cap < 1 {
		cap = 1
	}
	return &Batcher{
		cap:      cap,
		emit:     emit,
		builders: make(map[builderKey]*builder),
		manifest: make(map[builderKey]string),
	}
}

// SetExpectedTotal sets the expected file count for a group, improving
// the N in "Batch i/N" captions. Updated as discovery continues.
func (b *Batcher) SetExpectedTotal(archive, root string, kind task.Kind, files int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builderFor(archive, root, kind).expected = files
}

// Add buffers one item. When the buffer reaches the cap, a batch is
// emitted with those files in insertion order and the buffer clears.
func (b *Batcher) Add(archive, root, manifestID string, kind task.Kind, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := builderKey{archive, root, kind}
	b.manifest[key] = manifestID
	bd := b.builderFor(archive, root, kind)
	bd.items = append(bd.items, item)
	if len(bd.items) >= b.cap {
		return b.emitLocked(key, bd)
	}
	return nil
}

// Flush emits any non-empty buffers for an archive's groups. Called at
// the archive's end-of-stream.
func (b *Batcher) Flush(archive, root string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range []task.Kind{task.KindImage, task.KindVideo} {
		key := builderKey{archive, root, kind}
		bd := b.builders[key]
		if bd == nil || len(bd.items) == 0 {
			continue
		}
		if err := b.emitLocked(key, bd); err != nil {
			return err
		}
	}
	return nil
}

// Open reports how many items are buffered for a group, for tests and
// status.
func (b *Batcher) Open(archive, root string, kind task.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd := b.builders[builderKey{archive, root, kind}]; bd != nil {
		return len(bd.items)
	}
	return 0
}

func (b *Batcher) builderFor(archive, root string, kind task.Kind) *builder {
	key := builderKey{archive, root, kind}
	bd := b.builders[key]
	if bd == nil {
		bd = &builder{}
		b.builders[key] = bd
	}
	return bd
}

func (b *Batcher) emitLocked(key builderKey, bd *builder) error {
	items := bd.items
	bd.items = nil
	bd.emitted++
	index := bd.emitted
	total := index
	if bd.expected > 0 {
		if est := (bd.expected + b.cap - 1) / b.cap; est > total {
			total = est
		}
	}
	batch := Batch{
		ArchiveName:    key.archive,
		ExtractionRoot: key.root,
		ManifestID:     b.manifest[key],
		Kind:           key.kind,
		Items:          items,
		Index:          index,
		Total:          total,
	}
	return b.emit(batch)
}
