// Package task defines the tagged task variant flowing through the
// staged queues and its on-disk JSON form. Persisted records carry a
// type discriminant plus the field set for that discriminant; unknown
// discriminants found during restore are logged and skipped by the
// queue engine.
package task

import (
	"sync/atomic"
	"time"
)

// Type discriminates the task variants.
type Type string

const (
	TypeDownload        Type = "download"
	TypeExtract         Type = "extract"
	TypeExpandEntry     Type = "expand_entry"
	TypeNormalize       Type = "normalize"
	TypeDeferredConvert Type = "deferred_convert"
	TypeAlbumDispatch   Type = "album_dispatch"
	TypeDirectUpload    Type = "direct_upload"
	TypeWebdavCrawl     Type = "webdav_crawl"
	TypeWebdavFile      Type = "webdav_file"
)

// Known reports whether t is a discriminant this build understands.
func (t Type) Known() bool {
	switch t {
	case TypeDownload, TypeExtract, TypeExpandEntry, TypeNormalize,
		TypeDeferredConvert, TypeAlbumDispatch, TypeDirectUpload,
		TypeWebdavCrawl, TypeWebdavFile:
		return true
	}
	return false
}

// Kind classifies a payload.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindArchive  Kind = "archive"
	KindTextLink Kind = "text-link"
)

// SourceRef is an opaque handle to the originating inbound message.
// Restored tasks lose it; every user-visible reply is best-effort and
// gated on its presence.
type SourceRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// ArchiveContext ties a task to the archive it came from.
type ArchiveContext struct {
	ArchiveName    string `json:"archive_name"`
	ExtractionRoot string `json:"extraction_root"`
	ManifestID     string `json:"manifest_id"`
}

// Task is one unit of pipeline work. Which payload fields are
// meaningful depends on Type.
type Task struct {
	ID   uint64 `json:"id"`
	Type Type   `json:"type"`
	Kind Kind   `json:"kind,omitempty"`

	SourceRef *SourceRef      `json:"source_ref,omitempty"`
	Archive   *ArchiveContext `json:"archive_ctx,omitempty"`

	RetryCount     int       `json:"retry_count,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	LastErrorClass string    `json:"last_error_class,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at,omitempty"`

	// CleanupRefs are deleted only after the task's successful
	// terminal step.
	CleanupRefs []string `json:"cleanup_refs,omitempty"`

	// Held marks an individual upload task that is buffered in an open
	// album builder and must not be dispatched on its own. Restore
	// clears the flag; regrouping then collapses held runs into album
	// tasks.
	Held bool `json:"held,omitempty"`

	// Download / WebdavFile payload.
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// Local file payload (Extract, Normalize, DirectUpload, single
	// uploads).
	Path string `json:"path,omitempty"`

	// AlbumDispatch payload.
	Files      []string `json:"files,omitempty"`
	Caption    string   `json:"caption,omitempty"`
	BatchIndex int      `json:"batch_index,omitempty"`
	BatchTotal int      `json:"batch_total,omitempty"`

	// WebdavCrawl payload.
	RemotePath string `json:"remote_path,omitempty"`

	// DeferredConvert payload: ledger key of the entry to drain.
	LedgerKey string `json:"ledger_key,omitempty"`
}

// Ready reports whether the task may be dequeued at the given time.
func (t *Task) Ready(now time.Time) bool {
	return t.NextAttemptAt.IsZero() || !t.NextAttemptAt.After(now)
}

// DisplayName returns a short human label for status lines.
func (t *Task) DisplayName() string {
	switch {
	case t.Filename != "":
		return t.Filename
	case t.Path != "":
		return t.Path
	case t.Caption != "":
		return t.Caption
	case t.URL != "":
		return t.URL
	case t.RemotePath != "":
		return t.RemotePath
	default:
		return string(t.Type)
	}
}

var idCounter atomic.Uint64

// NextID allocates a monotone per-process task id.
func NextID() uint64 { return idCounter.Add(1) }

// SeedIDs advances the id counter past the highest restored id so
// restored and fresh tasks never collide.
func SeedIDs(maxSeen uint64) {
	for {
		cur := idCounter.Load()
		if cur >= maxSeen {
			return
		}
		if idCounter.CompareAndSwap(cur, maxSeen) {
			return
		}
	}
}
