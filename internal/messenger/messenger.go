// Package messenger is the outbound messaging adapter. The kernel
// talks to the interface only; the Bot API implementation lives in
// botapi.go. Every failure surfaces as a classified error: rate-limit
// waits carry the exact server-reported seconds, media rejections name
// the offending file when the server does.
package messenger

import (
	"context"
	"fmt"

	"github.com/relaybot/mediarelay/internal/task"
)

// Attributes describe a media file for upload: videos carry duration,
// dimensions, and thumbnail; images carry size; documents carry
// filename.
type Attributes struct {
	Duration      int // seconds
	Width         int
	Height        int
	ThumbnailPath string
	FileName      string
	FileSize      int64
}

// Messenger sends media to the single authorized recipient.
type Messenger interface {
	// ResolveTarget maps an operator handle to a chat reference. Fails
	// with AUTH when the credential is rejected.
	ResolveTarget(ctx context.Context, handle string) (string, error)

	// SendAlbum sends one multi-media message of a single kind.
	SendAlbum(ctx context.Context, target string, kind task.Kind, files []string, caption string) error

	// SendMedia sends a single photo, video, or document.
	SendMedia(ctx context.Context, target string, kind task.Kind, file string, attrs Attributes, caption string) error

	// SendStatus sends a plain text status line, best-effort.
	SendStatus(ctx context.Context, target, text string) error
}

// MediaInvalidError names the album member the server rejected. File
// is empty when the server did not identify one.
type MediaInvalidError struct {
	File string
	Desc string
}

func (e *MediaInvalidError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("media rejected: %s (%s)", e.File, e.Desc)
	}
	return fmt.Sprintf("media rejected: %s", e.Desc)
}
