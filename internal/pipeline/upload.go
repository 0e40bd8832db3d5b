package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/media"
	"github.com/relaybot/mediarelay/internal/messenger"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
)

// ExecuteUpload is the upload stage executor. Album dispatches and
// single uploads share the delivery plumbing; oversized photos go
// through the compression ladder and retry within the same attempt,
// rejected album members are cut out and the remainder redelivered.
func (p *Pipeline) ExecuteUpload(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	switch t.Type {
	case task.TypeAlbumDispatch:
		return p.uploadAlbum(ctx, t)
	case task.TypeDirectUpload, task.TypeDeferredConvert:
		return p.uploadSingle(ctx, t)
	default:
		return nil, fmt.Errorf("upload stage cannot execute %q tasks", t.Type)
	}
}

func (p *Pipeline) uploadAlbum(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	files := existingFiles(t.Files)
	if missing := len(t.Files) - len(files); missing > 0 {
		p.log.Warn().Int("missing", missing).Str("caption", t.Caption).
			Msg("album members missing on disk, sending the rest")
	}
	if len(files) == 0 {
		p.finishUpload(t)
		return nil, nil
	}
	originals := files

	err := p.msgr.SendAlbum(ctx, p.target, t.Kind, files, t.Caption)
	if err != nil && faults.ClassOf(err) == faults.PhotoTooLarge && t.Kind == task.KindImage {
		var compressed []string
		files, compressed, err = p.compressAlbum(files)
		for _, c := range compressed {
			defer os.Remove(c)
		}
		if err == nil {
			err = p.msgr.SendAlbum(ctx, p.target, t.Kind, files, t.Caption)
		}
	}
	if err != nil {
		var mi *messenger.MediaInvalidError
		if errors.As(err, &mi) && mi.File != "" {
			return p.splitAlbum(t, files, mi)
		}
		return nil, err
	}

	p.RecordDelivered(originals...)
	p.finishUpload(t)
	if p.bus != nil {
		p.bus.Publish(events.BatchEvent{
			BaseEvent:   events.BaseEvent{EventType: events.EventBatchSent, Time: time.Now()},
			ArchiveName: archiveNameOf(t),
			Kind:        string(t.Kind),
			Index:       t.BatchIndex,
			Total:       t.BatchTotal,
			Files:       len(files),
		})
	}
	return nil, nil
}

// splitAlbum cuts the rejected member out of the batch. The remainder
// is redelivered as a followup album; the offender, when it is a video,
// gets a second chance through the conversion ledger, otherwise it is
// dropped.
func (p *Pipeline) splitAlbum(t *task.Task, files []string, mi *messenger.MediaInvalidError) ([]queue.Followup, error) {
	var rest []string
	for _, f := range files {
		if f == mi.File {
			continue
		}
		rest = append(rest, f)
	}
	// The followup inherits every cleanup ref except the offender, so
	// refs beyond the member files themselves are not lost in the split.
	restCleanup := make([]string, 0, len(t.CleanupRefs))
	for _, ref := range t.CleanupRefs {
		if ref != mi.File {
			restCleanup = append(restCleanup, ref)
		}
	}
	p.log.Warn().Str("file", filepath.Base(mi.File)).Str("reason", mi.Desc).
		Msg("recipient rejected album member, splitting batch")

	if t.Kind == task.KindVideo && t.Archive != nil {
		if err := p.ledger.Add(convert.Entry{
			InputPath:      mi.File,
			ArchiveName:    t.Archive.ArchiveName,
			ExtractionRoot: t.Archive.ExtractionRoot,
			Kind:           t.Kind,
		}); err != nil {
			return nil, err
		}
		p.reg.Ref(t.Archive.ExtractionRoot, 1)
	} else {
		os.Remove(mi.File)
	}

	if len(rest) == 0 {
		p.finishUpload(t)
		return nil, nil
	}
	followup := &task.Task{
		Type:        task.TypeAlbumDispatch,
		Kind:        t.Kind,
		Archive:     t.Archive,
		Files:       rest,
		Caption:     t.Caption,
		BatchIndex:  t.BatchIndex,
		BatchTotal:  t.BatchTotal,
		CleanupRefs: restCleanup,
	}
	// The followup inherits this task's root reference; finishUpload is
	// skipped here so the count carries over unchanged.
	return []queue.Followup{{Stage: queue.StageUpload, Task: followup}}, nil
}

func (p *Pipeline) uploadSingle(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	if _, err := os.Stat(t.Path); err != nil {
		p.log.Warn().Str("path", t.Path).Msg("upload source missing, dropping task")
		p.finishUpload(t)
		return nil, nil
	}
	attrs, thumb := p.attributesFor(ctx, t)
	if thumb != "" {
		defer os.Remove(thumb)
	}

	err := p.msgr.SendMedia(ctx, p.target, t.Kind, t.Path, attrs, t.Caption)
	if err != nil && faults.ClassOf(err) == faults.PhotoTooLarge && t.Kind == task.KindImage {
		var compressed string
		if compressed, err = media.CompressImage(t.Path, uploadPhotoMaxBytes); err == nil {
			defer os.Remove(compressed)
			err = p.msgr.SendMedia(ctx, p.target, t.Kind, compressed, attrs, t.Caption)
		}
	}
	if err != nil {
		return nil, err
	}
	p.RecordDelivered(t.Path, t.LedgerKey)
	p.finishUpload(t)
	return nil, nil
}

// attributesFor probes a video for duration and dimensions and renders
// its thumbnail. Probe failures degrade to bare attributes; delivery
// proceeds without them.
func (p *Pipeline) attributesFor(ctx context.Context, t *task.Task) (messenger.Attributes, string) {
	attrs := messenger.Attributes{FileName: filepath.Base(t.Path)}
	if fi, err := os.Stat(t.Path); err == nil {
		attrs.FileSize = fi.Size()
	}
	if t.Kind != task.KindVideo {
		return attrs, ""
	}
	info, err := p.norm.Probe(ctx, t.Path)
	if err != nil {
		p.log.Debug().Err(err).Str("path", t.Path).Msg("probe before upload failed")
		return attrs, ""
	}
	attrs.Duration = int(info.Duration)
	attrs.Width = info.Width
	attrs.Height = info.Height
	thumb := t.Path + ".thumb.jpg"
	if err := p.norm.Thumbnail(ctx, t.Path, thumb); err == nil {
		attrs.ThumbnailPath = thumb
		return attrs, thumb
	}
	return attrs, ""
}

// RecordDelivered inserts the fingerprints of delivered payload files
// into the content cache. Only content that actually reached the
// recipient dedups future submissions; callers invoke this on upload
// success, before the files are cleaned up, and the registry calls it
// for an archive once its last member is delivered.
func (p *Pipeline) RecordDelivered(paths ...string) {
	for _, f := range paths {
		if f == "" {
			continue
		}
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		fp, err := cache.Fingerprint(f)
		if err != nil {
			p.log.Warn().Err(err).Str("path", f).Msg("fingerprinting delivered payload failed")
			continue
		}
		if err := p.cache.Add(fp, filepath.Base(f), fi.Size()); err != nil {
			p.log.Warn().Err(err).Str("path", f).Msg("recording delivered payload failed")
		}
	}
}

// finishUpload commits the terminal bookkeeping of a delivered (or
// abandoned) upload: payload files are deleted, the extraction root
// reference is dropped, and any conversion ledger entry is cleared.
func (p *Pipeline) finishUpload(t *task.Task) {
	for _, ref := range t.CleanupRefs {
		if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("path", ref).Msg("removing delivered payload failed")
		}
	}
	if t.Archive != nil {
		p.reg.Unref(t.Archive.ExtractionRoot)
	}
	if t.LedgerKey != "" {
		if err := p.ledger.Remove(t.LedgerKey); err != nil {
			p.log.Warn().Err(err).Str("key", t.LedgerKey).Msg("clearing conversion ledger entry failed")
		}
	}
}

func archiveNameOf(t *task.Task) string {
	if t.Archive != nil {
		return t.Archive.ArchiveName
	}
	return ""
}

func existingFiles(files []string) []string {
	var out []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// compressAlbum runs oversized members through the compression ladder.
// Originals stay on disk so a later retry starts from scratch; the
// caller removes the compressed copies once the attempt is over.
func (p *Pipeline) compressAlbum(files []string) (out, compressed []string, err error) {
	out = make([]string, 0, len(files))
	for _, f := range files {
		fi, statErr := os.Stat(f)
		if statErr != nil || fi.Size() <= uploadPhotoMaxBytes {
			out = append(out, f)
			continue
		}
		c, err := media.CompressImage(f, uploadPhotoMaxBytes)
		if err != nil {
			return nil, compressed, err
		}
		compressed = append(compressed, c)
		out = append(out, c)
	}
	return out, compressed, nil
}
