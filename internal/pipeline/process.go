package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaybot/mediarelay/internal/album"
	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/extract"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/media"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
)

// secretRecheck is how long a password-protected archive waits before
// checking for an operator-supplied secret again. The wait does not
// consume retry budget.
const secretRecheck = 45 * time.Second

// ExecuteProcess is the process stage executor: it expands one archive,
// normalizing videos and batching media into albums as entries stream
// out. Albums are enqueued durably before this task completes, so a
// crash mid-archive loses at most the entry being extracted.
func (p *Pipeline) ExecuteProcess(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	if t.Type != task.TypeExtract {
		return nil, fmt.Errorf("process stage cannot execute %q tasks", t.Type)
	}
	archiveName := t.Filename
	if archiveName == "" {
		archiveName = filepath.Base(t.Path)
	}
	manifestID := manifestIDFor(t.Path)
	root := filepath.Join(p.cfg.TmpDir(), "extract", manifestID)
	actx := &task.ArchiveContext{
		ArchiveName:    archiveName,
		ExtractionRoot: root,
		ManifestID:     manifestID,
	}

	if err := os.MkdirAll(p.cfg.ManifestDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest dir: %w", err)
	}
	manifestPath := filepath.Join(p.cfg.ManifestDir(), manifestID+".json")
	manifest, err := extract.LoadManifest(manifestPath, archiveName)
	if err != nil {
		p.log.Warn().Err(err).Str("archive", archiveName).Msg("manifest unreadable, starting fresh")
		manifest = extract.NewManifest(manifestPath, archiveName)
	}

	p.reg.BindArchive(t.Path, root)
	secret := p.secretFor(archiveName)

	counts := map[task.Kind]int{}
	stats, err := p.expander.Expand(ctx, t.Path, root, manifest, secret, func(ctx context.Context, e extract.Entry) error {
		return p.admitEntry(ctx, actx, e, counts)
	})
	if err != nil {
		if errors.Is(err, extract.ErrSecretRequired) {
			if p.bus != nil {
				p.bus.Publish(events.SecretEvent{
					BaseEvent:   events.BaseEvent{EventType: events.EventAwaitingSecret, Time: time.Now()},
					ArchiveName: archiveName,
				})
			}
			return nil, &faults.Error{
				Class: faults.RateLimit,
				Wait:  secretRecheck,
				Err:   fmt.Errorf("archive %s requires a secret", archiveName),
			}
		}
		return nil, err
	}

	if err := p.batcher.Flush(archiveName, root); err != nil {
		return nil, err
	}
	if err := manifest.Remove(); err != nil {
		p.log.Warn().Err(err).Str("archive", archiveName).Msg("removing manifest failed")
	}
	p.log.Info().Str("archive", archiveName).
		Int("yielded", stats.Yielded).Int("skipped", stats.Skipped).Int("resumed", stats.Resumed).
		Msg("archive expanded")

	// An archive with no deliverable media leaves nothing to reference
	// the root, so the registry will never clean it up. Do it here.
	if p.reg.Refcount(root) == 0 {
		os.RemoveAll(root)
		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("archive", archiveName).Msg("removing consumed archive failed")
		}
	}
	return nil, nil
}

// admitEntry routes one extracted member: images are buffered for
// albums directly, videos pass through the normalizer decision first.
// Each buffered item is backed by a held individual upload record so a
// crash never loses a buffered file.
func (p *Pipeline) admitEntry(ctx context.Context, actx *task.ArchiveContext, e extract.Entry, counts map[task.Kind]int) error {
	path := e.Path
	if e.Kind == task.KindVideo {
		var info *media.ProbeInfo
		if pi, err := p.norm.Probe(ctx, path); err == nil {
			info = pi
		}
		switch p.norm.Decide(path, info) {
		case media.Passthrough:
		case media.Inline:
			out := strings.TrimSuffix(path, filepath.Ext(path)) + ".mp4"
			var dur float64
			if info != nil {
				dur = info.Duration
			}
			if err := p.norm.Normalize(ctx, path, out, dur, nil); err != nil {
				return err
			}
			os.Remove(path)
			path = out
		case media.Defer:
			if err := p.ledger.Add(convert.Entry{
				InputPath:      path,
				ArchiveName:    actx.ArchiveName,
				ExtractionRoot: actx.ExtractionRoot,
				Kind:           e.Kind,
			}); err != nil {
				return err
			}
			p.reg.Ref(actx.ExtractionRoot, 1)
			p.log.Info().Str("file", filepath.Base(path)).Msg("video deferred for later conversion")
			return nil
		}
	}

	held := &task.Task{
		Type:        task.TypeDirectUpload,
		Kind:        e.Kind,
		Archive:     actx,
		Path:        path,
		Filename:    filepath.Base(path),
		Held:        true,
		CleanupRefs: []string{path},
	}
	id, err := p.engine.Enqueue(queue.StageUpload, held)
	if err != nil {
		return err
	}
	counts[e.Kind]++
	p.batcher.SetExpectedTotal(actx.ArchiveName, actx.ExtractionRoot, e.Kind, counts[e.Kind])
	return p.batcher.Add(actx.ArchiveName, actx.ExtractionRoot, actx.ManifestID, e.Kind, album.Item{
		Path:        path,
		HeldID:      id,
		CleanupRefs: held.CleanupRefs,
	})
}

// emitBatch swaps the held individual upload records of a full batch
// for one album dispatch, atomically and in place.
func (p *Pipeline) emitBatch(b album.Batch) error {
	ids := make([]uint64, 0, len(b.Items))
	files := make([]string, 0, len(b.Items))
	var cleanup []string
	for _, it := range b.Items {
		ids = append(ids, it.HeldID)
		files = append(files, it.Path)
		cleanup = append(cleanup, it.CleanupRefs...)
	}
	dispatch := &task.Task{
		Type: task.TypeAlbumDispatch,
		Kind: b.Kind,
		Archive: &task.ArchiveContext{
			ArchiveName:    b.ArchiveName,
			ExtractionRoot: b.ExtractionRoot,
			ManifestID:     b.ManifestID,
		},
		Files:       files,
		Caption:     album.Caption(b.ArchiveName, b.Kind, b.Index, b.Total, len(files)),
		BatchIndex:  b.Index,
		BatchTotal:  b.Total,
		CleanupRefs: cleanup,
	}
	if err := p.engine.Replace(queue.StageUpload, ids, []*task.Task{dispatch}); err != nil {
		return err
	}
	p.reg.Ref(b.ExtractionRoot, 1)
	return nil
}

// manifestIDFor derives a stable manifest id from the archive path, so
// a re-run of the same staged archive resumes its manifest.
func manifestIDFor(archivePath string) string {
	sum := sha256.Sum256([]byte(archivePath))
	return fmt.Sprintf("%x", sum[:8])
}
