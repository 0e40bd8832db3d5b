package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/relaybot/mediarelay/internal/album"
	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/fetch"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
	"github.com/relaybot/mediarelay/internal/webdav"
)

// ExecuteDownload is the download stage executor. Crawl tasks expand a
// WebDAV collection into file tasks; download tasks pull the payload
// into the tmp dir and route it by kind.
func (p *Pipeline) ExecuteDownload(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	switch t.Type {
	case task.TypeWebdavCrawl:
		return p.crawlShare(ctx, t)
	case task.TypeDownload, task.TypeWebdavFile:
		return p.downloadFile(ctx, t)
	default:
		return nil, fmt.Errorf("download stage cannot execute %q tasks", t.Type)
	}
}

// crawlShare lists a WebDAV collection recursively and emits one file
// task per media or archive member not already seen. Media from the
// same share groups into albums under the share's name, so every file
// task carries the share as its archive context.
func (p *Pipeline) crawlShare(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	shareName := shareNameOf(t.URL)
	shareID := manifestIDFor(t.URL)
	root := filepath.Join(p.cfg.TmpDir(), "webdav", shareID)

	var followups []queue.Followup
	err := p.dav.Walk(ctx, t.URL, func(item webdav.Item) error {
		if !task.IsArchivePath(item.Name) && !task.IsMediaPath(item.Name) {
			return nil
		}
		if p.cache.SeenNameSize(item.Name, item.Size) {
			p.log.Debug().Str("name", item.Name).Msg("webdav member already seen, skipping")
			return nil
		}
		followups = append(followups, queue.Followup{
			Stage: queue.StageDownload,
			Task: &task.Task{
				Type:      task.TypeWebdavFile,
				Kind:      task.KindForPath(item.Name),
				SourceRef: t.SourceRef,
				Archive:   &task.ArchiveContext{ArchiveName: shareName, ExtractionRoot: root, ManifestID: shareID},
				URL:       item.Href,
				Filename:  item.Name,
				Size:      item.Size,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The last downloaded member flushes the share's open builders.
	p.setShareExpected(shareID, len(followups))
	p.log.Info().Str("share", t.URL).Int("files", len(followups)).Msg("webdav crawl complete")
	return followups, nil
}

func shareNameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "webdav"
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil && unescaped != "" {
		name = unescaped
	}
	if name == "" || name == "." || name == "/" {
		return u.Host
	}
	return name
}

func (p *Pipeline) downloadFile(ctx context.Context, t *task.Task) ([]queue.Followup, error) {
	name := t.Filename
	if name == "" {
		name = fetch.FilenameFromURL(t.URL)
	}
	destDir := p.cfg.TmpDir()
	if t.Archive != nil && t.Archive.ExtractionRoot != "" {
		destDir = t.Archive.ExtractionRoot
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	dest := filepath.Join(destDir, name)

	opts := fetch.Options{
		ExpectedSize:   t.Size,
		MinPercentStep: p.cfg.Progress.MinPercentStep,
		MinInterval:    p.cfg.Progress.MinInterval,
		Progress: func(written, total int64) {
			p.publishProgress(t.ID, name, string(queue.StageDownload), int(written*100/total))
		},
	}
	if t.Type == task.TypeWebdavFile && p.cfg.Webdav.Username != "" {
		cred := base64.StdEncoding.EncodeToString(
			[]byte(p.cfg.Webdav.Username + ":" + p.cfg.Webdav.Password))
		opts.Headers = map[string]string{"Authorization": "Basic " + cred}
	}
	if err := p.fetcher.Download(ctx, t.URL, dest, opts); err != nil {
		return nil, err
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("statting download: %w", err)
	}
	fp, err := cache.Fingerprint(dest)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting download: %w", err)
	}
	// The cache holds delivered content only; insertion happens after a
	// successful upload, never here.
	if p.cache.Has(fp) {
		p.log.Info().Str("name", name).Msg("payload already relayed, discarding duplicate")
		os.Remove(dest)
		p.finishShareFile(t)
		return nil, nil
	}

	kind := task.KindForPath(name)
	switch {
	case kind == task.KindArchive:
		p.finishShareFile(t)
		return []queue.Followup{{
			Stage: queue.StageProcess,
			Task: &task.Task{
				Type:      task.TypeExtract,
				Kind:      task.KindArchive,
				SourceRef: t.SourceRef,
				Path:      dest,
				Filename:  name,
				Size:      fi.Size(),
			},
		}}, nil
	case t.Archive != nil:
		// Media from a share joins its share's albums, same as an
		// extracted archive member.
		return nil, p.admitShareFile(t, dest, kind)
	default:
		// Single media or document goes straight to the recipient.
		return []queue.Followup{{
			Stage: queue.StageUpload,
			Task: &task.Task{
				Type:        task.TypeDirectUpload,
				Kind:        kind,
				SourceRef:   t.SourceRef,
				Path:        dest,
				Filename:    name,
				Size:        fi.Size(),
				CleanupRefs: []string{dest},
			},
		}}, nil
	}
}

// admitShareFile buffers one downloaded share member behind a held
// upload record and flushes the share's builders when the last member
// lands.
func (p *Pipeline) admitShareFile(t *task.Task, dest string, kind task.Kind) error {
	held := &task.Task{
		Type:        task.TypeDirectUpload,
		Kind:        kind,
		SourceRef:   t.SourceRef,
		Archive:     t.Archive,
		Path:        dest,
		Filename:    filepath.Base(dest),
		Held:        true,
		CleanupRefs: []string{dest},
	}
	id, err := p.engine.Enqueue(queue.StageUpload, held)
	if err != nil {
		return err
	}
	n := p.shareKindCount(t.Archive.ManifestID, kind)
	p.batcher.SetExpectedTotal(t.Archive.ArchiveName, t.Archive.ExtractionRoot, kind, n)
	if err := p.batcher.Add(t.Archive.ArchiveName, t.Archive.ExtractionRoot, t.Archive.ManifestID, kind, album.Item{
		Path:        dest,
		HeldID:      id,
		CleanupRefs: held.CleanupRefs,
	}); err != nil {
		return err
	}
	p.finishShareFile(t)
	return nil
}

// finishShareFile counts one completed share member and flushes the
// share's open album builders when it was the last.
func (p *Pipeline) finishShareFile(t *task.Task) {
	if t.Archive == nil || t.Type != task.TypeWebdavFile {
		return
	}
	if !p.shareFileDone(t.Archive.ManifestID) {
		return
	}
	if err := p.batcher.Flush(t.Archive.ArchiveName, t.Archive.ExtractionRoot); err != nil {
		p.log.Warn().Err(err).Str("share", t.Archive.ArchiveName).Msg("flushing share albums failed")
	}
}
