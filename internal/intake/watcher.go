package intake

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
)

// settlePollInterval is how often a new drop-folder file is re-statted
// until its size stops changing. Copies into the folder arrive in
// pieces; acting on the first event would grab a half-written file.
const settlePollInterval = 500 * time.Millisecond

// WatchDropFolder admits files placed into dir as if they had arrived
// attached to a message: archives go to the process stage, media goes
// straight to upload, everything else is ignored. Blocks until ctx is
// canceled.
func (in *Intake) WatchDropFolder(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	in.log.Info().Str("dir", dir).Msg("watching drop folder")

	// Admit whatever is already there from a previous run.
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				in.admitDropFile(ctx, filepath.Join(dir, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if fi, err := os.Stat(ev.Name); err != nil || fi.IsDir() {
				continue
			}
			in.admitDropFile(ctx, ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn().Err(err).Msg("drop folder watcher error")
		}
	}
}

func (in *Intake) admitDropFile(ctx context.Context, path string) {
	size, err := waitSettled(ctx, path)
	if err != nil {
		return
	}
	name := filepath.Base(path)
	if in.cache.SeenNameSize(name, size) {
		in.log.Debug().Str("name", name).Msg("drop folder duplicate, removing")
		os.Remove(path)
		return
	}
	kind := task.KindForPath(name)
	switch {
	case task.IsArchivePath(name):
		if in.maxArchiveSize > 0 && size > in.maxArchiveSize {
			in.log.Warn().Str("name", name).Int64("size", size).Msg("dropped archive exceeds size limit, ignored")
			return
		}
		t := &task.Task{Type: task.TypeExtract, Kind: task.KindArchive, Path: path, Filename: name, Size: size}
		if _, err := in.engine.Enqueue(queue.StageProcess, t); err != nil {
			in.log.Error().Err(err).Str("name", name).Msg("enqueuing dropped archive failed")
		}
	case kind == task.KindImage || kind == task.KindVideo:
		t := &task.Task{
			Type: task.TypeDirectUpload, Kind: kind,
			Path: path, Filename: name, Size: size,
			CleanupRefs: []string{path},
		}
		if _, err := in.engine.Enqueue(queue.StageUpload, t); err != nil {
			in.log.Error().Err(err).Str("name", name).Msg("enqueuing dropped media failed")
		}
	default:
		in.log.Debug().Str("name", name).Msg("ignoring non-media drop file")
	}
}

// waitSettled polls until the file size is stable across two checks.
func waitSettled(ctx context.Context, path string) (int64, error) {
	var last int64 = -1
	for {
		fi, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		if fi.Size() == last {
			return last, nil
		}
		last = fi.Size()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(settlePollInterval):
		}
	}
}
