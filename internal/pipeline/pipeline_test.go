package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/config"
	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/extract"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/fetch"
	"github.com/relaybot/mediarelay/internal/media"
	"github.com/relaybot/mediarelay/internal/messenger"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/registry"
	"github.com/relaybot/mediarelay/internal/task"
)

type sentAlbum struct {
	kind    task.Kind
	files   []string
	caption string
}

// fakeMessenger records sends and returns scripted errors.
type fakeMessenger struct {
	albums    []sentAlbum
	singles   []string
	albumErrs []error
}

func (f *fakeMessenger) ResolveTarget(context.Context, string) (string, error) { return "42", nil }

func (f *fakeMessenger) SendAlbum(_ context.Context, _ string, kind task.Kind, files []string, caption string) error {
	if len(f.albumErrs) > 0 {
		err := f.albumErrs[0]
		f.albumErrs = f.albumErrs[1:]
		if err != nil {
			return err
		}
	}
	f.albums = append(f.albums, sentAlbum{kind, append([]string(nil), files...), caption})
	return nil
}

func (f *fakeMessenger) SendMedia(_ context.Context, _ string, _ task.Kind, file string, _ messenger.Attributes, _ string) error {
	f.singles = append(f.singles, file)
	return nil
}

func (f *fakeMessenger) SendStatus(context.Context, string, string) error { return nil }

func newTestPipeline(t *testing.T, albumCap int, msgr messenger.Messenger) (*Pipeline, *queue.Engine) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = t.TempDir()
	cfg.AlbumSizeCap = albumCap

	log := zerolog.Nop()
	eng, err := queue.Open(cfg.QueueDir(), queue.RetryPolicy{MaxAttempts: 3, BaseSeconds: 1}, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	p := New(Deps{
		Config:    cfg,
		Engine:    eng,
		Fetcher:   fetch.NewClient(1<<20, 5*time.Second, log),
		Expander:  extract.NewExpander(0, nil, log),
		Norm:      media.NewNormalizer("ffmpeg", "ffprobe", false, time.Minute, log),
		Ledger:    convert.Load(cfg.LedgerPath(), 3, time.Second, log),
		Messenger: msgr,
		Registry:  registry.New(log),
		Cache:     cache.Load(cfg.CachePath(), log),
		Bus:       nil,
		Logger:    log,
	})
	p.SetTarget("42")
	return p, eng
}

func writeZip(t *testing.T, dir string, names ...string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(w, "payload-%d-%s", i, name)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "set.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDownloadRoutesArchiveToProcess(t *testing.T) {
	payload := []byte("not a real archive, routing only cares about the name")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, 10, &fakeMessenger{})
	fus, err := p.ExecuteDownload(context.Background(), &task.Task{
		Type: task.TypeDownload, Kind: task.KindArchive,
		URL: srv.URL + "/pack.zip", Filename: "pack.zip",
	})
	if err != nil {
		t.Fatalf("ExecuteDownload: %v", err)
	}
	if len(fus) != 1 || fus[0].Stage != queue.StageProcess || fus[0].Task.Type != task.TypeExtract {
		t.Fatalf("followups = %+v", fus)
	}
	data, err := os.ReadFile(fus[0].Task.Path)
	if err != nil {
		t.Fatalf("downloaded file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("payload mismatch")
	}
}

func TestDuplicateDiscardedOnlyAfterDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("identical bytes"))
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, 10, &fakeMessenger{})
	dl := func(name string) []queue.Followup {
		fus, err := p.ExecuteDownload(context.Background(), &task.Task{
			Type: task.TypeDownload, URL: srv.URL + "/" + name, Filename: name,
		})
		if err != nil {
			t.Fatalf("ExecuteDownload(%s): %v", name, err)
		}
		return fus
	}

	first := dl("a.jpg")
	if len(first) != 1 {
		t.Fatalf("first download followups = %d, want 1", len(first))
	}
	// The same bytes again before anything was delivered: still admitted.
	// A download alone must never poison the content cache, or a crash
	// upstream would silently swallow a re-submission.
	if fus := dl("b.jpg"); len(fus) != 1 {
		t.Fatalf("undelivered duplicate discarded, followups = %d, want 1", len(fus))
	}

	if _, err := p.ExecuteUpload(context.Background(), first[0].Task); err != nil {
		t.Fatalf("delivering first payload: %v", err)
	}

	// Now the content is delivered; the same bytes dedup.
	if fus := dl("c.jpg"); len(fus) != 0 {
		t.Fatalf("delivered duplicate produced followups: %+v", fus)
	}
	if _, err := os.Stat(filepath.Join(p.cfg.TmpDir(), "c.jpg")); !os.IsNotExist(err) {
		t.Error("duplicate payload left on disk")
	}
}

func TestWebdavShareMediaGroupIntoAlbums(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img-" + r.URL.Path))
	}))
	defer srv.Close()

	fm := &fakeMessenger{}
	p, eng := newTestPipeline(t, 2, fm)

	actx := &task.ArchiveContext{
		ArchiveName:    "holiday",
		ExtractionRoot: filepath.Join(p.cfg.TmpDir(), "webdav", "share1"),
		ManifestID:     "share1",
	}
	p.setShareExpected("share1", 3)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		fus, err := p.ExecuteDownload(context.Background(), &task.Task{
			Type: task.TypeWebdavFile, Kind: task.KindImage,
			Archive: actx, URL: srv.URL + "/" + name, Filename: name,
		})
		if err != nil {
			t.Fatalf("ExecuteDownload(%s): %v", name, err)
		}
		if len(fus) != 0 {
			t.Fatalf("share member produced followups: %+v", fus)
		}
	}

	tasks := eng.Tasks(queue.StageUpload)
	if len(tasks) != 2 {
		t.Fatalf("upload tasks = %d, want 2 albums for 3 images at cap 2", len(tasks))
	}
	if tasks[0].Type != task.TypeAlbumDispatch || len(tasks[0].Files) != 2 {
		t.Errorf("first album = %+v", tasks[0])
	}
	// The last landed member flushes the under-cap remainder.
	if tasks[1].Type != task.TypeAlbumDispatch || len(tasks[1].Files) != 1 {
		t.Errorf("second album = %+v", tasks[1])
	}
	if !strings.Contains(tasks[0].Caption, "holiday") {
		t.Errorf("caption = %q, want the share name", tasks[0].Caption)
	}
	if got := p.reg.Refcount(actx.ExtractionRoot); got != 2 {
		t.Errorf("share root refcount = %d, want 2", got)
	}
}

func TestShareNameOf(t *testing.T) {
	cases := map[string]string{
		"https://dav.example/shares/Holiday%202024/": "Holiday 2024",
		"https://dav.example/photos":                 "photos",
		"https://dav.example/":                       "dav.example",
	}
	for in, want := range cases {
		if got := shareNameOf(in); got != want {
			t.Errorf("shareNameOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProcessZipEmitsAlbums(t *testing.T) {
	fm := &fakeMessenger{}
	p, eng := newTestPipeline(t, 2, fm)
	zipPath := writeZip(t, t.TempDir(), "a.jpg", "b.jpg", "c.jpg", "readme.txt")

	fus, err := p.ExecuteProcess(context.Background(), &task.Task{
		Type: task.TypeExtract, Kind: task.KindArchive, Path: zipPath, Filename: "set.zip",
	})
	if err != nil {
		t.Fatalf("ExecuteProcess: %v", err)
	}
	if len(fus) != 0 {
		t.Errorf("followups = %+v, want none (albums enqueue via replace)", fus)
	}

	tasks := eng.Tasks(queue.StageUpload)
	if len(tasks) != 2 {
		t.Fatalf("upload tasks = %d, want 2 albums for 3 images at cap 2", len(tasks))
	}
	first, second := tasks[0], tasks[1]
	if first.Type != task.TypeAlbumDispatch || len(first.Files) != 2 {
		t.Errorf("first album = %+v", first)
	}
	if second.Type != task.TypeAlbumDispatch || len(second.Files) != 1 {
		t.Errorf("second album = %+v", second)
	}
	if first.Held || second.Held {
		t.Error("emitted albums must not stay held")
	}
	if !strings.Contains(first.Caption, "set.zip") || !strings.Contains(first.Caption, "Batch 1/") {
		t.Errorf("caption = %q", first.Caption)
	}
	for _, f := range append(first.Files, second.Files...) {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("extracted file missing: %v", err)
		}
	}
	if p.reg.Refcount(first.Archive.ExtractionRoot) != 2 {
		t.Errorf("root refcount = %d, want 2", p.reg.Refcount(first.Archive.ExtractionRoot))
	}
}

func TestProcessResumesAfterCrash(t *testing.T) {
	fm := &fakeMessenger{}
	p, eng := newTestPipeline(t, 10, fm)
	zipPath := writeZip(t, t.TempDir(), "a.jpg", "b.jpg", "c.jpg")

	et := &task.Task{Type: task.TypeExtract, Kind: task.KindArchive, Path: zipPath, Filename: "set.zip"}
	if _, err := p.ExecuteProcess(context.Background(), et); err != nil {
		t.Fatalf("ExecuteProcess: %v", err)
	}
	if got := len(eng.Tasks(queue.StageUpload)); got != 1 {
		t.Fatalf("upload tasks = %d, want 1 album", got)
	}
	// A second run of the same archive finds the manifest gone (it was
	// removed on success) and re-extracts, but the files dedup upstream;
	// here we just assert the second run does not error.
	if _, err := p.ExecuteProcess(context.Background(), et); err != nil {
		t.Fatalf("re-running extraction: %v", err)
	}
}

func TestUploadAlbumDeliversAndCleans(t *testing.T) {
	fm := &fakeMessenger{}
	p, _ := newTestPipeline(t, 10, fm)

	dir := t.TempDir()
	files := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.jpg")}
	for _, f := range files {
		os.WriteFile(f, []byte("img"), 0o644)
	}
	fps := make([]string, len(files))
	for i, f := range files {
		fp, err := cache.Fingerprint(f)
		if err != nil {
			t.Fatal(err)
		}
		fps[i] = fp
	}

	fus, err := p.ExecuteUpload(context.Background(), &task.Task{
		Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files: files, Caption: "set.zip – Images (Batch 1/1: 2 files)",
		CleanupRefs: files,
	})
	if err != nil || len(fus) != 0 {
		t.Fatalf("ExecuteUpload: fus=%v err=%v", fus, err)
	}
	if len(fm.albums) != 1 || len(fm.albums[0].files) != 2 {
		t.Fatalf("albums sent = %+v", fm.albums)
	}
	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s not cleaned up", f)
		}
	}
	// Delivery is what inserts the members into the content cache.
	for i, fp := range fps {
		if !p.cache.Has(fp) {
			t.Errorf("delivered member %s missing from content cache", filepath.Base(files[i]))
		}
	}
}

func TestUploadAlbumSplitsOnRejectedMember(t *testing.T) {
	dir := t.TempDir()
	files := []string{filepath.Join(dir, "ok.mp4"), filepath.Join(dir, "bad.mp4")}
	for _, f := range files {
		os.WriteFile(f, []byte("vid"), 0o644)
	}
	// A cleanup ref beyond the member files themselves must survive the
	// split with the remainder.
	sidecar := filepath.Join(dir, "listing.json")
	os.WriteFile(sidecar, []byte("{}"), 0o644)

	fm := &fakeMessenger{albumErrs: []error{&messenger.MediaInvalidError{File: files[1], Desc: "wrong file"}}}
	p, _ := newTestPipeline(t, 10, fm)

	fus, err := p.ExecuteUpload(context.Background(), &task.Task{
		Type: task.TypeAlbumDispatch, Kind: task.KindVideo,
		Archive: &task.ArchiveContext{ArchiveName: "set.zip", ExtractionRoot: dir},
		Files:   files, Caption: "c", CleanupRefs: append(append([]string(nil), files...), sidecar),
	})
	if err != nil {
		t.Fatalf("ExecuteUpload: %v", err)
	}
	if len(fus) != 1 || fus[0].Task.Type != task.TypeAlbumDispatch {
		t.Fatalf("followups = %+v, want one album with the remainder", fus)
	}
	if got := fus[0].Task.Files; len(got) != 1 || got[0] != files[0] {
		t.Errorf("remainder files = %v", got)
	}
	refs := fus[0].Task.CleanupRefs
	if len(refs) != 2 || refs[0] != files[0] || refs[1] != sidecar {
		t.Errorf("remainder cleanup refs = %v, want [%s %s]", refs, files[0], sidecar)
	}
	// The rejected video lands in the conversion ledger for a second
	// chance instead of being retried as-is.
	if _, ok := p.ledger.Get(files[1]); !ok {
		t.Error("rejected member not deferred to the conversion ledger")
	}
}

func TestUploadAlbumPublishesBatchEvent(t *testing.T) {
	fm := &fakeMessenger{}
	p, _ := newTestPipeline(t, 10, fm)
	bus := events.NewBus(8)
	defer bus.Close()
	p.bus = bus
	ch := bus.Subscribe(events.EventBatchSent)

	dir := t.TempDir()
	f := filepath.Join(dir, "a.jpg")
	os.WriteFile(f, []byte("img"), 0o644)
	_, err := p.ExecuteUpload(context.Background(), &task.Task{
		Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Archive: &task.ArchiveContext{ArchiveName: "set.zip", ExtractionRoot: dir},
		Files:   []string{f}, Caption: "c", CleanupRefs: []string{f},
		BatchIndex: 1, BatchTotal: 2,
	})
	if err != nil {
		t.Fatalf("ExecuteUpload: %v", err)
	}
	select {
	case ev := <-ch:
		be, ok := ev.(events.BatchEvent)
		if !ok {
			t.Fatalf("event = %T, want BatchEvent", ev)
		}
		if be.ArchiveName != "set.zip" || be.Index != 1 || be.Total != 2 || be.Files != 1 {
			t.Errorf("batch event = %+v", be)
		}
	default:
		t.Fatal("no batch event published")
	}
}

func TestUploadAlbumSkipsMissingMembers(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "here.jpg")
	os.WriteFile(present, []byte("img"), 0o644)
	fm := &fakeMessenger{}
	p, _ := newTestPipeline(t, 10, fm)

	_, err := p.ExecuteUpload(context.Background(), &task.Task{
		Type: task.TypeAlbumDispatch, Kind: task.KindImage,
		Files: []string{present, filepath.Join(dir, "gone.jpg")}, Caption: "c",
	})
	if err != nil {
		t.Fatalf("ExecuteUpload: %v", err)
	}
	if len(fm.albums) != 1 || len(fm.albums[0].files) != 1 {
		t.Fatalf("albums = %+v, want just the present file", fm.albums)
	}
}

// movingQuarantiner preserves the payload like the real quarantine:
// the file moves out before the extraction root is torn down.
type movingQuarantiner struct {
	dir     string
	tasks   []*task.Task
	classes []faults.Class
}

func (q *movingQuarantiner) Quarantine(tk *task.Task, class faults.Class) error {
	dst := filepath.Join(q.dir, filepath.Base(tk.Path))
	if err := os.Rename(tk.Path, dst); err != nil {
		return err
	}
	q.tasks = append(q.tasks, tk)
	q.classes = append(q.classes, class)
	return nil
}

func TestDeferredTerminalFailureQuarantinesSource(t *testing.T) {
	fm := &fakeMessenger{}
	p, _ := newTestPipeline(t, 10, fm)
	quar := &movingQuarantiner{dir: t.TempDir()}
	p.quar = quar
	// An encoder binary that cannot exist makes every attempt fail.
	p.norm = media.NewNormalizer(
		filepath.Join(t.TempDir(), "no-ffmpeg"), filepath.Join(t.TempDir(), "no-ffprobe"),
		true, time.Second, zerolog.Nop())

	base := t.TempDir()
	root := filepath.Join(base, "extract")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(root, "clip.avi")
	os.WriteFile(src, []byte("vid"), 0o644)
	if err := p.ledger.Add(convert.Entry{
		InputPath: src, ArchiveName: "set.zip", ExtractionRoot: root, Kind: task.KindVideo,
	}); err != nil {
		t.Fatal(err)
	}
	p.reg.Ref(root, 1)

	// The ledger allows three attempts before the entry turns terminal.
	for i := 0; i < 3; i++ {
		p.convertOne(context.Background(), src)
	}

	if len(quar.tasks) != 1 || quar.tasks[0].Path != src {
		t.Fatalf("quarantined = %+v, want the conversion source", quar.tasks)
	}
	preserved := filepath.Join(quar.dir, "clip.avi")
	if _, err := os.Stat(preserved); err != nil {
		t.Errorf("source not preserved in quarantine: %v", err)
	}
	if got := p.reg.Refcount(root); got != 0 {
		t.Errorf("root refcount = %d, want released", got)
	}
}

func TestUploadSingleRemovesLedgerEntry(t *testing.T) {
	fm := &fakeMessenger{}
	p, _ := newTestPipeline(t, 10, fm)

	dir := t.TempDir()
	src := filepath.Join(dir, "clip.avi")
	out := filepath.Join(dir, "clip.converted.mp4")
	os.WriteFile(src, []byte("src"), 0o644)
	os.WriteFile(out, []byte("out"), 0o644)
	if err := p.ledger.Add(convert.Entry{InputPath: src, Kind: task.KindVideo}); err != nil {
		t.Fatal(err)
	}

	_, err := p.ExecuteUpload(context.Background(), &task.Task{
		Type: task.TypeDeferredConvert, Kind: task.KindDocument,
		Path: out, LedgerKey: src, CleanupRefs: []string{out, src},
	})
	if err != nil {
		t.Fatalf("ExecuteUpload: %v", err)
	}
	if len(fm.singles) != 1 || fm.singles[0] != out {
		t.Fatalf("singles = %v", fm.singles)
	}
	if _, ok := p.ledger.Get(src); ok {
		t.Error("ledger entry survived delivery")
	}
	for _, f := range []string{out, src} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s not cleaned up", f)
		}
	}
}
