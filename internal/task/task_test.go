package task

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"photo.JPG", KindImage},
		{"clip.mp4", KindVideo},
		{"stream.ts", KindVideo},
		{"bundle.zip", KindArchive},
		{"notes.txt", KindDocument},
		{"noext", KindDocument},
		// No expander handles 7z; it relays as a document.
		{"old.7z", KindDocument},
	}
	for _, tt := range tests {
		if got := KindForPath(tt.path); got != tt.want {
			t.Errorf("KindForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestIsArchivePath(t *testing.T) {
	for _, p := range []string{"a.zip", "a.rar", "a.tar.gz", "a.tgz", "a.tar.zst", "A.ZIP"} {
		if !IsArchivePath(p) {
			t.Errorf("IsArchivePath(%q) = false, want true", p)
		}
	}
	for _, p := range []string{"a.mp4", "a.jpg", "a.txt", "a.7z"} {
		if IsArchivePath(p) {
			t.Errorf("IsArchivePath(%q) = true, want false", p)
		}
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	orig := Task{
		ID:   42,
		Type: TypeAlbumDispatch,
		Kind: KindImage,
		Archive: &ArchiveContext{
			ArchiveName:    "A.zip",
			ExtractionRoot: "/data/tmp/extract/abc",
			ManifestID:     "abc",
		},
		Files:       []string{"/data/tmp/extract/abc/1.jpg", "/data/tmp/extract/abc/2.jpg"},
		Caption:     "A.zip – Images (Batch 1/2: 2 files)",
		BatchIndex:  1,
		BatchTotal:  2,
		CleanupRefs: []string{"/data/tmp/extract/abc/1.jpg"},
		RetryCount:  2,
	}
	data, err := json.Marshal(&orig)
	if err != nil {
		t.Fatal(err)
	}
	var got Task
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != orig.ID || got.Type != orig.Type || got.Kind != orig.Kind {
		t.Errorf("round trip header mismatch: %+v", got)
	}
	if got.Archive == nil || got.Archive.ArchiveName != "A.zip" {
		t.Errorf("round trip archive ctx mismatch: %+v", got.Archive)
	}
	if len(got.Files) != 2 || got.Files[0] != orig.Files[0] {
		t.Errorf("round trip files mismatch: %v", got.Files)
	}
}

func TestReady(t *testing.T) {
	now := time.Now()
	tk := Task{}
	if !tk.Ready(now) {
		t.Error("zero next_attempt_at should be ready")
	}
	tk.NextAttemptAt = now.Add(time.Hour)
	if tk.Ready(now) {
		t.Error("future next_attempt_at should not be ready")
	}
	tk.NextAttemptAt = now.Add(-time.Second)
	if !tk.Ready(now) {
		t.Error("past next_attempt_at should be ready")
	}
}

func TestTypeKnown(t *testing.T) {
	if !TypeDownload.Known() || !TypeWebdavFile.Known() {
		t.Error("known discriminants reported unknown")
	}
	if Type("shiny_new_thing").Known() {
		t.Error("unknown discriminant reported known")
	}
}

func TestSeedIDs(t *testing.T) {
	SeedIDs(1000)
	if id := NextID(); id <= 1000 {
		t.Errorf("NextID after SeedIDs(1000) = %d, want > 1000", id)
	}
	// Seeding backwards must not regress the counter.
	cur := NextID()
	SeedIDs(5)
	if id := NextID(); id <= cur {
		t.Errorf("NextID regressed after backwards seed: %d <= %d", id, cur)
	}
}
