package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
)

func testClient(t *testing.T, inactivity time.Duration) *Client {
	t.Helper()
	return NewClient(64*1024, inactivity, zerolog.Nop())
}

func TestDownloadFresh(t *testing.T) {
	payload := []byte("hello media relay")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "file.bin")
	c := testClient(t, 5*time.Second)
	if err := c.Download(context.Background(), srv.URL, dest, Options{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("content mismatch: %q", got)
	}
	if _, err := os.Stat(dest + PartSuffix); !os.IsNotExist(err) {
		t.Error("part file left behind after success")
	}
}

func TestZeroBytePartDeleted(t *testing.T) {
	var sawRange bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange = true
		}
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(dest+PartSuffix, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	c := testClient(t, 5*time.Second)
	if err := c.Download(context.Background(), srv.URL, dest, Options{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if sawRange {
		t.Error("zero-byte part triggered a Range request, want fresh start")
	}
}

func TestResumeAppendsOn206(t *testing.T) {
	full := []byte("0123456789abcdef")
	const offset = 6
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != fmt.Sprintf("bytes=%d-", offset) {
			t.Errorf("Range header = %q", got)
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[offset:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(dest+PartSuffix, full[:offset], 0o644); err != nil {
		t.Fatal(err)
	}
	c := testClient(t, 5*time.Second)
	if err := c.Download(context.Background(), srv.URL, dest, Options{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(full) {
		t.Errorf("resumed content = %q, want %q", got, full)
	}
}

// Server ignores the Range header: the part must be discarded and the
// stream restarted from zero with no corruption.
func TestRangeIgnoredRestartsFromZero(t *testing.T) {
	full := []byte("the full payload, again from the top")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore any Range header deliberately.
		w.WriteHeader(http.StatusOK)
		w.Write(full)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(dest+PartSuffix, []byte("stale-part-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := testClient(t, 5*time.Second)
	if err := c.Download(context.Background(), srv.URL, dest, Options{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(full) {
		t.Errorf("content = %q, want clean restart %q", got, full)
	}
}

// 416 with a part equal to the declared total means the download is
// already complete.
func Test416WithCompletePartRenames(t *testing.T) {
	full := []byte("complete-part")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(full)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(dest+PartSuffix, full, 0o644); err != nil {
		t.Fatal(err)
	}
	c := testClient(t, 5*time.Second)
	if err := c.Download(context.Background(), srv.URL, dest, Options{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(full) {
		t.Errorf("content = %q, want %q", got, full)
	}
}

func TestStallRaisesStallAndKeepsPart(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("some initial bytes"))
		w.(http.Flusher).Flush()
		<-release // never sends the rest
	}))
	// Unblock the handler before Close, which waits for open requests.
	defer srv.Close()
	defer close(release)

	dest := filepath.Join(t.TempDir(), "f")
	c := testClient(t, 300*time.Millisecond)
	err := c.Download(context.Background(), srv.URL, dest, Options{})
	if err == nil {
		t.Fatal("stalled download returned nil")
	}
	if got := faults.ClassOf(err); got != faults.Stall {
		t.Errorf("class = %s, want STALL (%v)", got, err)
	}
	fi, statErr := os.Stat(dest + PartSuffix)
	if statErr != nil {
		t.Fatal("part file removed after stall, want retained for resume")
	}
	if fi.Size() == 0 {
		t.Error("part file empty, want the bytes received before the stall")
	}
}

func TestShortBodyRaisesIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "50")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("only twenty bytes!!!"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	c := testClient(t, 2*time.Second)
	err := c.Download(context.Background(), srv.URL, dest, Options{})
	if err == nil {
		t.Fatal("short body returned nil")
	}
	class := faults.ClassOf(err)
	if class != faults.Incomplete && class != faults.Network {
		t.Errorf("class = %s, want INCOMPLETE or NETWORK (%v)", class, err)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f")
	c := testClient(t, 2*time.Second)
	err := c.Download(context.Background(), srv.URL, dest, Options{})
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.Class != faults.HTTPStatus || fe.StatusCode != http.StatusGone {
		t.Errorf("err = %v, want HTTP_STATUS(410)", err)
	}
}

func TestFilenameInference(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="album.zip"`)
	if got := FilenameFromResponse(h, "https://cdn.example/x/y"); got != "album.zip" {
		t.Errorf("from header = %q, want album.zip", got)
	}
	if got := FilenameFromResponse(http.Header{}, "https://store-031.region.cdn.example/dl/pack%20one.rar?token=t"); got != "pack one.rar" {
		t.Errorf("from url = %q, want 'pack one.rar'", got)
	}
	if got := FilenameFromURL("https://cdn.example/"); got != "download" {
		t.Errorf("fallback = %q, want download", got)
	}
}
