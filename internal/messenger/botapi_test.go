package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

func testFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var out []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("media"), 0o644); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func newTestAPI(t *testing.T, handler http.HandlerFunc) *BotAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBotAPI("TOKEN", srv.URL, 10*time.Second, zerolog.Nop())
}

func TestSendAlbumSuccess(t *testing.T) {
	var gotMedia []map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMediaGroup" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("media")), &gotMedia); err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(`{"ok":true,"result":[]}`))
	})

	files := testFiles(t, "1.jpg", "2.jpg", "3.jpg")
	err := api.SendAlbum(context.Background(), "42", task.KindImage, files, "A.zip – Images (Batch 1/1: 3 files)")
	if err != nil {
		t.Fatalf("SendAlbum: %v", err)
	}
	if len(gotMedia) != 3 {
		t.Fatalf("media items = %d, want 3", len(gotMedia))
	}
	if gotMedia[0]["caption"] != "A.zip – Images (Batch 1/1: 3 files)" {
		t.Errorf("caption on first item = %v", gotMedia[0]["caption"])
	}
	if gotMedia[1]["caption"] != nil {
		t.Error("caption leaked onto later items")
	}
	if gotMedia[0]["type"] != "photo" {
		t.Errorf("type = %v, want photo", gotMedia[0]["type"])
	}
}

func TestRateLimitReportsExactWait(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1678","parameters":{"retry_after":1678}}`))
	})

	files := testFiles(t, "1.jpg")
	err := api.SendAlbum(context.Background(), "42", task.KindImage, files, "")
	if err == nil {
		t.Fatal("rate-limited send returned nil")
	}
	if got := faults.ClassOf(err); got != faults.RateLimit {
		t.Fatalf("class = %s, want RATE_LIMIT", got)
	}
	if got := faults.WaitOf(err); got != 1678*time.Second {
		t.Errorf("wait = %v, want exactly 1678s", got)
	}
}

func TestMediaInvalidNamesOffendingFile(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse InputMedia: media #1: wrong file identifier"}`))
	})

	files := testFiles(t, "ok.mp4", "broken.mp4", "fine.mp4")
	err := api.SendAlbum(context.Background(), "42", task.KindVideo, files, "")
	if got := faults.ClassOf(err); got != faults.MediaInvalid {
		t.Fatalf("class = %s, want MEDIA_INVALID (%v)", got, err)
	}
	var me *MediaInvalidError
	if !errors.As(err, &me) {
		t.Fatal("error does not carry MediaInvalidError")
	}
	if me.File != files[1] {
		t.Errorf("offending file = %q, want %q", me.File, files[1])
	}
}

func TestPhotoTooLarge(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: PHOTO_INVALID_DIMENSIONS"}`))
	})

	files := testFiles(t, "huge.jpg")
	err := api.SendAlbum(context.Background(), "42", task.KindImage, files, "")
	if got := faults.ClassOf(err); got != faults.PhotoTooLarge {
		t.Errorf("class = %s, want PHOTO_TOO_LARGE", got)
	}
}

func TestAuthFailure(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})

	_, err := api.ResolveTarget(context.Background(), "someone")
	if got := faults.ClassOf(err); got != faults.Auth {
		t.Errorf("class = %s, want AUTH", got)
	}
}

func TestResolveTarget(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["chat_id"] != "@someone" {
			t.Errorf("chat_id = %q, want @someone", req["chat_id"])
		}
		w.Write([]byte(`{"ok":true,"result":{"id":987654321}}`))
	})

	got, err := api.ResolveTarget(context.Background(), "someone")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if got != "987654321" {
		t.Errorf("target = %q, want 987654321", got)
	}
}

func TestSendMediaVideoAttributes(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendVideo" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("duration") != "93" || r.FormValue("width") != "1280" {
			t.Errorf("attrs: duration=%s width=%s", r.FormValue("duration"), r.FormValue("width"))
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	files := testFiles(t, "clip.mp4")
	attrs := Attributes{Duration: 93, Width: 1280, Height: 720}
	if err := api.SendMedia(context.Background(), "42", task.KindVideo, files[0], attrs, "clip"); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
}
