package media

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
)

func testNormalizer(enabled bool) *Normalizer {
	return NewNormalizer("ffmpeg", "ffprobe", enabled, 30*time.Minute, zerolog.Nop())
}

func TestDecide(t *testing.T) {
	h264mp4 := &ProbeInfo{Container: "mov,mp4,m4a,3gp,3g2,mj2", VideoCodec: "h264"}
	vp9webm := &ProbeInfo{Container: "matroska,webm", VideoCodec: "vp9"}

	tests := []struct {
		name    string
		path    string
		info    *ProbeInfo
		enabled bool
		want    Decision
	}{
		{"ts always passthrough", "stream.ts", vp9webm, true, Passthrough},
		{"ts passthrough when disabled", "stream.TS", vp9webm, false, Passthrough},
		{"mp4 h264 passthrough", "clip.mp4", h264mp4, true, Passthrough},
		{"webm inline when enabled", "clip.webm", vp9webm, true, Inline},
		{"webm deferred when disabled", "clip.webm", vp9webm, false, Defer},
		{"unknown probe inline", "clip.avi", nil, true, Inline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNormalizer(tt.enabled)
			if got := n.Decide(tt.path, tt.info); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

func writeNoisePNG(t *testing.T, path string, w, h int, alpha bool) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if alpha && x%2 == 0 {
				a = 128
			}
			img.Set(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: a,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestCompressImageFits(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "big.png")
	writeNoisePNG(t, src, 400, 400, false)

	// Noise compresses badly; a generous cap exercises the quality
	// ladder without hitting the downscale fallback.
	out, err := CompressImage(src, 200*1024)
	if err != nil {
		t.Fatalf("CompressImage: %v", err)
	}
	fi, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() > 200*1024 {
		t.Errorf("compressed size %d exceeds cap", fi.Size())
	}
	if !strings.HasSuffix(out, ".compressed.jpg") {
		t.Errorf("output name = %q", out)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("original was modified or removed")
	}
}

func TestCompressImageDownscales(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "huge.png")
	writeNoisePNG(t, src, 600, 600, false)

	// A tight cap pushes past the quality floor into downscaling.
	out, err := CompressImage(src, 40*1024)
	if err != nil {
		t.Fatalf("CompressImage: %v", err)
	}
	fi, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() > 40*1024 {
		t.Errorf("compressed size %d exceeds cap", fi.Size())
	}
}

func TestCompressImageAlphaFlattened(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "alpha.png")
	writeNoisePNG(t, src, 64, 64, true)

	out, err := CompressImage(src, 1024*1024)
	if err != nil {
		t.Fatalf("CompressImage: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, format, err := image.Decode(f); err != nil || format != "jpeg" {
		t.Errorf("output decode = %q/%v, want jpeg", format, err)
	}
}

func TestCompressImageImpossibleCap(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "x.png")
	writeNoisePNG(t, src, 256, 256, false)

	_, err := CompressImage(src, 64) // nothing fits in 64 bytes
	if err == nil {
		t.Fatal("expected failure for impossible cap")
	}
	if got := faults.ClassOf(err); got != faults.PhotoTooLarge {
		t.Errorf("class = %s, want PHOTO_TOO_LARGE", got)
	}
}

func TestCompressImageRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "not-an-image.jpg")
	if err := os.WriteFile(src, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := CompressImage(src, 1024*1024)
	if err == nil {
		t.Fatal("garbage input accepted")
	}
	if got := faults.ClassOf(err); got != faults.MediaInvalid {
		t.Errorf("class = %s, want MEDIA_INVALID", got)
	}
}
