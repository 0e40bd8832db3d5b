package media

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/relaybot/mediarelay/internal/faults"
)

// Quality ladder for oversize images: step down until the encoded size
// fits, then fall back to downscaling.
const (
	qualityStart = 95
	qualityFloor = 50
	qualityStep  = 5
)

var downscaleFactors = []float64{0.9, 0.8, 0.7, 0.6, 0.5}

// CompressImage re-encodes the image at path until it fits maxBytes,
// first by lowering JPEG quality, then by downscaling dimensions.
// Transparency is flattened onto a white background. The result is a
// new file next to the input; the input is untouched.
func CompressImage(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", faults.Errorf(faults.MediaInvalid, "decoding %s: %v", filepath.Base(path), err)
	}

	flat := flatten(src)
	out := compressedPath(path)

	for q := qualityStart; q >= qualityFloor; q -= qualityStep {
		size, err := encodeJPEG(out, flat, q)
		if err != nil {
			return "", err
		}
		if size <= maxBytes {
			return out, nil
		}
	}
	for _, factor := range downscaleFactors {
		scaled := downscale(flat, factor)
		size, err := encodeJPEG(out, scaled, 85)
		if err != nil {
			return "", err
		}
		if size <= maxBytes {
			return out, nil
		}
	}
	os.Remove(out)
	return "", faults.Errorf(faults.PhotoTooLarge, "%s does not fit %d bytes at any quality or scale", filepath.Base(path), maxBytes)
}

func compressedPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + ".compressed.jpg"
}

// flatten composites the image onto an opaque white background, since
// JPEG has no alpha channel.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func downscale(src *image.RGBA, factor float64) *image.RGBA {
	b := src.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func encodeJPEG(path string, img image.Image, quality int) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return 0, fmt.Errorf("encoding jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
