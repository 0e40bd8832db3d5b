package task

import (
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".bmp": true, ".gif": true, ".heic": true, ".tiff": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".mpg": true, ".mpeg": true, ".ts": true, ".3gp": true,
}

// 7z is absent: there is no expander for it, so it relays as a plain
// document instead of failing extraction.
var archiveExts = map[string]bool{
	".zip": true, ".rar": true,
	".tar": true, ".gz": true, ".tgz": true,
	".bz2": true, ".zst": true, ".tzst": true,
}

// KindForPath classifies a filename by extension. Anything that is not
// an image, video or archive is a document.
func KindForPath(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return KindImage
	case videoExts[ext]:
		return KindVideo
	case archiveExts[ext]:
		return KindArchive
	default:
		return KindDocument
	}
}

// IsMediaPath reports whether the filename is an image or video.
func IsMediaPath(path string) bool {
	k := KindForPath(path)
	return k == KindImage || k == KindVideo
}

// IsArchivePath reports whether the filename looks like a supported
// archive container.
func IsArchivePath(path string) bool {
	lower := strings.ToLower(path)
	// Compound tar suffixes would otherwise classify by the outer
	// compression extension alone.
	for _, s := range []string{".tar.gz", ".tar.bz2", ".tar.zst"} {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return KindForPath(path) == KindArchive
}
