// Package extract streams media entries out of archive containers one
// at a time. Each entry lands in its own temp file under the
// extraction root; the manifest records acknowledged entries so a
// restart resumes where the previous process died. Expansion yields to
// a free-space floor before every entry.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode/v2"
	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/diskspace"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

// ErrSecretRequired is returned for password-protected archives. The
// caller surfaces an awaiting-secret state and retries with the secret
// once one arrives.
var ErrSecretRequired = errors.New("archive requires a secret")

// Entry is one extracted media member.
type Entry struct {
	// Name is the member path inside the archive, the manifest key.
	Name string
	// Path is the temp file the member was extracted to.
	Path string
	Kind task.Kind
	Size int64
}

// YieldFunc consumes one extracted entry. Returning nil acknowledges
// it; the manifest is updated only after acknowledgment.
type YieldFunc func(ctx context.Context, e Entry) error

// Stats summarizes one expansion run.
type Stats struct {
	Yielded int
	Skipped int // non-media members
	Resumed int // members already in the manifest
}

// Expander streams archives. Safe for sequential use by the process
// worker.
type Expander struct {
	freeFloor int64
	onPause   func(waiting bool)
	log       zerolog.Logger
}

// NewExpander builds an expander that pauses below freeFloor bytes of
// free disk, reporting the pause through onPause.
func NewExpander(freeFloor int64, onPause func(bool), logger zerolog.Logger) *Expander {
	return &Expander{freeFloor: freeFloor, onPause: onPause, log: logger}
}

// Expand streams every media member of the archive into root, calling
// yield per entry. secret unlocks password-protected rar archives.
func (x *Expander) Expand(ctx context.Context, archivePath, root string, m *Manifest, secret string, yield YieldFunc) (Stats, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Stats{}, fmt.Errorf("creating extraction root: %w", err)
	}
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return x.expandZip(ctx, archivePath, root, m, secret, yield)
	case strings.HasSuffix(lower, ".rar"):
		return x.expandRar(ctx, archivePath, root, m, secret, yield)
	case strings.HasSuffix(lower, ".tar"),
		strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"),
		strings.HasSuffix(lower, ".tar.bz2"),
		strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return x.expandTar(ctx, archivePath, root, m, yield)
	default:
		return Stats{}, faults.Errorf(faults.Permanent, "unsupported archive container: %s", filepath.Base(archivePath))
	}
}

func (x *Expander) expandZip(ctx context.Context, archivePath, root string, m *Manifest, secret string, yield YieldFunc) (Stats, error) {
	var stats Stats
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return stats, faults.Errorf(faults.Permanent, "opening zip: %v", err)
	}
	defer r.Close()

	if err := m.SetTotal(len(r.File)); err != nil {
		return stats, err
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// Traditional zip encryption sets the low flag bit.
		if f.Flags&0x1 != 0 {
			if secret == "" {
				return stats, ErrSecretRequired
			}
			return stats, faults.Errorf(faults.Permanent, "encrypted zip entries are not supported: %s", f.Name)
		}
		if _, err := x.handleMember(ctx, root, m, f.Name, int64(f.UncompressedSize64), &stats, yield, func(w io.Writer) error {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(w, rc)
			return err
		}); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (x *Expander) expandRar(ctx context.Context, archivePath, root string, m *Manifest, secret string, yield YieldFunc) (Stats, error) {
	var stats Stats
	var opts []rardecode.Option
	if secret != "" {
		opts = append(opts, rardecode.Password(secret))
	}
	r, err := rardecode.OpenReader(archivePath, opts...)
	if err != nil {
		if isRarPasswordErr(err) {
			return stats, ErrSecretRequired
		}
		return stats, faults.Errorf(faults.Permanent, "opening rar: %v", err)
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isRarPasswordErr(err) {
				return stats, ErrSecretRequired
			}
			return stats, faults.Errorf(faults.Permanent, "reading rar: %v", err)
		}
		if hdr.IsDir {
			continue
		}
		if _, err := x.handleMember(ctx, root, m, hdr.Name, hdr.UnPackedSize, &stats, yield, func(w io.Writer) error {
			_, err := io.Copy(w, r)
			return err
		}); err != nil {
			return stats, err
		}
	}
	if err := m.SetTotal(stats.Yielded + stats.Skipped + stats.Resumed); err != nil {
		return stats, err
	}
	return stats, nil
}

func (x *Expander) expandTar(ctx context.Context, archivePath, root string, m *Manifest, yield YieldFunc) (Stats, error) {
	var stats Stats
	f, err := os.Open(archivePath)
	if err != nil {
		return stats, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return stats, faults.Errorf(faults.Permanent, "opening gzip stream: %v", err)
		}
		defer gz.Close()
		src = gz
	case strings.HasSuffix(lower, ".bz2"):
		src = bzip2.NewReader(f)
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return stats, faults.Errorf(faults.Permanent, "opening zstd stream: %v", err)
		}
		defer zr.Close()
		src = zr
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, faults.Errorf(faults.Permanent, "reading tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if _, err := x.handleMember(ctx, root, m, hdr.Name, hdr.Size, &stats, yield, func(w io.Writer) error {
			_, err := io.Copy(w, tr)
			return err
		}); err != nil {
			return stats, err
		}
	}
	// Tar has no central directory; the total is known only now.
	if err := m.SetTotal(stats.Yielded + stats.Skipped + stats.Resumed); err != nil {
		return stats, err
	}
	return stats, nil
}

// handleMember runs the shared per-entry path: resume skip, media
// filter, free-space wait, extraction to a unique temp file, yield,
// manifest ack.
func (x *Expander) handleMember(ctx context.Context, root string, m *Manifest, name string, size int64, stats *Stats, yield YieldFunc, write func(io.Writer) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.IsProcessed(name) {
		stats.Resumed++
		return false, nil
	}
	kind := task.KindForPath(name)
	if kind != task.KindImage && kind != task.KindVideo {
		stats.Skipped++
		if err := m.MarkProcessed(name); err != nil {
			return false, err
		}
		return false, nil
	}
	if x.freeFloor > 0 {
		if err := diskspace.WaitForSpace(ctx, root, x.freeFloor+size, x.onPause); err != nil {
			return false, err
		}
	}

	base := sanitizeBase(name)
	out, err := os.CreateTemp(root, "*-"+base)
	if err != nil {
		return false, fmt.Errorf("creating entry file: %w", err)
	}
	if err := write(out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return false, faults.Errorf(faults.Permanent, "extracting %s: %v", name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return false, err
	}

	entry := Entry{Name: name, Path: out.Name(), Kind: kind, Size: size}
	if err := yield(ctx, entry); err != nil {
		// Unacknowledged entries are re-extracted next run; the temp
		// file would be orphaned, so drop it.
		os.Remove(out.Name())
		return false, err
	}
	if err := m.MarkProcessed(name); err != nil {
		return false, err
	}
	stats.Yielded++
	return true, nil
}

// sanitizeBase flattens an archive member path into a safe filename.
func sanitizeBase(name string) string {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	base = strings.ReplaceAll(base, string(os.PathSeparator), "_")
	if base == "." || base == ".." || base == "" {
		base = "entry"
	}
	// CreateTemp rejects path separators and wildcards in the pattern.
	base = strings.Map(func(r rune) rune {
		switch r {
		case '*', '?', '/':
			return '_'
		}
		return r
	}, base)
	return base
}

func isRarPasswordErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted")
}
