// Package media decides whether a video needs re-encoding and runs the
// encoder with progress and a hard timeout. The encoder is an external
// ffmpeg process; its flag set is fixed and not an operator knob.
package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
)

// Decision is the normalizer's verdict for one file.
type Decision int

const (
	// Passthrough: container and codec are already acceptable.
	Passthrough Decision = iota
	// Inline: fast conversion, run synchronously under the timeout.
	Inline
	// Defer: incompatible now; hand off to the conversion ledger so
	// the album proceeds without blocking.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Passthrough:
		return "passthrough"
	case Inline:
		return "inline"
	default:
		return "defer"
	}
}

// ProbeInfo is the subset of stream metadata the pipeline needs.
type ProbeInfo struct {
	Container  string
	VideoCodec string
	Width      int
	Height     int
	Duration   float64 // seconds
}

// Normalizer shells out to ffprobe/ffmpeg.
type Normalizer struct {
	ffmpeg  string
	ffprobe string
	enabled bool
	timeout time.Duration
	log     zerolog.Logger
}

func NewNormalizer(ffmpegPath, ffprobePath string, enabled bool, timeout time.Duration, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		enabled: enabled,
		timeout: timeout,
		log:     logger,
	}
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe inspects a media file.
func (n *Normalizer) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, n.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		return nil, faults.Errorf(faults.MediaInvalid, "probing %s: %v", filepath.Base(path), err)
	}
	var po ffprobeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, faults.Errorf(faults.MediaInvalid, "parsing probe of %s: %v", filepath.Base(path), err)
	}
	info := &ProbeInfo{Container: po.Format.FormatName}
	if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	for _, s := range po.Streams {
		if s.CodecType == "video" {
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	return info, nil
}

// Decide picks the handling for a video. The .ts container is always
// passthrough regardless of the toggle; mp4 with h264 needs no work;
// everything else converts inline when enabled and defers otherwise.
func (n *Normalizer) Decide(path string, info *ProbeInfo) Decision {
	if strings.EqualFold(filepath.Ext(path), ".ts") {
		return Passthrough
	}
	if info != nil && info.VideoCodec == "h264" && containerHas(info.Container, "mp4") {
		return Passthrough
	}
	if n.enabled {
		return Inline
	}
	return Defer
}

func containerHas(formatName, want string) bool {
	for _, f := range strings.Split(formatName, ",") {
		if strings.TrimSpace(f) == want {
			return true
		}
	}
	return false
}

// Normalize re-encodes in to out (mp4/h264/aac, even dimensions,
// faststart moov). durationSec drives the progress percentage; pass 0
// when unknown. On timeout the encoder is killed, partial output is
// deleted, and NORMALIZE_TIMEOUT is raised.
func (n *Normalizer) Normalize(ctx context.Context, in, out string, durationSec float64, progress func(pct int)) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.ffmpeg,
		"-y",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attaching encoder progress pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return faults.Errorf(faults.Permanent, "starting encoder: %v", err)
	}

	if progress != nil && durationSec > 0 {
		go reportProgress(stdout, durationSec, progress)
	} else {
		go drain(stdout)
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(out)
		if ctx.Err() == context.DeadlineExceeded {
			return faults.Errorf(faults.NormalizeTimeout, "encoder exceeded %s on %s", n.timeout, filepath.Base(in))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Errorf(faults.MediaInvalid, "encoding %s: %v: %s", filepath.Base(in), err, tail(stderr.String(), 400))
	}
	return nil
}

// Thumbnail extracts a single scaled frame for album attributes.
func (n *Normalizer) Thumbnail(ctx context.Context, video, out string) error {
	cmd := exec.CommandContext(ctx, n.ffmpeg,
		"-y",
		"-ss", "1",
		"-i", video,
		"-frames:v", "1",
		"-vf", "scale=320:-2",
		out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return fmt.Errorf("thumbnail for %s: %v: %s", filepath.Base(video), err, tail(stderr.String(), 200))
	}
	return nil
}

// reportProgress parses ffmpeg -progress key=value lines into a
// percentage.
func reportProgress(r interface{ Read([]byte) (int, error) }, durationSec float64, progress func(pct int)) {
	sc := bufio.NewScanner(r)
	last := -1
	for sc.Scan() {
		line := sc.Text()
		var us int64
		var parsed bool
		if v, ok := strings.CutPrefix(line, "out_time_us="); ok {
			if p, err := strconv.ParseInt(v, 10, 64); err == nil {
				us, parsed = p, true
			}
		} else if v, ok := strings.CutPrefix(line, "out_time_ms="); ok {
			// ffmpeg reports microseconds under this key.
			if p, err := strconv.ParseInt(v, 10, 64); err == nil {
				us, parsed = p, true
			}
		}
		if !parsed {
			continue
		}
		pct := int(float64(us) / 1e6 / durationSec * 100)
		if pct > 100 {
			pct = 100
		}
		if pct > last {
			progress(pct)
			last = pct
		}
	}
}

func drain(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
