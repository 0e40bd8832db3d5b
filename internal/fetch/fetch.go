// Package fetch downloads URLs to disk with range-resume, chunked
// streaming, and an inactivity watchdog. Payloads stream through a
// .part file that is renamed into place only after the size check
// passes, so a crash or stall never leaves a half-written final file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
)

// PartSuffix marks in-progress downloads.
const PartSuffix = ".part"

// Progress receives throttled byte counts. total is -1 when the server
// did not declare a length.
type Progress func(written, total int64)

// Options tunes a single download.
type Options struct {
	// ExpectedSize, when non-zero, is the known payload size used for
	// the completion check and the 416 short-circuit.
	ExpectedSize int64

	// Headers are added to the request (auth tokens and the like).
	Headers map[string]string

	Progress Progress

	// MinPercentStep and MinInterval throttle Progress callbacks.
	MinPercentStep int
	MinInterval    time.Duration
}

// Client wraps an HTTP client for resumable downloads. Retry of whole
// attempts is the queue engine's job; the transport itself never
// retries.
type Client struct {
	httpClient *http.Client
	chunkSize  int
	inactivity time.Duration
	log        zerolog.Logger
}

// NewClient builds a download client. chunkSize is the streaming read
// size; inactivity is the stall threshold.
func NewClient(chunkSize int, inactivity time.Duration, logger zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.HTTPClient.Timeout = 0 // watchdog, not a total deadline
	// Whole-attempt retry belongs to the queue engine; hand every
	// response back, including 5xx.
	rc.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
		return false, err
	}
	return &Client{
		httpClient: rc.StandardClient(),
		chunkSize:  chunkSize,
		inactivity: inactivity,
		log:        logger,
	}
}

// Download fetches rawURL into dest. An existing .part file resumes
// with a Range request under the rules:
//
//	206 -> append from the part's offset
//	416 with part size equal to the known total -> rename, done
//	200 to a non-zero Range -> server ignored the range; part is
//	  deleted and streaming restarts from zero
//
// A zero-size .part is deleted up front. On any error except the
// range-ignore reset, the .part stays for the next attempt.
func (c *Client) Download(ctx context.Context, rawURL, dest string, opts Options) error {
	part := dest + PartSuffix

	var offset int64
	if fi, err := os.Stat(part); err == nil {
		if fi.Size() == 0 {
			if err := os.Remove(part); err != nil {
				return fmt.Errorf("removing empty part file: %w", err)
			}
		} else {
			offset = fi.Size()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return faults.New(faults.Permanent, fmt.Errorf("building request: %w", err))
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	// Inactivity watchdog: any gap without bytes tears the attempt
	// down as a stall. Covers the initial response wait too.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.inactivity, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stalled.Load() {
			return faults.Errorf(faults.Stall, "no response within %s from %s", c.inactivity, rawURL)
		}
		return fmt.Errorf("requesting %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Confirmed resume; append below.
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		total := totalFromContentRange(resp.Header.Get("Content-Range"))
		if total == 0 {
			total = opts.ExpectedSize
		}
		if total > 0 && offset == total {
			// The part already holds the whole payload.
			return os.Rename(part, dest)
		}
		if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing oversized part file: %w", err)
		}
		return faults.Errorf(faults.Integrity, "range not satisfiable at offset %d, total %d", offset, total)
	case resp.StatusCode == http.StatusOK && offset > 0:
		// Server ignored the Range header; restart from zero.
		c.log.Debug().Str("url", rawURL).Int64("offset", offset).
			Msg("server ignored range request, restarting from zero")
		if err := os.Remove(part); err != nil {
			return fmt.Errorf("removing stale part file: %w", err)
		}
		offset = 0
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		offset = 0
	default:
		return faults.NewHTTPStatus(resp.StatusCode)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	} else if opts.ExpectedSize > 0 {
		total = opts.ExpectedSize
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}

	written, streamErr := c.stream(f, resp.Body, offset, total, watchdog, opts)
	if syncErr := f.Sync(); syncErr != nil && streamErr == nil {
		streamErr = syncErr
	}
	if closeErr := f.Close(); closeErr != nil && streamErr == nil {
		streamErr = closeErr
	}
	if streamErr != nil {
		if stalled.Load() {
			return faults.Errorf(faults.Stall, "no bytes within %s at offset %d", c.inactivity, written)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(streamErr, io.ErrUnexpectedEOF) {
			return faults.Errorf(faults.Incomplete, "stream ended early at %d of %d bytes", written, total)
		}
		return fmt.Errorf("streaming %s: %w", rawURL, streamErr)
	}

	if total >= 0 && written != total {
		return faults.Errorf(faults.Incomplete, "downloaded %d of %d bytes", written, total)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("finalizing download: %w", err)
	}
	return nil
}

// stream copies body to f in chunks, feeding the watchdog and the
// throttled progress callback. Returns the absolute file size written
// so far (offset plus streamed bytes).
func (c *Client) stream(f *os.File, body io.Reader, offset, total int64, watchdog *time.Timer, opts Options) (int64, error) {
	chunk := c.chunkSize
	if chunk <= 0 {
		chunk = 1 << 20
	}
	buf := make([]byte, chunk)
	written := offset

	step := opts.MinPercentStep
	if step <= 0 {
		step = 5
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = 7 * time.Second
	}
	lastPct := -1
	var lastAt time.Time

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(c.inactivity)
			if _, err := f.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if opts.Progress != nil && total > 0 {
				pct := int(written * 100 / total)
				now := time.Now()
				if (pct >= lastPct+step && now.Sub(lastAt) >= interval) || written == total {
					opts.Progress(written, total)
					lastPct = pct
					lastAt = now
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// totalFromContentRange parses the total size from a "bytes */N"
// Content-Range header. Returns 0 when unknown.
func totalFromContentRange(v string) int64 {
	i := strings.LastIndex(v, "/")
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FilenameFromResponse derives the payload filename from the
// Content-Disposition header, falling back to the URL path.
func FilenameFromResponse(header http.Header, rawURL string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}
	return FilenameFromURL(rawURL)
}

// FilenameFromURL infers a filename from the URL path.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download"
	}
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}
