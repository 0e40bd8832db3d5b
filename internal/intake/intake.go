// Package intake turns inbound events into pipeline tasks: attached
// documents and media become downloads, text messages are scanned for
// CDN and WebDAV links, and a watched drop folder admits local files.
// Duplicates are skipped on (name, exact size) before any bytes move.
package intake

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/fetch"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
)

// Attachment is a document or media object carried by a message. URL
// is the materialization endpoint handed over by the messaging
// runtime.
type Attachment struct {
	Name string
	Size int64
	Mime string
	URL  string
}

// Message is one inbound event from the messaging runtime.
type Message struct {
	ChatID    int64
	MessageID int64
	Text      string
	Document  *Attachment
	Media     *Attachment
}

// CDN payload links, e.g. https://store-031.region.cdn.example/dl/pack.rar
var cdnLinkRe = regexp.MustCompile(`https?://store-\d+\.[A-Za-z0-9.-]+/\S+`)

// Generic links; trailing slash marks a WebDAV collection to crawl.
var anyLinkRe = regexp.MustCompile(`https?://\S+`)

// Intake converts messages to tasks.
type Intake struct {
	engine         *queue.Engine
	cache          *cache.Cache
	bus            *events.Bus
	maxArchiveSize int64
	log            zerolog.Logger
}

func New(engine *queue.Engine, c *cache.Cache, bus *events.Bus, maxArchiveSize int64, logger zerolog.Logger) *Intake {
	return &Intake{
		engine:         engine,
		cache:          c,
		bus:            bus,
		maxArchiveSize: maxArchiveSize,
		log:            logger,
	}
}

// OnMessage is called by the messaging runtime adapter for every
// inbound message. It returns the number of tasks enqueued.
func (in *Intake) OnMessage(msg Message) (int, error) {
	src := &task.SourceRef{ChatID: msg.ChatID, MessageID: msg.MessageID}
	count := 0

	if att := pickAttachment(msg); att != nil {
		enqueued, err := in.admitAttachment(att, src)
		if err != nil {
			return count, err
		}
		if enqueued {
			count++
		}
	}
	if msg.Text != "" {
		n, err := in.admitLinks(msg.Text, src)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

func pickAttachment(msg Message) *Attachment {
	if msg.Document != nil {
		return msg.Document
	}
	return msg.Media
}

func (in *Intake) admitAttachment(att *Attachment, src *task.SourceRef) (bool, error) {
	if att.Name != "" && in.cache.SeenNameSize(att.Name, att.Size) {
		in.log.Debug().Str("name", att.Name).Int64("size", att.Size).
			Msg("duplicate by name and size, skipping")
		return false, nil
	}
	kind := task.KindForPath(att.Name)
	if kind == task.KindArchive && in.maxArchiveSize > 0 && att.Size > in.maxArchiveSize {
		in.log.Warn().Str("name", att.Name).Int64("size", att.Size).
			Int64("max", in.maxArchiveSize).Msg("archive exceeds size limit, rejected")
		return false, nil
	}
	t := &task.Task{
		Type:      task.TypeDownload,
		Kind:      kind,
		SourceRef: src,
		URL:       att.URL,
		Filename:  att.Name,
		Size:      att.Size,
	}
	if _, err := in.engine.Enqueue(queue.StageDownload, t); err != nil {
		return false, fmt.Errorf("enqueuing download: %w", err)
	}
	return true, nil
}

func (in *Intake) admitLinks(text string, src *task.SourceRef) (int, error) {
	count := 0
	for _, link := range ExtractLinks(text) {
		var t *task.Task
		switch {
		case strings.HasSuffix(link, "/"):
			t = &task.Task{
				Type:      task.TypeWebdavCrawl,
				Kind:      task.KindTextLink,
				SourceRef: src,
				URL:       link,
			}
		default:
			name := fetch.FilenameFromURL(link)
			if in.cache.SeenNameSize(name, 0) {
				continue
			}
			t = &task.Task{
				Type:      task.TypeDownload,
				Kind:      task.KindForPath(name),
				SourceRef: src,
				URL:       link,
				Filename:  name,
			}
		}
		if _, err := in.engine.Enqueue(queue.StageDownload, t); err != nil {
			return count, fmt.Errorf("enqueuing link task: %w", err)
		}
		count++
	}
	return count, nil
}

// ExtractLinks pulls actionable links out of message text: all CDN
// store links, plus any other link that points at an archive, a media
// file, or a collection (trailing slash).
func ExtractLinks(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(link string) {
		link = strings.TrimRight(link, ".,;)")
		if !seen[link] {
			seen[link] = true
			out = append(out, link)
		}
	}
	for _, link := range cdnLinkRe.FindAllString(text, -1) {
		add(link)
	}
	for _, link := range anyLinkRe.FindAllString(text, -1) {
		trimmed := strings.TrimRight(link, ".,;)")
		if seen[trimmed] {
			continue
		}
		if strings.HasSuffix(trimmed, "/") {
			add(link)
			continue
		}
		name := fetch.FilenameFromURL(trimmed)
		if task.IsArchivePath(name) || task.IsMediaPath(name) {
			add(link)
		}
	}
	return out
}
