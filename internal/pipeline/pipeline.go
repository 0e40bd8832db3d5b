// Package pipeline wires the stage executors: download pulls payloads
// to local disk, process expands archives into album batches, upload
// delivers media to the recipient, and the deferred worker drains slow
// video conversions while the rest of the pipeline is idle. Each
// executor is an ExecFunc plugged into the queue engine; all durability
// lives in the engine, executors stay stateless between tasks.
package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/album"
	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/config"
	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/extract"
	"github.com/relaybot/mediarelay/internal/fetch"
	"github.com/relaybot/mediarelay/internal/media"
	"github.com/relaybot/mediarelay/internal/messenger"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/registry"
	"github.com/relaybot/mediarelay/internal/task"
	"github.com/relaybot/mediarelay/internal/webdav"
)

// uploadPhotoMaxBytes is the hard photo payload ceiling of the
// messaging platform. Images over it go through the compression ladder
// before the album retries.
const uploadPhotoMaxBytes = 10 << 20

// Pipeline owns the stage executors and the shared components behind
// them.
type Pipeline struct {
	cfg      *config.Config
	engine   *queue.Engine
	fetcher  *fetch.Client
	expander *extract.Expander
	norm     *media.Normalizer
	batcher  *album.Batcher
	ledger   *convert.Ledger
	msgr     messenger.Messenger
	reg      *registry.Registry
	cache    *cache.Cache
	dav      *webdav.Client
	quar     queue.Quarantiner
	bus      *events.Bus
	log      zerolog.Logger

	// target is the resolved recipient chat reference.
	target string

	// secrets maps archive names to operator-supplied passwords.
	secretMu sync.Mutex
	secrets  map[string]string

	// shares tracks how many files of each WebDAV crawl have landed,
	// so the last download flushes the share's open album builders.
	// Lost on crash; restore regroups the held records instead.
	shareMu sync.Mutex
	shares  map[string]*shareProgress
}

type shareProgress struct {
	expected int
	done     int
	kinds    map[task.Kind]int
}

// Deps carries the constructed components. The supervisor builds them
// from config and hands them over.
type Deps struct {
	Config    *config.Config
	Engine    *queue.Engine
	Fetcher   *fetch.Client
	Expander  *extract.Expander
	Norm      *media.Normalizer
	Ledger    *convert.Ledger
	Messenger messenger.Messenger
	Registry  *registry.Registry
	Cache     *cache.Cache
	Webdav    *webdav.Client
	Quar      queue.Quarantiner
	Bus       *events.Bus
	Logger    zerolog.Logger
}

// New builds the pipeline and its album batcher. Target must be set
// via SetTarget before the upload stage runs.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		cfg:      d.Config,
		engine:   d.Engine,
		fetcher:  d.Fetcher,
		expander: d.Expander,
		norm:     d.Norm,
		ledger:   d.Ledger,
		msgr:     d.Messenger,
		reg:      d.Registry,
		cache:    d.Cache,
		dav:      d.Webdav,
		quar:     d.Quar,
		bus:      d.Bus,
		log:      d.Logger,
		secrets:  make(map[string]string),
		shares:   make(map[string]*shareProgress),
	}
	p.batcher = album.NewBatcher(d.Config.AlbumSizeCap, p.emitBatch)
	return p
}

// SetTarget installs the resolved recipient reference.
func (p *Pipeline) SetTarget(target string) { p.target = target }

// SetSecret stores an operator-supplied archive password. The blocked
// extract task picks it up on its next attempt.
func (p *Pipeline) SetSecret(archiveName, secret string) {
	p.secretMu.Lock()
	defer p.secretMu.Unlock()
	p.secrets[archiveName] = secret
}

func (p *Pipeline) secretFor(archiveName string) string {
	p.secretMu.Lock()
	defer p.secretMu.Unlock()
	return p.secrets[archiveName]
}

// setShareExpected records how many file downloads a crawl produced.
func (p *Pipeline) setShareExpected(shareID string, n int) {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	sp := p.shares[shareID]
	if sp == nil {
		sp = &shareProgress{}
		p.shares[shareID] = sp
	}
	sp.expected = n
}

// shareFileDone counts one landed file and reports whether the share
// is complete. The entry is dropped once the share finishes.
func (p *Pipeline) shareFileDone(shareID string) bool {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	sp := p.shares[shareID]
	if sp == nil {
		// Crawl state predates a restart; the regroup pass on restore
		// already owns these files.
		return false
	}
	sp.done++
	if sp.expected > 0 && sp.done >= sp.expected {
		delete(p.shares, shareID)
		return true
	}
	return false
}

// shareKindCount bumps and returns the running media count of one kind
// within a share, feeding the batch caption totals.
func (p *Pipeline) shareKindCount(shareID string, kind task.Kind) int {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	sp := p.shares[shareID]
	if sp == nil {
		sp = &shareProgress{}
		p.shares[shareID] = sp
	}
	if sp.kinds == nil {
		sp.kinds = make(map[task.Kind]int)
	}
	sp.kinds[kind]++
	return sp.kinds[kind]
}

func (p *Pipeline) publishProgress(taskID uint64, name, stage string, pct int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TaskEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTaskProgress, Time: time.Now()},
		TaskID:    taskID,
		Name:      name,
		Stage:     stage,
		Progress:  pct,
	})
}
