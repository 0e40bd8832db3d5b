// Package supervisor assembles the daemon: it builds every component
// from the config snapshot, restores queues from disk, and runs the
// stage workers under one errgroup. It also owns the cross-cutting
// concerns around them: the single-instance lock, the quarantine
// index, the download admission gate, and the advisory snapshot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relaybot/mediarelay/internal/album"
	"github.com/relaybot/mediarelay/internal/cache"
	"github.com/relaybot/mediarelay/internal/config"
	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/extract"
	"github.com/relaybot/mediarelay/internal/fetch"
	"github.com/relaybot/mediarelay/internal/intake"
	"github.com/relaybot/mediarelay/internal/logging"
	"github.com/relaybot/mediarelay/internal/media"
	"github.com/relaybot/mediarelay/internal/messenger"
	"github.com/relaybot/mediarelay/internal/pipeline"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/registry"
	"github.com/relaybot/mediarelay/internal/webdav"
)

// Supervisor wires and runs the whole pipeline.
type Supervisor struct {
	cfg      *config.Config
	runID    string
	log      zerolog.Logger
	bus      *events.Bus
	engine   *queue.Engine
	pipe     *pipeline.Pipeline
	in       *intake.Intake
	ledger   *convert.Ledger
	reg      *registry.Registry
	msgr     messenger.Messenger
	gate     *Gate
	authGate *AuthGate
	quar     *Quarantine

	// target is the resolved recipient, set once in Run before the
	// notifier starts.
	target string
}

// New builds the full component graph. Nothing starts running until
// Run.
func New(cfg *config.Config, logger zerolog.Logger) (*Supervisor, error) {
	for _, dir := range []string{cfg.DataDir, cfg.StateDir(), cfg.TmpDir(), cfg.ManifestDir(), cfg.QuarantineDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	bus := events.NewBus(0)
	quar := NewQuarantine(cfg.QuarantineDir(), cfg.FailedPath(), logging.Component(logger, "quarantine"))
	eng, err := queue.Open(cfg.QueueDir(),
		queue.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseSeconds: cfg.Retry.BaseSeconds},
		quar, bus, logging.Component(logger, "queue"))
	if err != nil {
		return nil, err
	}

	gate := NewGate(cfg.Admission.WifiOnly, bus)
	authGate := NewAuthGate(bus)
	ledger := convert.Load(cfg.LedgerPath(), cfg.Conversion.MaxRetries, cfg.Conversion.StateSaveInterval,
		logging.Component(logger, "convert"))
	reg := registry.New(logging.Component(logger, "registry"))
	fileCache := cache.Load(cfg.CachePath(), logging.Component(logger, "cache"))
	msgr := messenger.NewBotAPI(cfg.Messenger.Token, cfg.Messenger.BaseURL, cfg.Messenger.RequestTimeout,
		logging.Component(logger, "messenger"))

	onPause := func(waiting bool) {
		typ := events.EventResumed
		if waiting {
			typ = events.EventPaused
		}
		bus.Publish(events.PauseEvent{
			BaseEvent: events.BaseEvent{EventType: typ, Time: time.Now()},
			Stage:     "process",
			Reason:    "low-storage",
		})
	}

	pipe := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Engine:   eng,
		Fetcher:  fetch.NewClient(cfg.Fetch.ChunkSize, cfg.Fetch.InactivityTimeout, logging.Component(logger, "fetch")),
		Expander: extract.NewExpander(cfg.FreeSpaceFloor, onPause, logging.Component(logger, "extract")),
		Norm: media.NewNormalizer(cfg.Transcode.FFmpegPath, cfg.Transcode.FFprobePath,
			cfg.Transcode.Enabled, cfg.Transcode.Timeout, logging.Component(logger, "media")),
		Ledger:    ledger,
		Messenger: msgr,
		Registry:  reg,
		Cache:     fileCache,
		Webdav: webdav.NewClient(cfg.Webdav.Username, cfg.Webdav.Password,
			cfg.Messenger.RequestTimeout, logging.Component(logger, "webdav")),
		Quar:   quar,
		Bus:    bus,
		Logger: logging.Component(logger, "pipeline"),
	})

	// A fully relayed archive enters the content cache only once its
	// last extracted member is delivered.
	reg.OnArchiveDelivered(func(path string) { pipe.RecordDelivered(path) })

	in := intake.New(eng, fileCache, bus, cfg.MaxArchiveSize, logging.Component(logger, "intake"))

	// The run id ties log lines and snapshots from one process
	// lifetime together across restarts.
	runID := uuid.NewString()

	return &Supervisor{
		cfg:      cfg,
		runID:    runID,
		log:      logging.Component(logger, "supervisor").With().Str("run_id", runID).Logger(),
		bus:      bus,
		engine:   eng,
		pipe:     pipe,
		in:       in,
		ledger:   ledger,
		reg:      reg,
		msgr:     msgr,
		gate:     gate,
		authGate: authGate,
		quar:     quar,
	}, nil
}

// Intake returns the message intake, for the messaging runtime adapter.
func (s *Supervisor) Intake() *intake.Intake { return s.in }

// Bus returns the event bus for status subscribers.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Run restores state and runs all workers until ctx is canceled or a
// worker fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	lock, err := AcquireLock(s.cfg.LockPath(), s.log)
	if err != nil {
		return err
	}
	defer lock.Release()
	defer s.engine.Close()
	defer s.bus.Close()

	notifyCh := s.bus.SubscribeAll()
	if err := s.restore(); err != nil {
		return err
	}

	target, err := s.msgr.ResolveTarget(ctx, s.cfg.Messenger.Target)
	if err != nil {
		return fmt.Errorf("resolving recipient %q: %w", s.cfg.Messenger.Target, err)
	}
	s.pipe.SetTarget(target)
	s.target = target
	s.log.Info().Str("target", target).Msg("recipient resolved, starting workers")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.RunStage(ctx, queue.StageDownload, s.pipe.ExecuteDownload, queue.RunOptions{
			Concurrency: s.cfg.StageConcurrency.Download,
			Gate:        s.gate.Wait,
		})
	})
	g.Go(func() error {
		return s.engine.RunStage(ctx, queue.StageProcess, s.pipe.ExecuteProcess, queue.RunOptions{Concurrency: 1})
	})
	g.Go(func() error {
		return s.engine.RunStage(ctx, queue.StageUpload, s.pipe.ExecuteUpload, queue.RunOptions{
			Concurrency: s.cfg.StageConcurrency.Upload,
			Gate:        s.authGate.Wait,
			OnAuth:      s.authGate.Pause,
		})
	})
	g.Go(func() error { return s.pipe.RunDeferred(ctx) })
	g.Go(func() error { return s.runSnapshots(ctx) })
	g.Go(func() error { return s.runNotifier(ctx, notifyCh) })
	if s.cfg.DropDir != "" {
		g.Go(func() error { return s.in.WatchDropFolder(ctx, s.cfg.DropDir) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info().Msg("supervisor stopped")
	return err
}

// restore replays the journals, regroups restored per-file uploads into
// albums, and rebuilds the in-memory bookkeeping the previous process
// took with it.
func (s *Supervisor) restore() error {
	stats, err := s.engine.Restore()
	if err != nil {
		return fmt.Errorf("restoring queues: %w", err)
	}
	regrouped, albums, err := s.engine.Regroup(s.cfg.AlbumSizeCap, album.Caption)
	if err != nil {
		return fmt.Errorf("regrouping restored uploads: %w", err)
	}
	s.reg.Rebuild(s.engine.Tasks(queue.StageUpload))

	pending, err := s.ledger.Recover()
	if err != nil {
		return fmt.Errorf("recovering conversion ledger: %w", err)
	}
	for _, key := range pending {
		if e, ok := s.ledger.Get(key); ok {
			s.reg.Ref(e.ExtractionRoot, 1)
		}
	}

	s.log.Info().
		Int("restored", stats.Restored).
		Int("skipped", stats.Skipped).
		Int("regrouped", regrouped).
		Int("albums", albums).
		Int("pending_conversions", len(pending)).
		Msg("state restored")
	s.bus.Publish(events.RestoreEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventRestoreSummary, Time: time.Now()},
		Restored:  stats.Restored,
		Skipped:   stats.Skipped,
		Regrouped: regrouped,
		Albums:    albums,
	})
	return nil
}

// OnSignal applies an operator control signal at runtime.
//
//	wifi_only  on|off
//	metered    on|off
//	auth       ok (resumes uploads after a credential renewal)
//	secret     <archive-name>:<password>
func (s *Supervisor) OnSignal(kind, payload string) error {
	switch kind {
	case "wifi_only":
		s.gate.SetWifiOnly(payload == "on")
	case "metered":
		s.gate.SetMetered(payload == "on")
	case "auth":
		if payload != "ok" {
			return fmt.Errorf("auth signal takes \"ok\"")
		}
		s.authGate.Resume()
		s.log.Info().Msg("credential renewed, uploads resumed")
	case "secret":
		name, secret, ok := strings.Cut(payload, ":")
		if !ok || name == "" || secret == "" {
			return fmt.Errorf("secret signal needs <archive>:<password>")
		}
		s.pipe.SetSecret(name, secret)
		s.log.Info().Str("archive", name).Msg("archive secret received")
	default:
		return fmt.Errorf("unknown signal %q", kind)
	}
	return nil
}
