package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/queue"
	"github.com/relaybot/mediarelay/internal/task"
)

// deferredPoll is how often the deferred worker re-checks for work and
// idleness.
const deferredPoll = 30 * time.Second

// RunDeferred drains the conversion ledger. It only encodes while the
// download and upload stages are idle, so deferred conversions never
// compete with live traffic for CPU or bandwidth. Blocks until ctx is
// canceled.
func (p *Pipeline) RunDeferred(ctx context.Context) error {
	ticker := time.NewTicker(deferredPoll)
	defer ticker.Stop()
	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Since(lastSweep) >= p.cfg.Conversion.CompletedTTL/4+time.Minute {
			if err := p.ledger.SweepCompleted(p.cfg.Conversion.CompletedTTL); err != nil {
				p.log.Warn().Err(err).Msg("sweeping completed conversions failed")
			}
			lastSweep = time.Now()
		}
		if !p.engine.Idle(queue.StageDownload, queue.StageUpload) {
			continue
		}
		for _, entry := range p.ledger.Pending() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Live work preempts the backlog between entries.
			if !p.engine.Idle(queue.StageDownload, queue.StageUpload) {
				break
			}
			p.convertOne(ctx, entry.InputPath)
		}
	}
}

// convertOne runs a single deferred conversion and, on success,
// enqueues the delivery of its output.
func (p *Pipeline) convertOne(ctx context.Context, key string) {
	entry, ok := p.ledger.Get(key)
	if !ok {
		return
	}
	if err := p.ledger.MarkInProgress(key); err != nil {
		p.log.Warn().Err(err).Str("input", key).Msg("marking conversion in progress failed")
		return
	}

	out := strings.TrimSuffix(key, filepath.Ext(key)) + ".converted.mp4"
	var dur float64
	if info, err := p.norm.Probe(ctx, key); err == nil {
		dur = info.Duration
	}
	err := p.norm.Normalize(ctx, key, out, dur, func(pct int) {
		if err := p.ledger.UpdateProgress(key, pct); err != nil {
			p.log.Debug().Err(err).Str("input", key).Msg("saving conversion progress failed")
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-encode; Recover() returns the entry to
			// pending on the next start.
			return
		}
		status, merr := p.ledger.MarkFailed(key, err.Error())
		if merr != nil {
			p.log.Warn().Err(merr).Str("input", key).Msg("recording conversion failure failed")
		}
		p.log.Warn().Err(err).Str("input", key).Str("status", string(status)).
			Msg("deferred conversion failed")
		if status == convert.StatusFailed {
			// Terminal: preserve the source for operator review before
			// the root reference is released.
			if p.quar != nil {
				qt := &task.Task{
					ID:       task.NextID(),
					Type:     task.TypeDeferredConvert,
					Kind:     entry.Kind,
					Path:     key,
					Filename: filepath.Base(key),
				}
				if qerr := p.quar.Quarantine(qt, faults.ClassOf(err)); qerr != nil {
					p.log.Warn().Err(qerr).Str("input", key).Msg("quarantining failed conversion source failed")
				}
			}
			p.reg.Unref(entry.ExtractionRoot)
		}
		return
	}

	if err := p.ledger.MarkCompleted(key, out); err != nil {
		p.log.Warn().Err(err).Str("input", key).Msg("recording conversion completion failed")
	}
	follow := &task.Task{
		Type: task.TypeDeferredConvert,
		Kind: task.KindVideo,
		Archive: &task.ArchiveContext{
			ArchiveName:    entry.ArchiveName,
			ExtractionRoot: entry.ExtractionRoot,
		},
		Path:        out,
		Filename:    filepath.Base(out),
		LedgerKey:   key,
		CleanupRefs: []string{out, key},
	}
	if _, err := p.engine.Enqueue(queue.StageUpload, follow); err != nil {
		p.log.Error().Err(err).Str("input", key).Msg("enqueuing converted upload failed")
		return
	}
	p.log.Info().Str("input", filepath.Base(key)).Msg("deferred conversion complete, upload queued")
}
