package queue

import (
	"fmt"
	"os"
	"sort"

	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/task"
)

// RestoreStats summarizes a startup restoration.
type RestoreStats struct {
	Restored  int // tasks rehydrated into stage queues
	Skipped   int // unknown discriminants, torn lines, missing files
	Regrouped int // individual upload tasks collapsed into albums
	Albums    int // album tasks produced by regrouping
}

// Restore rebuilds the in-memory stage queues from the on-disk
// journals. Deleted records are dropped, unknown discriminants are
// logged and skipped, held flags are cleared (the builders that held
// them died with the previous process), and every journal is rewritten
// compact. The task id counter is seeded past the highest restored id.
func (e *Engine) Restore() (RestoreStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats RestoreStats
	type pending struct {
		stage Stage
		t     *task.Task
	}
	var adds []pending
	deleted := make(map[uint64]bool)

	collect := func(path string, defaultStage Stage) error {
		recs, skipped, err := readJournal(path)
		if err != nil {
			return err
		}
		stats.Skipped += skipped
		for _, rec := range recs {
			switch rec.Op {
			case opAdd:
				if rec.Task == nil {
					stats.Skipped++
					continue
				}
				st := rec.Stage
				if st == "" {
					st = defaultStage
				}
				adds = append(adds, pending{stage: st, t: rec.Task})
			case opDel:
				deleted[rec.ID] = true
			default:
				stats.Skipped++
			}
		}
		return nil
	}

	for _, st := range allStages {
		if err := collect(journalPath(e.dir, st), st); err != nil {
			return stats, err
		}
	}
	if err := collect(journalPath(e.dir, retryJournalName), ""); err != nil {
		return stats, err
	}

	var maxID uint64
	perStage := make(map[Stage][]*task.Task)
	seen := make(map[uint64]bool)
	for _, p := range adds {
		t := p.t
		if deleted[t.ID] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if !t.Type.Known() {
			e.log.Warn().Uint64("task", t.ID).Str("type", string(t.Type)).
				Msg("skipping task with unknown type")
			stats.Skipped++
			continue
		}
		if _, ok := e.stages[p.stage]; !ok {
			stats.Skipped++
			continue
		}
		t.Held = false
		t.SourceRef = nil
		perStage[p.stage] = append(perStage[p.stage], t)
		if t.ID > maxID {
			maxID = t.ID
		}
		stats.Restored++
	}
	task.SeedIDs(maxID)

	for _, st := range allStages {
		tasks := perStage[st]
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		s := e.stages[st]
		s.tasks = tasks
		j := e.journals[st]
		recs := make([]record, 0, len(tasks))
		for _, t := range tasks {
			recs = append(recs, record{Op: opAdd, Task: t})
			e.journalOf[t.ID] = j
		}
		if err := j.rewrite(recs); err != nil {
			return stats, fmt.Errorf("compacting %s journal: %w", st, err)
		}
		s.notify()
	}
	// All live records now sit in their stage journals.
	if err := e.retry.rewrite(nil); err != nil {
		return stats, fmt.Errorf("compacting retry journal: %w", err)
	}
	return stats, nil
}

// Regroup collapses runs of individual upload tasks sharing
// (archive_name, extraction_root, kind) into album dispatch tasks of at
// most cap files, preserving on-disk ordering and skipping entries
// whose files no longer exist. Groups of one stay individual uploads.
// Required to survive crashes mid-extraction, where thousands of
// per-file tasks were persisted.
func (e *Engine) Regroup(cap int, captionFor func(archive string, kind task.Kind, index, total, count int) string) (regrouped, albums int, err error) {
	if cap < 2 {
		return 0, 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stages[StageUpload]
	type groupKey struct {
		archive string
		root    string
		kind    task.Kind
	}
	groups := make(map[groupKey][]*task.Task)
	var order []groupKey
	for _, t := range s.tasks {
		if t.Type != task.TypeDirectUpload || t.Archive == nil {
			continue
		}
		k := groupKey{t.Archive.ArchiveName, t.Archive.ExtractionRoot, t.Kind}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	for _, k := range order {
		members := groups[k]
		if len(members) < 2 {
			continue
		}
		var live []*task.Task
		var ids []uint64
		for _, t := range members {
			ids = append(ids, t.ID)
			if t.Path != "" {
				if _, statErr := os.Stat(t.Path); statErr != nil {
					e.log.Warn().Str("path", t.Path).Msg("dropping restored upload, file missing")
					continue
				}
			}
			live = append(live, t)
		}
		total := (len(live) + cap - 1) / cap
		var repl []*task.Task
		for i := 0; i < len(live); i += cap {
			end := i + cap
			if end > len(live) {
				end = len(live)
			}
			chunk := live[i:end]
			files := make([]string, 0, len(chunk))
			cleanup := make([]string, 0, len(chunk))
			for _, t := range chunk {
				files = append(files, t.Path)
				cleanup = append(cleanup, t.CleanupRefs...)
			}
			batchIdx := i/cap + 1
			album := &task.Task{
				Type:        task.TypeAlbumDispatch,
				Kind:        k.kind,
				Archive:     &task.ArchiveContext{ArchiveName: k.archive, ExtractionRoot: k.root, ManifestID: chunk[0].Archive.ManifestID},
				Files:       files,
				CleanupRefs: cleanup,
				BatchIndex:  batchIdx,
				BatchTotal:  total,
			}
			if captionFor != nil {
				album.Caption = captionFor(k.archive, k.kind, batchIdx, total, len(files))
			}
			repl = append(repl, album)
		}
		if err := e.replaceLocked(StageUpload, ids, repl); err != nil {
			return regrouped, albums, err
		}
		regrouped += len(members)
		albums += len(repl)
		e.log.Info().
			Str("archive", k.archive).
			Str("kind", string(k.kind)).
			Int("tasks", len(members)).
			Int("albums", len(repl)).
			Msgf("regrouped %d upload tasks into %d albums", len(members), len(repl))
	}
	if e.bus != nil && regrouped > 0 {
		e.bus.Publish(events.RestoreEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventRestoreSummary, Time: e.now()},
			Regrouped: regrouped,
			Albums:    albums,
		})
	}
	return regrouped, albums, nil
}
