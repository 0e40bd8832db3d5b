package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/relaybot/mediarelay/internal/convert"
	"github.com/relaybot/mediarelay/internal/queue"
)

// Snapshot is the advisory state written to state/current.json on a
// timer. It is purely informational; recovery never reads it.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	WrittenAt time.Time `json:"written_at"`

	Pending  map[string]int            `json:"pending"`
	InFlight map[string][]SnapshotTask `json:"in_flight,omitempty"`

	Conversions   map[convert.Status]int `json:"conversions,omitempty"`
	DroppedEvents int64                  `json:"dropped_events,omitempty"`
}

// SnapshotTask is the visible slice of an in-flight task.
type SnapshotTask struct {
	ID      uint64 `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt,omitempty"`
}

// runSnapshots writes the advisory snapshot every interval until ctx
// is canceled. A final snapshot is written on the way out.
func (s *Supervisor) runSnapshots(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writeSnapshot()
			return ctx.Err()
		case <-ticker.C:
			s.writeSnapshot()
		}
	}
}

func (s *Supervisor) writeSnapshot() {
	snap := Snapshot{
		RunID:       s.runID,
		WrittenAt:   time.Now(),
		Pending:     make(map[string]int),
		InFlight:    make(map[string][]SnapshotTask),
		Conversions: s.ledger.Counts(),
	}
	for _, st := range []queue.Stage{queue.StageDownload, queue.StageProcess, queue.StageUpload} {
		snap.Pending[string(st)] = s.engine.Pending(st)
	}
	for st, tasks := range s.engine.InFlightSummary() {
		for _, t := range tasks {
			snap.InFlight[string(st)] = append(snap.InFlight[string(st)], SnapshotTask{
				ID:      t.ID,
				Type:    string(t.Type),
				Name:    t.DisplayName(),
				Attempt: t.RetryCount,
			})
		}
	}
	if s.bus != nil {
		snap.DroppedEvents = s.bus.Dropped()
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("encoding snapshot failed")
		return
	}
	tmp := s.cfg.SnapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Warn().Err(err).Msg("writing snapshot failed")
		return
	}
	if err := os.Rename(tmp, s.cfg.SnapshotPath()); err != nil {
		s.log.Warn().Err(err).Msg("replacing snapshot failed")
	}
}
