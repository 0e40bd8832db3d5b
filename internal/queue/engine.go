// Package queue implements the staged, durable FIFO engine at the
// heart of the pipeline. Each stage owns a line-appended journal of
// task records; workers pull the head ready task, execute it, and
// commit followups atomically with the removal of their predecessor.
// A task exists on disk before any worker touches it, so a crash at
// any point is recoverable by replaying the journals.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

// Stage names one of the pipeline stages.
type Stage string

const (
	StageDownload Stage = "download"
	StageProcess  Stage = "process"
	StageUpload   Stage = "upload"
)

// stages in fixed order, for deterministic iteration.
var allStages = []Stage{StageDownload, StageProcess, StageUpload}

// retryJournalName is the journal holding rescheduled tasks together
// with their origin stage.
const retryJournalName = "retry"

// Followup is a task to enqueue atomically with the completion of its
// predecessor.
type Followup struct {
	Stage Stage
	Task  *task.Task
}

// Quarantiner receives permanently failed tasks. The supervisor wires
// an implementation that records the terminal class and preserves
// input files for operator review.
type Quarantiner interface {
	Quarantine(t *task.Task, class faults.Class) error
}

// RetryPolicy carries the operator retry knobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseSeconds int
}

type stageState struct {
	name     Stage
	tasks    []*task.Task
	inFlight map[uint64]*task.Task
	wake     chan struct{}
}

func (s *stageState) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Engine is the staged queue engine. All mutation goes through its
// mutex; journals are single-writer by construction.
type Engine struct {
	mu       sync.Mutex
	dir      string
	stages   map[Stage]*stageState
	journals map[Stage]*journal
	retry    *journal

	// journalOf tracks which journal holds a live task's add record.
	journalOf map[uint64]*journal

	policy RetryPolicy
	quar   Quarantiner
	bus    *events.Bus
	log    zerolog.Logger

	now func() time.Time
}

// Open creates or opens the stage journals under dir. Restore must be
// called before workers start.
func Open(dir string, policy RetryPolicy, quar Quarantiner, bus *events.Bus, logger zerolog.Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}
	e := &Engine{
		dir:       dir,
		stages:    make(map[Stage]*stageState),
		journals:  make(map[Stage]*journal),
		journalOf: make(map[uint64]*journal),
		policy:    policy,
		quar:      quar,
		bus:       bus,
		log:       logger,
		now:       time.Now,
	}
	for _, st := range allStages {
		e.stages[st] = &stageState{
			name:     st,
			inFlight: make(map[uint64]*task.Task),
			wake:     make(chan struct{}, 1),
		}
		j, err := openJournal(journalPath(dir, st))
		if err != nil {
			e.Close()
			return nil, err
		}
		e.journals[st] = j
	}
	j, err := openJournal(journalPath(dir, retryJournalName))
	if err != nil {
		e.Close()
		return nil, err
	}
	e.retry = j
	return e, nil
}

// Close releases journal handles. Pending tasks stay on disk.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, j := range e.journals {
		if err := j.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.retry != nil {
		if err := e.retry.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Enqueue persists the task to the stage journal and notifies the
// stage worker. A zero id is assigned. Safe under concurrent
// producers.
func (e *Engine) Enqueue(stage Stage, t *task.Task) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enqueueLocked(stage, t); err != nil {
		return 0, err
	}
	e.publishTask(events.EventTaskQueued, stage, t)
	return t.ID, nil
}

func (e *Engine) enqueueLocked(stage Stage, t *task.Task) error {
	s, ok := e.stages[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if t.ID == 0 {
		t.ID = task.NextID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = e.now()
	}
	j := e.journals[stage]
	if err := j.append(record{Op: opAdd, Task: t}); err != nil {
		return err
	}
	e.journalOf[t.ID] = j
	s.tasks = append(s.tasks, t)
	s.notify()
	return nil
}

// Peek returns the head ready task without removing it, or nil.
func (e *Engine) Peek(stage Stage) *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stages[stage]
	if s == nil {
		return nil
	}
	now := e.now()
	for _, t := range s.tasks {
		if !t.Held && t.Ready(now) {
			return t
		}
	}
	return nil
}

// Acquire blocks until a ready task is available on the stage, marks
// it in-flight, and returns it. The task record stays on disk while in
// flight.
func (e *Engine) Acquire(ctx context.Context, stage Stage) (*task.Task, error) {
	for {
		e.mu.Lock()
		s := e.stages[stage]
		if s == nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("unknown stage %q", stage)
		}
		now := e.now()
		var nextReady time.Time
		for i, t := range s.tasks {
			if t.Held {
				continue
			}
			if t.Ready(now) {
				s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
				s.inFlight[t.ID] = t
				e.mu.Unlock()
				return t, nil
			}
			if nextReady.IsZero() || t.NextAttemptAt.Before(nextReady) {
				nextReady = t.NextAttemptAt
			}
		}
		wake := s.wake
		e.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !nextReady.IsZero() {
			timer = time.NewTimer(time.Until(nextReady))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Release returns an in-flight task to the head of its stage without
// touching disk. Used on shutdown so the journal record is replayed
// next start.
func (e *Engine) Release(stage Stage, t *task.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stages[stage]
	if s == nil {
		return
	}
	if _, ok := s.inFlight[t.ID]; !ok {
		return
	}
	delete(s.inFlight, t.ID)
	s.tasks = append([]*task.Task{t}, s.tasks...)
}

// Complete atomically removes an in-flight task and appends its
// followups, possibly to other stages.
func (e *Engine) Complete(stage Stage, id uint64, followups []Followup) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stages[stage]
	if s == nil {
		return fmt.Errorf("unknown stage %q", stage)
	}
	t, ok := s.inFlight[id]
	if !ok {
		return fmt.Errorf("task %d not in flight on %s", id, stage)
	}
	if err := e.removeLocked(id); err != nil {
		return err
	}
	delete(s.inFlight, id)
	for _, fu := range followups {
		if err := e.enqueueLocked(fu.Stage, fu.Task); err != nil {
			return err
		}
	}
	e.maybeCompactLocked()
	e.publishTask(events.EventTaskCompleted, stage, t)
	return nil
}

// Replace atomically removes a set of queued (not in-flight) tasks and
// inserts replacements at the position of the first removed task. The
// live album batcher and restore-time regrouping both use it to
// collapse individual upload records into album dispatches.
func (e *Engine) Replace(stage Stage, ids []uint64, replacements []*task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaceLocked(stage, ids, replacements)
}

func (e *Engine) replaceLocked(stage Stage, ids []uint64, replacements []*task.Task) error {
	s := e.stages[stage]
	if s == nil {
		return fmt.Errorf("unknown stage %q", stage)
	}
	idSet := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	insertAt := -1
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if idSet[t.ID] {
			if insertAt < 0 {
				insertAt = len(kept)
			}
			continue
		}
		kept = append(kept, t)
	}
	if insertAt < 0 {
		insertAt = len(kept)
	}
	for _, id := range ids {
		if err := e.removeLocked(id); err != nil {
			return err
		}
	}
	j := e.journals[stage]
	for _, r := range replacements {
		if r.ID == 0 {
			r.ID = task.NextID()
		}
		if r.EnqueuedAt.IsZero() {
			r.EnqueuedAt = e.now()
		}
		if err := j.append(record{Op: opAdd, Task: r}); err != nil {
			return err
		}
		e.journalOf[r.ID] = j
	}
	tail := append([]*task.Task{}, kept[insertAt:]...)
	s.tasks = append(append(kept[:insertAt], replacements...), tail...)
	s.notify()
	e.maybeCompactLocked()
	return nil
}

// Reschedule reinserts an in-flight task after a retryable failure.
// The record moves to the retry journal with its origin stage; budget
// accounting is the caller's concern.
func (e *Engine) Reschedule(stage Stage, t *task.Task, class faults.Class, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stages[stage]
	if s == nil {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if _, ok := s.inFlight[t.ID]; !ok {
		return fmt.Errorf("task %d not in flight on %s", t.ID, stage)
	}
	if err := e.removeLocked(t.ID); err != nil {
		return err
	}
	t.LastErrorClass = string(class)
	t.NextAttemptAt = e.now().Add(delay)
	if err := e.retry.append(record{Op: opAdd, Stage: stage, Task: t}); err != nil {
		return err
	}
	e.journalOf[t.ID] = e.retry
	delete(s.inFlight, t.ID)
	s.tasks = append(s.tasks, t)
	s.notify()
	e.maybeCompactLocked()
	return nil
}

// Drop removes an in-flight task and hands it to the quarantiner. The
// removal commits even when the quarantiner errors; quarantine is
// best-effort preservation, not a second journal.
func (e *Engine) Drop(stage Stage, t *task.Task, class faults.Class) error {
	e.mu.Lock()
	s := e.stages[stage]
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("unknown stage %q", stage)
	}
	if _, ok := s.inFlight[t.ID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %d not in flight on %s", t.ID, stage)
	}
	if err := e.removeLocked(t.ID); err != nil {
		e.mu.Unlock()
		return err
	}
	delete(s.inFlight, t.ID)
	e.maybeCompactLocked()
	e.mu.Unlock()

	if e.quar != nil {
		if err := e.quar.Quarantine(t, class); err != nil {
			e.log.Error().Err(err).Uint64("task", t.ID).Msg("quarantine record failed")
		}
	}
	e.publishTask(events.EventTaskQuarantined, stage, t)
	return nil
}

func (e *Engine) removeLocked(id uint64) error {
	j := e.journalOf[id]
	if j == nil {
		return fmt.Errorf("no journal holds task %d", id)
	}
	if err := j.append(record{Op: opDel, ID: id}); err != nil {
		return err
	}
	delete(e.journalOf, id)
	return nil
}

func (e *Engine) maybeCompactLocked() {
	for st, j := range e.journals {
		if j.needsCompaction() {
			if err := e.compactLocked(st, j); err != nil {
				e.log.Error().Err(err).Str("stage", string(st)).Msg("journal compaction failed")
			}
		}
	}
	if e.retry.needsCompaction() {
		if err := e.compactRetryLocked(); err != nil {
			e.log.Error().Err(err).Msg("retry journal compaction failed")
		}
	}
}

// compactLocked rewrites a stage journal as pure adds for its live
// tasks, in queue order. In-flight tasks are still live on disk.
func (e *Engine) compactLocked(stage Stage, j *journal) error {
	s := e.stages[stage]
	var recs []record
	for _, t := range s.inFlight {
		if e.journalOf[t.ID] == j {
			recs = append(recs, record{Op: opAdd, Task: t})
		}
	}
	for _, t := range s.tasks {
		if e.journalOf[t.ID] == j {
			recs = append(recs, record{Op: opAdd, Task: t})
		}
	}
	return j.rewrite(recs)
}

func (e *Engine) compactRetryLocked() error {
	var recs []record
	for st, s := range e.stages {
		for _, t := range s.inFlight {
			if e.journalOf[t.ID] == e.retry {
				recs = append(recs, record{Op: opAdd, Stage: st, Task: t})
			}
		}
		for _, t := range s.tasks {
			if e.journalOf[t.ID] == e.retry {
				recs = append(recs, record{Op: opAdd, Stage: st, Task: t})
			}
		}
	}
	return e.retry.rewrite(recs)
}

// Pending returns the number of queued (not in-flight) tasks.
func (e *Engine) Pending(stage Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.stages[stage]; s != nil {
		return len(s.tasks)
	}
	return 0
}

// InFlight returns the number of in-flight tasks on a stage.
func (e *Engine) InFlight(stage Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.stages[stage]; s != nil {
		return len(s.inFlight)
	}
	return 0
}

// Idle reports whether every named stage has no queued and no in-flight
// tasks. The deferred conversion worker drains only while Download and
// Upload are idle.
func (e *Engine) Idle(stages ...Stage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range stages {
		s := e.stages[st]
		if s == nil {
			continue
		}
		if len(s.tasks) > 0 || len(s.inFlight) > 0 {
			return false
		}
	}
	return true
}

// Tasks returns the queued tasks of a stage in order. Used after
// restore to rebuild the cleanup registries; callers must not mutate
// the returned tasks.
func (e *Engine) Tasks(stage Stage) []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stages[stage]
	if s == nil {
		return nil
	}
	out := make([]*task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// InFlightSummary returns copies of all in-flight tasks for the
// advisory snapshot.
func (e *Engine) InFlightSummary() map[Stage][]task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Stage][]task.Task)
	for st, s := range e.stages {
		for _, t := range s.inFlight {
			out[st] = append(out[st], *t)
		}
	}
	return out
}

func (e *Engine) publishTask(typ events.EventType, stage Stage, t *task.Task) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TaskEvent{
		BaseEvent: events.BaseEvent{EventType: typ, Time: e.now()},
		TaskID:    t.ID,
		TaskType:  string(t.Type),
		Name:      t.DisplayName(),
		Stage:     string(stage),
		Class:     t.LastErrorClass,
		Attempt:   t.RetryCount,
		Budget:    e.policy.MaxAttempts,
	})
}
