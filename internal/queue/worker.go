package queue

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/relaybot/mediarelay/internal/events"
	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

// ExecFunc executes one task and returns the followups to commit with
// its completion. Errors must be classified; anything unclassifiable
// becomes PERMANENT once the retry budget runs out.
type ExecFunc func(ctx context.Context, t *task.Task) ([]Followup, error)

// GateFunc blocks until the stage may admit its next task. The
// download worker's admission gate (wifi-only policy) and the upload
// worker's auth pause both plug in here; gates are consulted between
// tasks, never mid-task.
type GateFunc func(ctx context.Context) error

// RunOptions tunes a stage worker pool.
type RunOptions struct {
	Concurrency int
	Gate        GateFunc

	// OnAuth, when set, handles credential rejections: the failed task
	// goes back to the head of the queue untouched and the hook fires,
	// typically closing the stage's Gate until an operator intervenes.
	// Without it, AUTH drops to quarantine like any non-retryable class.
	OnAuth func()
}

// RunStage runs worker goroutines for a stage until ctx is canceled.
// Each worker pulls the head ready task, executes it, and applies the
// retry policy on failure: classified retryable errors reschedule with
// the class backoff (rate-limit waits honored exactly, no budget),
// budget exhaustion and non-retryable classes quarantine.
func (e *Engine) RunStage(ctx context.Context, stage Stage, exec ExecFunc, opts RunOptions) error {
	n := opts.Concurrency
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return e.workerLoop(ctx, stage, exec, opts)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) workerLoop(ctx context.Context, stage Stage, exec ExecFunc, opts RunOptions) error {
	for {
		if opts.Gate != nil {
			if err := opts.Gate(ctx); err != nil {
				return err
			}
		}
		t, err := e.Acquire(ctx, stage)
		if err != nil {
			return err
		}
		e.publishTask(events.EventTaskStarted, stage, t)

		followups, execErr := exec(ctx, t)
		if execErr == nil {
			if err := e.Complete(stage, t.ID, followups); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			// Shutdown: put the task back in memory; its journal
			// record is intact and will be replayed on restart.
			e.Release(stage, t)
			return ctx.Err()
		}
		if faults.ClassOf(execErr) == faults.Auth && opts.OnAuth != nil {
			// The credential is rejected for every task, not just this
			// one. Park the task at the head and pause the stage.
			e.log.Error().Err(execErr).Uint64("task", t.ID).Str("stage", string(stage)).
				Msg("credential rejected, pausing stage")
			e.Release(stage, t)
			opts.OnAuth()
			continue
		}
		if err := e.handleFailure(stage, t, execErr); err != nil {
			return err
		}
	}
}

// handleFailure applies the retry policy to a classified execution
// error.
func (e *Engine) handleFailure(stage Stage, t *task.Task, execErr error) error {
	class := faults.ClassOf(execErr)
	prevClass := t.LastErrorClass

	retryable := faults.Retryable(class)
	var delay = faults.WaitOf(execErr)
	if faults.ConsumesBudget(class) {
		t.RetryCount++
		if t.RetryCount >= e.policy.MaxAttempts {
			if retryable {
				e.log.Warn().Uint64("task", t.ID).Str("class", string(class)).
					Int("attempts", t.RetryCount).Msg("retry budget exhausted")
			}
			retryable = false
			if class != faults.Auth && class != faults.Canceled {
				class = faults.Permanent
			}
		}
		if delay == 0 {
			delay = faults.Backoff(class, t.RetryCount, e.policy.BaseSeconds)
		}
	}

	if !retryable {
		e.log.Error().Err(execErr).Uint64("task", t.ID).Str("stage", string(stage)).
			Str("class", string(class)).Msg("task failed permanently")
		return e.Drop(stage, t, class)
	}

	e.log.Warn().Err(execErr).Uint64("task", t.ID).Str("stage", string(stage)).
		Str("class", string(class)).Dur("delay", delay).
		Int("attempt", t.RetryCount).Int("budget", e.policy.MaxAttempts).
		Msg("task failed, rescheduling")
	if err := e.Reschedule(stage, t, class, delay); err != nil {
		return err
	}
	// One concise status update on the first occurrence of a class;
	// repeats of the same class stay quiet.
	if e.bus != nil && prevClass != string(class) {
		e.bus.Publish(events.TaskEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventTaskFailed, Time: e.now()},
			TaskID:    t.ID,
			TaskType:  string(t.Type),
			Name:      t.DisplayName(),
			Stage:     string(stage),
			Class:     string(class),
			Wait:      delay,
			Attempt:   t.RetryCount,
			Budget:    e.policy.MaxAttempts,
		})
	}
	return nil
}
