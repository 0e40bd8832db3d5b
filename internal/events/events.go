// Package events provides an in-process event bus for user-visible
// pipeline status. The bus observes the pipeline, it does not drive it:
// workers publish, subscribers (status command, outbound reply hooks)
// consume. Publishing never blocks; events are dropped when a
// subscriber's buffer is full.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the types of events that can be emitted.
type EventType string

const (
	EventTaskQueued      EventType = "task_queued"
	EventTaskStarted     EventType = "task_started"
	EventTaskProgress    EventType = "task_progress"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"      // first retryable failure of a class
	EventTaskQuarantined EventType = "task_quarantined" // terminal failure
	EventBatchSent       EventType = "batch_sent"
	EventPaused          EventType = "paused" // backpressure or admission gate
	EventResumed         EventType = "resumed"
	EventAwaitingSecret  EventType = "awaiting_secret"
	EventRestoreSummary  EventType = "restore_summary"
)

const defaultBuffer = 256

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// TaskEvent reports a lifecycle transition of a single task.
type TaskEvent struct {
	BaseEvent
	TaskID   uint64
	TaskType string
	Name     string
	Stage    string
	Class    string        // error class for failed/quarantined
	Wait     time.Duration // required wait, if any
	Attempt  int
	Budget   int
	Progress int // percent, for progress events
}

// BatchEvent reports an album batch reaching the recipient.
type BatchEvent struct {
	BaseEvent
	ArchiveName string
	Kind        string
	Index       int
	Total       int
	Files       int
}

// PauseEvent reports a producer pausing or resuming with a reason.
type PauseEvent struct {
	BaseEvent
	Stage  string
	Reason string // "low-storage", "wifi-only", "rate-limit", "auth"
}

// SecretEvent reports an archive blocking on a password.
type SecretEvent struct {
	BaseEvent
	ArchiveName string
}

// RestoreEvent summarizes a startup restoration.
type RestoreEvent struct {
	BaseEvent
	Restored  int
	Regrouped int // individual upload tasks collapsed into albums
	Albums    int
	Skipped   int // unknown discriminants or missing files
}

// Bus manages event subscriptions and publishing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber channel.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Dropped returns the number of events dropped due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
