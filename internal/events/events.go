// Package events provides a publish-subscribe event bus for recorder
// lifecycle notifications within the recsup supervisor.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Recorder state events.
const (
	RecorderStateStopped  EventType = "RECORDER_STATE_STOPPED"
	RecorderStateStarting EventType = "RECORDER_STATE_STARTING"
	RecorderStateRunning  EventType = "RECORDER_STATE_RUNNING"
	RecorderStateStopping EventType = "RECORDER_STATE_STOPPING"
	RecorderStateExited   EventType = "RECORDER_STATE_EXITED"
	RecorderStateFatal    EventType = "RECORDER_STATE_FATAL"
)

// Recorder log events.
const (
	RecorderLogStdout EventType = "RECORDER_LOG_STDOUT"
	RecorderLogStderr EventType = "RECORDER_LOG_STDERR"
)

// Policy enforcement events.
const (
	ConflictRejected EventType = "CONFLICT_REJECTED"
	RestartLimited   EventType = "RESTART_LIMITED"
	CleanupRun       EventType = "CLEANUP_RUN"
	CleanupSkipped   EventType = "CLEANUP_SKIPPED"
)

// Storage events.
const (
	QuotaExceeded EventType = "QUOTA_EXCEEDED"
	QuotaCleared  EventType = "QUOTA_CLEARED"
)

// Supervisor state events.
const (
	SupervisorStateRunning  EventType = "SUPERVISOR_STATE_RUNNING"
	SupervisorStateStopping EventType = "SUPERVISOR_STATE_STOPPING"
)

// Periodic tick events.
const (
	Tick5    EventType = "TICK_5"
	Tick60   EventType = "TICK_60"
	Tick3600 EventType = "TICK_3600"
)

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

type entry struct {
	id uint64
	fn HandlerFunc
}

// Bus dispatches published events to subscribed handlers. It is safe
// for concurrent use; publishing with no subscribers costs nothing.
type Bus struct {
	mu      sync.RWMutex
	entries map[EventType][]entry
	lastID  uint64
	logger  *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		entries: make(map[EventType][]entry),
		logger:  logger,
	}
}

// Subscribe registers a handler for the given event type and returns
// an ID for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, fn HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	b.entries[eventType] = append(b.entries[eventType], entry{id: b.lastID, fn: fn})
	return b.lastID
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for et, list := range b.entries {
		for i := range list {
			if list[i].id != id {
				continue
			}
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.entries, et)
			} else {
				b.entries[et] = list
			}
			return
		}
	}
}

// Publish calls every handler subscribed to the event's type,
// synchronously and in registration order. A handler panic is
// recovered and logged; the rest still run.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	// Snapshot under the read lock so a handler may subscribe or
	// unsubscribe without deadlocking.
	snapshot := append([]entry(nil), b.entries[event.Type]...)
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.invoke(e.fn, event)
	}
}

func (b *Bus) invoke(fn HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	fn(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries[eventType])
}

// Ticker emits periodic TICK events. Call Stop to shut it down.
type Ticker struct {
	bus  *Bus
	quit chan struct{}
	done chan struct{}
}

// tickIntervals maps each tick event to its period.
var tickIntervals = []struct {
	event  EventType
	period time.Duration
}{
	{Tick5, 5 * time.Second},
	{Tick60, 60 * time.Second},
	{Tick3600, time.Hour},
}

// NewTicker starts emitting TICK_5, TICK_60, and TICK_3600 events.
// The 60-second tick drives the storage quota monitor.
func NewTicker(bus *Bus) *Ticker {
	t := &Ticker{
		bus:  bus,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer close(t.done)

	tickers := make([]*time.Ticker, len(tickIntervals))
	for i, ti := range tickIntervals {
		tickers[i] = time.NewTicker(ti.period)
		defer tickers[i].Stop()
	}

	for {
		select {
		case <-t.quit:
			return
		case now := <-tickers[0].C:
			t.bus.Publish(Event{Type: Tick5, Timestamp: now})
		case now := <-tickers[1].C:
			t.bus.Publish(Event{Type: Tick60, Timestamp: now})
		case now := <-tickers[2].C:
			t.bus.Publish(Event{Type: Tick3600, Timestamp: now})
		}
	}
}

// Stop terminates the ticker goroutine and waits for it to finish.
func (t *Ticker) Stop() {
	close(t.quit)
	<-t.done
}
