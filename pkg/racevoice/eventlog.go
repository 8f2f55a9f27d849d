package racevoice

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntryKind classifies session event log entries.
type LogEntryKind string

const (
	LogKindSent     LogEntryKind = "sent"
	LogKindReceived LogEntryKind = "received"
	LogKindTool     LogEntryKind = "tool"
	LogKindError    LogEntryKind = "error"
)

// LogEntry is one structured session event.
type LogEntry struct {
	ID       uuid.UUID
	Time     time.Time
	Kind     LogEntryKind
	Type     MessageType
	Category MessageCategory
	Note     string
}

// LogFlusher persists batches of entries. The bridge only buffers; storage
// belongs to the host application.
type LogFlusher interface {
	Flush(entries []LogEntry) error
}

// EventLog is a rolling, size-bounded in-memory session event log,
// periodically flushed through the external flusher.
type EventLog struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	flusher  LogFlusher
	interval time.Duration
	stop     chan struct{}
	stopped  bool
}

func NewEventLog(capacity int, flusher LogFlusher, interval time.Duration) *EventLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventLog{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		flusher:  flusher,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Record appends an entry, evicting the oldest once capacity is reached.
func (el *EventLog) Record(kind LogEntryKind, msgType MessageType, category MessageCategory, note string) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry := LogEntry{
		ID:       uuid.New(),
		Time:     time.Now(),
		Kind:     kind,
		Type:     msgType,
		Category: category,
		Note:     note,
	}
	el.entries = append(el.entries, entry)
	if len(el.entries) > el.capacity {
		el.entries = el.entries[len(el.entries)-el.capacity:]
	}
}

// Snapshot returns a copy of the buffered entries.
func (el *EventLog) Snapshot() []LogEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	out := make([]LogEntry, len(el.entries))
	copy(out, el.entries)
	return out
}

// Start launches the periodic flush loop. No-op without a flusher.
func (el *EventLog) Start() {
	if el.flusher == nil || el.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(el.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				el.flush()
			case <-el.stop:
				el.flush()
				return
			}
		}
	}()
}

// Stop terminates the flush loop after a final flush. Idempotent.
func (el *EventLog) Stop() {
	el.mu.Lock()
	if el.stopped {
		el.mu.Unlock()
		return
	}
	el.stopped = true
	el.mu.Unlock()
	close(el.stop)
}

func (el *EventLog) flush() {
	if el.flusher == nil {
		return
	}
	batch := el.Snapshot()
	if len(batch) == 0 {
		return
	}
	// Flush failures are the collaborator's problem; the ring keeps rolling.
	_ = el.flusher.Flush(batch)
}
