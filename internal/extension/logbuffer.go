package extension

import (
	"sync"
	"time"
)

// LogEntry is a single log line emitted by an extension through the services
// bridge.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Extension string         `json:"extension"`
	Level     string         `json:"level"` // debug, info, warn, error
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a ring buffer of extension log entries, served by the admin
// API so operators can inspect a misbehaving extension without grepping the
// host log.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

// NewLogBuffer creates a log buffer holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Log appends an entry, evicting the oldest when full.
func (b *LogBuffer) Log(identifier, level, message string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = LogEntry{
		Timestamp: time.Now(),
		Extension: identifier,
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Recent returns the most recent n entries, newest first.
func (b *LogBuffer) Recent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count || n <= 0 {
		n = b.count
	}
	result := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		result[i] = b.entries[idx]
	}
	return result
}

// ForExtension returns entries for one identifier, newest first.
func (b *LogBuffer) ForExtension(identifier string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []LogEntry
	for i := 0; i < b.count; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if b.entries[idx].Extension == identifier {
			result = append(result, b.entries[idx])
		}
	}
	return result
}

// ByLevel returns entries at the given level, newest first.
func (b *LogBuffer) ByLevel(level string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []LogEntry
	for i := 0; i < b.count; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if b.entries[idx].Level == level {
			result = append(result, b.entries[idx])
		}
	}
	return result
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
