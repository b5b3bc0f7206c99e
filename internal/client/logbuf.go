package client

import (
	"log"
	"sync"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Details   string
}

// LogBuffer is a fixed-capacity append-only log. When full, appends evict
// the oldest entry. Safe for concurrent use.
type LogBuffer struct {
	mu    sync.RWMutex
	buf   []LogEntry
	head  int
	count int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &LogBuffer{buf: make([]LogEntry, capacity)}
}

// Append records an entry, evicting the oldest when at capacity. Warnings
// and errors are mirrored to the process log.
func (b *LogBuffer) Append(level LogLevel, message, details string) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Details:   details,
	}

	b.mu.Lock()
	idx := (b.head + b.count) % len(b.buf)
	b.buf[idx] = entry
	if b.count == len(b.buf) {
		b.head = (b.head + 1) % len(b.buf)
	} else {
		b.count++
	}
	b.mu.Unlock()

	if level >= LevelWarning {
		if details != "" {
			log.Printf("[listentogether] %s: %s (%s)", level, message, details)
		} else {
			log.Printf("[listentogether] %s: %s", level, message)
		}
	}
}

// Snapshot returns all entries, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.RLock()
	out := make([]LogEntry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.mu.RUnlock()
	return out
}

func (b *LogBuffer) Len() int {
	b.mu.RLock()
	n := b.count
	b.mu.RUnlock()
	return n
}

func (b *LogBuffer) Clear() {
	b.mu.Lock()
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}
