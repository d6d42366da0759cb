package mqtt

import (
	"sync"
	"time"
)

type LogEntry struct {
	Time    time.Time `json:"time"`
	Topic   string    `json:"topic"`
	Payload string    `json:"payload"`
}

// MessageLog keeps the most recent messages seen on the bus.
type MessageLog struct {
	mu      sync.RWMutex
	size    int
	entries []LogEntry
	now     func() time.Time
}

func NewMessageLog(size int) *MessageLog {
	if size <= 0 {
		size = 30
	}
	return &MessageLog{size: size, entries: make([]LogEntry, 0, size), now: time.Now}
}

func (l *MessageLog) Add(topic string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, LogEntry{Time: l.now(), Topic: topic, Payload: string(payload)})
}

// Entries returns the log, newest first.
func (l *MessageLog) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}
