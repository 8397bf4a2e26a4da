package history

import (
	"maps"
	"sync"
	"time"
)

// Entry is one completed poll. Entries are never modified after Append.
type Entry struct {
	Question   string      `json:"question"`
	Options    []string    `json:"options"`
	FinalVotes map[int]int `json:"results"`
	EndedAt    time.Time   `json:"endedAt"`
}

// Log is the append-only record of completed polls, in expiry order.
// The coordinator appends; readers may snapshot from any goroutine.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(e Entry) {
	e = e.clone()
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Snapshot returns a deep copy of every entry so far.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

func (e Entry) clone() Entry {
	e.Options = append([]string(nil), e.Options...)
	if e.FinalVotes == nil {
		e.FinalVotes = map[int]int{}
	} else {
		e.FinalVotes = maps.Clone(e.FinalVotes)
	}
	return e
}
