package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/taskmesh/orchestrator/internal/eventbus"
)

// EventLog is an in-memory eventbus.EventLog, the memory-driver counterpart
// to mongostore.EventLogAdapter, for the "inproc" Event Bus driver wired
// without Mongo (StoreConfig.Driver == "memory").
type EventLog struct {
	mu      sync.Mutex
	entries map[string][]eventbus.LogEntryView
}

// NewEventLog builds an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{entries: make(map[string][]eventbus.LogEntryView)}
}

func (l *EventLog) AppendLogEntry(ctx context.Context, e eventbus.LogEntryView) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.TaskID] = append(l.entries[e.TaskID], e)
	return nil
}

func (l *EventLog) ListLogEntriesSince(ctx context.Context, taskID string, sinceSeq uint64) ([]eventbus.LogEntryView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.LogEntryView
	for _, e := range l.entries[taskID] {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

var _ eventbus.EventLog = (*EventLog)(nil)
