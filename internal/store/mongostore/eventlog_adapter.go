package mongostore

import (
	"context"

	"github.com/taskmesh/orchestrator/internal/eventbus"
)

// EventLogAdapter exposes Store's event log in the shape the Bus expects
// (eventbus.EventLog), keeping mongostore's own LogEntry type free of a
// dependency on the eventbus package.
type EventLogAdapter struct{ Store *Store }

func (a EventLogAdapter) AppendLogEntry(ctx context.Context, e eventbus.LogEntryView) error {
	return a.Store.AppendLogEntry(ctx, LogEntry{
		TaskID: e.TaskID, Seq: e.Seq, Kind: e.Kind,
		Payload: e.Payload, Timestamp: e.Timestamp,
	})
}

func (a EventLogAdapter) ListLogEntriesSince(ctx context.Context, taskID string, sinceSeq uint64) ([]eventbus.LogEntryView, error) {
	entries, err := a.Store.ListLogEntriesSince(ctx, taskID, sinceSeq)
	if err != nil {
		return nil, err
	}
	out := make([]eventbus.LogEntryView, len(entries))
	for i, e := range entries {
		out[i] = eventbus.LogEntryView{
			TaskID: e.TaskID, Seq: e.Seq, Kind: e.Kind,
			Payload: e.Payload, Timestamp: e.Timestamp,
		}
	}
	return out, nil
}

var _ eventbus.EventLog = EventLogAdapter{}
