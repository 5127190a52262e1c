package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// LogEntry is one durable record of the per-task event log keyed by
// (task_id, seq), backing the Event Bus's reconnect-and-replay path
// (§4.5 "On subscriber connect, the bus replays events that occurred since
// the last persisted event id the subscriber provides").
type LogEntry struct {
	TaskID    string
	Seq       uint64
	Kind      string
	Payload   json.RawMessage
	Timestamp time.Time
}

type logEntryDoc struct {
	TaskID    string          `bson:"task_id"`
	Seq       uint64          `bson:"seq"`
	Kind      string          `bson:"kind"`
	Payload   []byte          `bson:"payload"`
	Timestamp int64           `bson:"timestamp_unix_nano"`
}

// AppendLogEntry persists e. Seq must be the next unused sequence number
// for e.TaskID; the unique (task_id, seq) index turns a duplicate append
// into an error rather than silent data loss.
func (s *Store) AppendLogEntry(ctx context.Context, e LogEntry) error {
	doc := logEntryDoc{
		TaskID: e.TaskID, Seq: e.Seq, Kind: e.Kind,
		Payload:   []byte(e.Payload),
		Timestamp: e.Timestamp.UnixNano(),
	}
	_, err := s.eventLogEntries.InsertOne(ctx, doc)
	return err
}

// ListLogEntriesSince returns every log entry for taskID with seq strictly
// greater than sinceSeq, ordered oldest first, for use when a stream
// subscriber reconnects with the last sequence number it observed.
func (s *Store) ListLogEntriesSince(ctx context.Context, taskID string, sinceSeq uint64) ([]LogEntry, error) {
	cur, err := s.eventLogEntries.Find(ctx,
		bson.D{{Key: "task_id", Value: taskID}, {Key: "seq", Value: bson.D{{Key: "$gt", Value: sinceSeq}}}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []LogEntry
	for cur.Next(ctx) {
		var doc logEntryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, LogEntry{
			TaskID: doc.TaskID, Seq: doc.Seq, Kind: doc.Kind,
			Payload:   json.RawMessage(doc.Payload),
			Timestamp: time.Unix(0, doc.Timestamp).UTC(),
		})
	}
	return out, cur.Err()
}
