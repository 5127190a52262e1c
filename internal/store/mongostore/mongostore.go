// Package mongostore implements the document half of the State Store:
// VerifiedFileEvents and the per-task event log (§4.6, §6.4), both
// naturally append-only and document-shaped rather than relational.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/store"
)

// Store implements store.FileEventStore on MongoDB.
type Store struct {
	client           *mongo.Client
	fileEvents       *mongo.Collection
	eventLogEntries  *mongo.Collection
}

// Open connects to uri and selects dbName, creating the indexes the Event
// Bus replay path and file-event listing rely on.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	db := client.Database(dbName)
	s := &Store{
		client:          client,
		fileEvents:      db.Collection("verified_file_events"),
		eventLogEntries: db.Collection("task_event_log"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.fileEvents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "timestamp_unix_nano", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create file event index: %w", err)
	}
	_, err = s.eventLogEntries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongostore: create event log index: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

type fileEventDoc struct {
	ID              string   `bson:"_id"`
	TaskID          string   `bson:"task_id"`
	Step            int      `bson:"step"`
	Path            string   `bson:"path"`
	Action          string   `bson:"action"`
	SizeBytes       int64    `bson:"size_bytes"`
	QualityPassed   []string `bson:"quality_passed"`
	QualityWarnings []string `bson:"quality_warnings"`
	Timestamp       int64    `bson:"timestamp_unix_nano"`
}

// AppendFileEvent persists e. Per §4.4 "Emission", callers must ensure
// exactly one call happens per affected path per tool invocation; this
// store does not deduplicate.
func (s *Store) AppendFileEvent(ctx context.Context, e *fsevent.Event) error {
	doc := fileEventDoc{
		ID: e.ID, TaskID: e.TaskID, Step: e.Step, Path: e.Path,
		Action: string(e.Action), SizeBytes: e.SizeBytes,
		QualityPassed:   checksToStrings(e.QualityPassed),
		QualityWarnings: checksToStrings(e.QualityWarnings),
		Timestamp:       e.Timestamp.UnixNano(),
	}
	_, err := s.fileEvents.InsertOne(ctx, doc)
	return err
}

// ListFileEvents returns every VerifiedFileEvent for taskID ordered by
// timestamp, satisfying invariant 5 of §8 (seq order implies timestamp
// order) since events are appended in commit order and never reordered.
func (s *Store) ListFileEvents(ctx context.Context, taskID string) ([]*fsevent.Event, error) {
	cur, err := s.fileEvents.Find(ctx, bson.D{{Key: "task_id", Value: taskID}},
		options.Find().SetSort(bson.D{{Key: "timestamp_unix_nano", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*fsevent.Event
	for cur.Next(ctx) {
		var doc fileEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	return out, cur.Err()
}

// DeleteFileEventsForTask removes every VerifiedFileEvent recorded for
// taskID, used by hybridstore.Store.DeleteCascade alongside pgstore's
// relational cascade delete (§3 "Lifecycle").
func (s *Store) DeleteFileEventsForTask(ctx context.Context, taskID string) error {
	_, err := s.fileEvents.DeleteMany(ctx, bson.D{{Key: "task_id", Value: taskID}})
	return err
}

func (d *fileEventDoc) toEvent() *fsevent.Event {
	return &fsevent.Event{
		ID: d.ID, TaskID: d.TaskID, Step: d.Step, Path: d.Path,
		Action:          fsevent.Action(d.Action),
		SizeBytes:       d.SizeBytes,
		QualityPassed:   stringsToChecks(d.QualityPassed),
		QualityWarnings: stringsToChecks(d.QualityWarnings),
		Timestamp:       unixNanoToTime(d.Timestamp),
	}
}

func checksToStrings(cs []fsevent.QualityCheck) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func stringsToChecks(ss []string) []fsevent.QualityCheck {
	out := make([]fsevent.QualityCheck, len(ss))
	for i, s := range ss {
		out[i] = fsevent.QualityCheck(s)
	}
	return out
}

func unixNanoToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }

var _ store.FileEventStore = (*Store)(nil)
