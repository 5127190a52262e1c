// Package eventbus implements the Event Bus (§4.5): topic-keyed,
// per-topic-ordered pub/sub with two transports — an in-process channel for
// same-process subscribers, and a durable goa.design/pulse (Redis-backed)
// broker for cross-process subscribers such as the streaming API. Both
// transports implement the same Bus interface so callers never depend on
// the transport directly (§9 Design Notes: "unify under one interface with
// two transports").
package eventbus

import (
	"context"
	"encoding/json"
	"time"
)

// Kind enumerates the event kinds defined in §4.5.
type Kind string

const (
	KindStatus    Kind = "status"
	KindPlanReady Kind = "plan_ready"
	KindAgentLog  Kind = "agent_log"
	KindFileVerified Kind = "file_verified"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// Event is the envelope published on a task's topic. Seq is monotonically
// increasing per TaskID and is the idempotency key subscribers must key on
// (§8 "Idempotent delivery").
type Event struct {
	TaskID    string
	Seq       uint64
	Kind      Kind
	Timestamp time.Time
	Payload   json.RawMessage
}

type (
	// Publisher appends an event to a task's topic. Implementations commit
	// the event durably (via the State Store's per-task event log) before
	// fanning it out, so that a subscriber's reconnect-and-replay observes
	// exactly what was committed.
	Publisher interface {
		Publish(ctx context.Context, taskID string, kind Kind, payload any) error
	}

	// Subscription delivers events for one task topic until Close is called
	// or the subscriber falls behind the channel's buffer (at which point
	// Err returns a non-nil error and Events is closed).
	Subscription interface {
		Events() <-chan Event
		Err() error
		Close()
	}

	// Bus is the full Event Bus surface consumed by the Task Engine
	// (Publisher) and the External API's stream endpoint (Subscribe).
	Bus interface {
		Publisher

		// Subscribe opens a live subscription for taskID. The bus replays
		// every committed event with seq > sinceSeq (every committed event
		// when sinceSeq is 0) from the State Store's event log and also
		// delivers live events as they are published (§4.5 "Ordering").
		Subscribe(ctx context.Context, taskID string, sinceSeq uint64) (Subscription, error)
	}

	// EventLog is the durable per-task event log the Bus replays from on
	// reconnect. mongostore.EventLogAdapter implements this over
	// mongostore.Store's (task_id, seq)-keyed collection.
	EventLog interface {
		AppendLogEntry(ctx context.Context, e LogEntryView) error
		ListLogEntriesSince(ctx context.Context, taskID string, sinceSeq uint64) ([]LogEntryView, error)
	}

	// LogEntryView is the durably-logged shape of one Event, exchanged
	// between the Bus and the EventLog store.
	LogEntryView struct {
		TaskID    string
		Seq       uint64
		Kind      string
		Payload   json.RawMessage
		Timestamp time.Time
	}
)
