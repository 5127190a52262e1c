package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/taskmesh/orchestrator/internal/clock"
)

// InProcess is a same-process Bus: publishing fans out to every live
// Subscription for a task over buffered channels, and commits each event to
// an EventLog first so a late subscriber can replay what it missed (§4.5
// "Ordering"). It is the transport used when the Task Engine and the stream
// endpoint run in one binary; PulseBus is used across processes.
type InProcess struct {
	log   EventLog
	clock clock.Clock

	mu     sync.Mutex
	seq    map[string]uint64
	topics map[string][]*inprocSub
	buf    int
}

// NewInProcess constructs an in-process Bus backed by log for durability and
// replay. buf sizes each subscriber's channel; SlowSubscriber is returned
// from Subscription.Err once a subscriber falls behind by buf events. c
// timestamps published events and defaults to clock.Real{} when nil, letting
// tests inject a clock.Fake for deterministic ordering assertions.
func NewInProcess(log EventLog, c clock.Clock, buf int) *InProcess {
	if buf <= 0 {
		buf = 256
	}
	if c == nil {
		c = clock.Real{}
	}
	return &InProcess{
		log:    log,
		clock:  c,
		seq:    make(map[string]uint64),
		topics: make(map[string][]*inprocSub),
		buf:    buf,
	}
}

// ErrSlowSubscriber is returned by Subscription.Err when a subscriber could
// not keep up with its channel buffer and was dropped.
var ErrSlowSubscriber = fmt.Errorf("eventbus: subscriber fell behind and was dropped")

func (b *InProcess) Publish(ctx context.Context, taskID string, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	b.mu.Lock()
	b.seq[taskID]++
	seq := b.seq[taskID]
	b.mu.Unlock()

	evt := Event{TaskID: taskID, Seq: seq, Kind: kind, Payload: raw, Timestamp: b.clock.Now()}

	if err := b.log.AppendLogEntry(ctx, LogEntryView{
		TaskID: taskID, Seq: seq, Kind: string(kind), Payload: raw, Timestamp: evt.Timestamp,
	}); err != nil {
		return fmt.Errorf("eventbus: append log: %w", err)
	}

	b.mu.Lock()
	subs := append([]*inprocSub(nil), b.topics[taskID]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			s.drop()
		}
	}
	return nil
}

// Subscribe registers the subscription before reading the backlog, not
// after: a Publish that lands between the backlog read and registration
// would otherwise be missed by both, since it is neither in the snapshot
// already taken nor delivered to a subscriber that does not exist yet.
// Registering first means such a publish is merely replayed twice (once
// live, once from the backlog) rather than dropped, which matches the
// at-least-once guarantee this Bus gives subscribers.
func (b *InProcess) Subscribe(ctx context.Context, taskID string, sinceSeq uint64) (Subscription, error) {
	sub := &inprocSub{
		ch:   make(chan Event, b.buf),
		errc: make(chan error, 1),
	}

	b.mu.Lock()
	b.topics[taskID] = append(b.topics[taskID], sub)
	b.mu.Unlock()

	sub.unregister = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		rest := b.topics[taskID][:0]
		for _, s := range b.topics[taskID] {
			if s != sub {
				rest = append(rest, s)
			}
		}
		b.topics[taskID] = rest
	}

	backlog, err := b.log.ListLogEntriesSince(ctx, taskID, sinceSeq)
	if err != nil {
		sub.unregister()
		return nil, fmt.Errorf("eventbus: replay: %w", err)
	}

	for _, e := range backlog {
		sub.ch <- Event{TaskID: e.TaskID, Seq: e.Seq, Kind: Kind(e.Kind), Timestamp: e.Timestamp, Payload: e.Payload}
	}

	return sub, nil
}

type inprocSub struct {
	ch         chan Event
	errc       chan error
	once       sync.Once
	unregister func()
}

func (s *inprocSub) Events() <-chan Event { return s.ch }

func (s *inprocSub) Err() error {
	select {
	case err := <-s.errc:
		select {
		case s.errc <- err:
		default:
		}
		return err
	default:
		return nil
	}
}

func (s *inprocSub) Close() {
	s.once.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		close(s.ch)
	})
}

func (s *inprocSub) drop() {
	select {
	case s.errc <- ErrSlowSubscriber:
	default:
	}
	s.Close()
}
