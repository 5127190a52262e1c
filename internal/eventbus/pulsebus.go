// Package eventbus's Pulse transport mirrors goa-ai's
// features/stream/pulse layering: a thin Client interface wraps a Redis
// connection, Publish opens (or reuses) a Pulse stream named after the task
// and appends an entry, and Subscribe opens a consumer-group sink on that
// stream and decodes entries back into Event values. This is the transport
// used when the stream API runs in a different process than the Task
// Engine (§9 Design Notes: "durable cross-process transport").
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/taskmesh/orchestrator/internal/clock"
)

type (
	// PulseClient exposes the subset of goa.design/pulse needed by PulseBus,
	// narrowed the same way goa-ai's clients/pulse.Client narrows the SDK so
	// tests can substitute a fake without standing up Redis.
	PulseClient interface {
		Stream(name string) (PulseStream, error)
	}

	// PulseStream is a single Pulse stream handle.
	PulseStream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string) (PulseSink, error)
	}

	// PulseSink is a consumer-group handle on a Pulse stream.
	PulseSink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, evt *streaming.Event) error
		Close(ctx context.Context)
	}
)

type redisPulseClient struct {
	redis *redis.Client
}

// NewRedisPulseClient builds a PulseClient backed by an existing Redis
// connection, the layering goa-ai uses so services own one Redis pool for
// both publishing and consuming.
func NewRedisPulseClient(rdb *redis.Client) PulseClient {
	return &redisPulseClient{redis: rdb}
}

func (c *redisPulseClient) Stream(name string) (PulseStream, error) {
	str, err := streaming.NewStream(name, c.redis)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open pulse stream: %w", err)
	}
	return &redisPulseStream{stream: str}, nil
}

type redisPulseStream struct{ stream *streaming.Stream }

func (s *redisPulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func (s *redisPulseStream) NewSink(ctx context.Context, name string) (PulseSink, error) {
	sink, err := s.stream.NewSink(ctx, name)
	if err != nil {
		return nil, err
	}
	return &redisPulseSink{sink: sink}, nil
}

// redisPulseSink adapts *streaming.Sink to PulseSink, mirroring goa-ai's own
// sinkAdapter (clients/pulse/client.go) which exists for the same reason:
// the concrete SDK type's Close may not match the narrower interface shape.
type redisPulseSink struct{ sink *streaming.Sink }

func (s *redisPulseSink) Subscribe() <-chan *streaming.Event        { return s.sink.Subscribe() }
func (s *redisPulseSink) Ack(ctx context.Context, e *streaming.Event) error { return s.sink.Ack(ctx, e) }
func (s *redisPulseSink) Close(ctx context.Context)                 { s.sink.Close(ctx) }

// PulseBus is a Bus backed by Redis-resident Pulse streams, one stream per
// task topic named "task/<taskID>". Like InProcess, every publish commits to
// the EventLog first so replay-on-reconnect observes exactly what was
// committed, independent of Redis's own retention.
type PulseBus struct {
	client   PulseClient
	log      EventLog
	clock    clock.Clock
	sinkName string
}

// NewPulseBus constructs a Pulse-backed Bus. sinkName identifies the
// consumer group every Subscribe call joins; pass a stable name per
// logical subscriber class (e.g. "stream-api") so reconnects resume the
// same group instead of fanning out duplicate groups.
func NewPulseBus(client PulseClient, log EventLog, c clock.Clock, sinkName string) *PulseBus {
	if c == nil {
		c = clock.Real{}
	}
	if sinkName == "" {
		sinkName = "orchestrator_stream"
	}
	return &PulseBus{client: client, log: log, clock: c, sinkName: sinkName}
}

func streamName(taskID string) string { return fmt.Sprintf("task/%s", taskID) }

func (b *PulseBus) Publish(ctx context.Context, taskID string, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	backlog, err := b.log.ListLogEntriesSince(ctx, taskID, 0)
	if err != nil {
		return fmt.Errorf("eventbus: read seq: %w", err)
	}
	var seq uint64
	for _, e := range backlog {
		if e.Seq > seq {
			seq = e.Seq
		}
	}
	seq++

	ts := b.clock.Now()
	if err := b.log.AppendLogEntry(ctx, LogEntryView{TaskID: taskID, Seq: seq, Kind: string(kind), Payload: raw, Timestamp: ts}); err != nil {
		return fmt.Errorf("eventbus: append log: %w", err)
	}

	str, err := b.client.Stream(streamName(taskID))
	if err != nil {
		return err
	}
	env := wireEnvelope{TaskID: taskID, Seq: seq, Kind: string(kind), Timestamp: ts, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	if _, err := str.Add(ctx, string(kind), body); err != nil {
		return fmt.Errorf("eventbus: publish to pulse: %w", err)
	}
	return nil
}

// Subscribe opens the sink and starts consuming it before reading the
// backlog, not after: an entry published between the backlog read and the
// sink's existence would otherwise land in neither, since the consumer
// group is not there yet to receive it live and the snapshot was already
// taken. Opening the sink first means such an entry is merely delivered
// twice (once from the live stream, once from the backlog) instead of
// dropped, the same at-least-once tradeoff InProcess.Subscribe makes.
func (b *PulseBus) Subscribe(ctx context.Context, taskID string, sinceSeq uint64) (Subscription, error) {
	str, err := b.client.Stream(streamName(taskID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, b.sinkName)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open sink: %w", err)
	}

	sub := &pulseSub{
		ch:   make(chan Event, 256),
		errc: make(chan error, 1),
		sink: sink,
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go sub.consume(runCtx)

	backlog, err := b.log.ListLogEntriesSince(ctx, taskID, sinceSeq)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("eventbus: replay: %w", err)
	}
	for _, e := range backlog {
		sub.ch <- Event{TaskID: e.TaskID, Seq: e.Seq, Kind: Kind(e.Kind), Timestamp: e.Timestamp, Payload: e.Payload}
	}
	return sub, nil
}

type wireEnvelope struct {
	TaskID    string          `json:"task_id"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type pulseSub struct {
	ch     chan Event
	errc   chan error
	sink   PulseSink
	cancel context.CancelFunc
}

func (s *pulseSub) consume(ctx context.Context) {
	defer close(s.ch)
	ch := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env wireEnvelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				select {
				case s.errc <- fmt.Errorf("eventbus: decode pulse entry: %w", err):
				default:
				}
				return
			}
			select {
			case s.ch <- Event{TaskID: env.TaskID, Seq: env.Seq, Kind: Kind(env.Kind), Timestamp: env.Timestamp, Payload: env.Payload}:
			case <-ctx.Done():
				return
			}
			if err := s.sink.Ack(ctx, evt); err != nil {
				select {
				case s.errc <- fmt.Errorf("eventbus: ack pulse entry: %w", err):
				default:
				}
				return
			}
		}
	}
}

func (s *pulseSub) Events() <-chan Event { return s.ch }

func (s *pulseSub) Err() error {
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

func (s *pulseSub) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.sink.Close(context.Background())
}
