// Package leasesweeper implements the Lease Sweeper (§4.1, §5): a
// periodic scan that reclaims tasks whose owning worker stopped sending
// heartbeats, transitioning them to failed("lease_expired") so a stuck or
// crashed worker never leaves a task stranded in an executing status
// forever.
package leasesweeper

import (
	"context"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/eventbus"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/store"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/telemetry"
)

// Config carries the sweeper's own policy knobs (§4.1 "Lease").
type Config struct {
	// TBeat is the heartbeat interval a worker is expected to honor.
	TBeat time.Duration
	// TLease is the staleness threshold past which a task's lease is
	// considered expired; recommended 3 x TBeat.
	TLease time.Duration
	// Schedule is the cron expression controlling how often the sweeper
	// scans. A period shorter than TLease is recommended so a reclaim is
	// never delayed by much more than one sweep interval.
	Schedule string
}

// DefaultConfig returns TBeat=15s, TLease=45s (3xTBeat), scanning every 10
// seconds.
func DefaultConfig() Config {
	beat := 15 * time.Second
	return Config{TBeat: beat, TLease: 3 * beat, Schedule: "@every 10s"}
}

// Sweeper drives periodic lease reclamation via robfig/cron/v3.
type Sweeper struct {
	store store.Store
	bus   eventbus.Publisher
	clock clock.Clock
	cfg   Config
	log   telemetry.Logger

	cron *robfigcron.Cron

	// onReclaim, when set, is called with each reclaimed task ID after its
	// failed transition commits. cmd/orchestratord wires it to
	// Scheduler.Enqueue with the reclaimed task's own ID; tests use it to
	// observe which tasks were reclaimed.
	onReclaim func(taskID string)
}

// New builds a Sweeper. log defaults to a no-op when nil.
func New(st store.Store, bus eventbus.Publisher, clk clock.Clock, cfg Config, log telemetry.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sweeper{store: st, bus: bus, clock: clk, cfg: cfg, log: log}
}

// OnReclaim registers a callback invoked after each reclaimed task's
// failed transition commits.
func (s *Sweeper) OnReclaim(fn func(taskID string)) {
	s.onReclaim = fn
}

// Start schedules SweepOnce on cfg.Schedule and returns immediately; the
// cron job keeps running until Stop is called. cron.New's default parser
// takes five-field (minute-resolution) specs and also accepts "@every"
// descriptors, which is what allows the sub-minute sweep intervals this
// package recommends.
func (s *Sweeper) Start(ctx context.Context) error {
	c := robfigcron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		s.SweepOnce(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the cron schedule. Any sweep already in flight is allowed to
// finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// SweepOnce runs one reclamation pass: every task whose heartbeat is older
// than TLease is transitioned to failed via task.LeaseExpire, and its
// descendants are left untouched (a stale lease is a worker-liveness
// concern, not a cancellation, so it does not cascade per §4.2).
func (s *Sweeper) SweepOnce(ctx context.Context) {
	before := s.clock.Now().Add(-s.cfg.TLease)
	stale, err := s.store.ListByStatusAndStaleHeartbeat(ctx, before)
	if err != nil {
		s.warn(ctx, "leasesweeper: list stale tasks failed", "error", err.Error())
		return
	}
	for _, t := range stale {
		s.reclaim(ctx, t)
	}
}

func (s *Sweeper) reclaim(ctx context.Context, t *task.Task) {
	next, err := task.LeaseExpire(t.Status)
	if err != nil {
		// Not actually in an executing status anymore (resolved between the
		// store's read and this pass); nothing to do.
		return
	}
	expected := t.Status
	t.Status = next
	t.ErrorKind = string(kinds.KindLeaseExpired)
	t.ErrorMessage = "lease_expired"
	t.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateExpected(ctx, t, expected); err != nil {
		if err == store.ErrConflict {
			// The owning worker resumed and moved the task on its own
			// between the scan and this commit; the reclaim is moot.
			return
		}
		s.warn(ctx, "leasesweeper: reclaim commit failed", "task_id", t.ID, "error", err.Error())
		return
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, t.ID, eventbus.KindError, map[string]any{"kind": kinds.KindLeaseExpired, "detail": "lease_expired"}); err != nil {
			s.warn(ctx, "leasesweeper: publish failed", "task_id", t.ID, "error", err.Error())
		}
	}
	if s.onReclaim != nil {
		s.onReclaim(t.ID)
	}
}

func (s *Sweeper) warn(ctx context.Context, msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Warn(ctx, msg, keyvals...)
	}
}
