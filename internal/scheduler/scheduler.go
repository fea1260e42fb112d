// Package scheduler drives the control-tick loop: it periodically advances
// every running instance, drains the event router and hands deliveries to the
// gateway sink. One control-tick is atomic with respect to registry mutation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oasis-mmo/oasis-core/internal/models"
	"github.com/oasis-mmo/oasis-core/internal/registry"
	"github.com/oasis-mmo/oasis-core/internal/router"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
	"github.com/oasis-mmo/oasis-core/internal/telemetry"
)

// ErrStopped is returned by ExecuteOneTick once the scheduler is stopping or
// stopped; the gateway maps it to the unavailable wire code.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler lifecycle states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// TickMetrics summarizes one control-tick.
type TickMetrics struct {
	ControlTickID    uint64            `json:"control_tick_id"`
	GamesSynced      int               `json:"games_synced"`
	EventsPropagated int               `json:"events_propagated"`
	EventsDropped    int               `json:"events_dropped"`
	Elapsed          time.Duration     `json:"elapsed_ns"`
	Errors           map[string]string `json:"errors,omitempty"`
}

// Sink receives the scheduler's outputs. The gateway implements it; tests use
// a recording fake.
type Sink interface {
	// DeliverEvents fans deliveries out to subscribed sessions. Must not block
	// on slow consumers.
	DeliverEvents(deliveries []models.Delivery)
	// TickCompleted publishes control_tick_complete telemetry.
	TickCompleted(metrics TickMetrics)
	// InstancePaused publishes instance_paused telemetry.
	InstancePaused(addr stat7.Address, reason string)
}

// Config holds scheduler tuning.
type Config struct {
	// Period is the wall-clock interval between control-ticks.
	Period time.Duration
	// LocalTicks is how many local ticks each instance advances per control-tick.
	LocalTicks int
	// Parallel toggles concurrent engine advancement.
	Parallel bool
	// ParallelLimit caps concurrent Advance calls; <=0 selects NumCPU.
	ParallelLimit int
	// AdvanceBudget is the soft deadline for one Advance call.
	AdvanceBudget time.Duration
	// FailureThreshold pauses an instance after this many consecutive failures.
	FailureThreshold int
	// ShutdownGrace bounds how long Stop waits for an in-flight tick; <=0
	// selects twice the period.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 100 * time.Millisecond
	}
	if c.LocalTicks <= 0 {
		c.LocalTicks = 10
	}
	if c.ParallelLimit <= 0 {
		c.ParallelLimit = runtime.NumCPU()
	}
	if c.AdvanceBudget <= 0 {
		c.AdvanceBudget = 200 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * c.Period
	}
	return c
}

// Scheduler owns the control-tick counter and loop.
type Scheduler struct {
	cfg    Config
	reg    *registry.Registry
	rt     *router.Router
	sink   Sink
	logger *slog.Logger

	state       atomic.Int32
	tickID      atomic.Uint64
	lastDropped uint64

	// tickMu serializes control-ticks; the registry read lock held inside
	// ExecuteOneTick keeps register/unregister out of the tick window.
	tickMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler over the given registry, router and sink.
func New(cfg Config, reg *registry.Registry, rt *router.Router, sink Sink, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		rt:     rt,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the timer-driven loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return
	}
	s.logger.Info("scheduler started",
		slog.Duration("period", s.cfg.Period),
		slog.Int("local_ticks", s.cfg.LocalTicks),
		slog.Bool("parallel", s.cfg.Parallel),
	)
	go s.run()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			// Final drain so events enqueued during the last tick still reach
			// subscribers before shutdown.
			s.finalDrain()
			return
		case <-ticker.C:
			if _, err := s.ExecuteOneTick(); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				s.logger.Error("control-tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop transitions to STOPPING, lets the in-flight tick finish within the
// shutdown grace window, and marks the scheduler STOPPED. Instances caught
// mid-advance past the grace window are paused.
func (s *Scheduler) Stop() {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		// Stopping an idle scheduler still forbids future ticks.
		s.state.CompareAndSwap(stateIdle, stateStopped)
		return
	}
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("scheduler stop exceeded grace window, pausing in-flight instances")
		s.reg.View(func(instances []*registry.GameInstance) {
			for _, gi := range instances {
				if gi.State() == registry.StateRunning {
					gi.SetState(registry.StatePaused)
				}
			}
		})
	}
	s.state.Store(stateStopped)
	s.logger.Info("scheduler stopped", slog.Uint64("ticks_executed", s.tickID.Load()))
}

// CurrentTickID returns the id of the most recent control-tick.
func (s *Scheduler) CurrentTickID() uint64 {
	return s.tickID.Load()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.state.Load() == stateRunning
}

// ExecuteOneTick runs a single control-tick: snapshot instances, advance
// engines, drain the router, fan deliveries out. Engine errors never abort
// siblings; they are recorded in the returned metrics.
func (s *Scheduler) ExecuteOneTick() (TickMetrics, error) {
	if st := s.state.Load(); st == stateStopping || st == stateStopped {
		return TickMetrics{}, ErrStopped
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	tickID := s.tickID.Add(1)
	metrics := TickMetrics{ControlTickID: tickID, Errors: map[string]string{}}

	// Advance and drain both happen inside one registry read window, so
	// register/unregister cannot interleave anywhere within the tick.
	var (
		addrs      []stat7.Address
		deliveries []models.Delivery
	)
	s.reg.View(func(instances []*registry.GameInstance) {
		addrs = make([]stat7.Address, 0, len(instances))
		running := make([]*registry.GameInstance, 0, len(instances))
		for _, gi := range instances {
			addrs = append(addrs, gi.Address)
			if gi.State() == registry.StateRunning {
				running = append(running, gi)
			}
		}
		metrics.GamesSynced = s.advanceAll(running, &metrics)
		deliveries = s.rt.Drain(tickID, addrs)
	})

	if len(deliveries) > 0 {
		s.sink.DeliverEvents(deliveries)
	}
	metrics.EventsPropagated = len(deliveries)

	dropped := s.rt.Dropped()
	metrics.EventsDropped = int(dropped - s.lastDropped)
	s.lastDropped = dropped

	metrics.Elapsed = time.Since(start)
	telemetry.ControlTickCompleted(metrics.Elapsed.Seconds(), metrics.EventsPropagated, metrics.EventsDropped)
	telemetry.SetInstancesRegistered(len(addrs))
	s.sink.TickCompleted(metrics)

	s.logger.Debug("control-tick complete",
		slog.Uint64("control_tick_id", tickID),
		slog.Int("games_synced", metrics.GamesSynced),
		slog.Int("events_propagated", metrics.EventsPropagated),
		slog.Duration("elapsed", metrics.Elapsed),
	)
	return metrics, nil
}

// advanceAll advances every running instance and returns the success count.
// Parallel mode bounds concurrency with a weighted semaphore; sequential mode
// follows snapshot order.
func (s *Scheduler) advanceAll(running []*registry.GameInstance, metrics *TickMetrics) int {
	if len(running) == 0 {
		return 0
	}

	var (
		mu     sync.Mutex
		synced int
	)
	record := func(gi *registry.GameInstance, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			gi.RecordAdvance(s.cfg.LocalTicks)
			synced++
			return
		}
		metrics.Errors[gi.Address.String()] = err.Error()
		telemetry.AdvanceError()
		if streak := gi.RecordFailure(); streak >= s.cfg.FailureThreshold {
			gi.SetState(registry.StatePaused)
			telemetry.InstancePaused()
			reason := fmt.Sprintf("%d consecutive advance failures: %v", streak, err)
			s.logger.Warn("instance paused",
				slog.String("realm_id", gi.Coord.RealmID),
				slog.String("address", gi.Address.String()),
				slog.String("reason", reason),
			)
			s.sink.InstancePaused(gi.Address, reason)
		}
	}

	if !s.cfg.Parallel {
		for _, gi := range running {
			record(gi, s.advanceOne(gi))
		}
		return synced
	}

	sem := semaphore.NewWeighted(int64(s.cfg.ParallelLimit))
	var wg sync.WaitGroup
	for _, gi := range running {
		// Acquire cannot fail with a background context.
		_ = sem.Acquire(context.Background(), 1)
		wg.Add(1)
		go func(gi *registry.GameInstance) {
			defer wg.Done()
			defer sem.Release(1)
			record(gi, s.advanceOne(gi))
		}(gi)
	}
	wg.Wait()
	return synced
}

// advanceOne calls Advance under the soft budget, converting panics and
// deadline overruns into recorded errors.
func (s *Scheduler) advanceOne(gi *registry.GameInstance) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AdvanceBudget)
	defer cancel()
	return gi.Engine.Advance(ctx, s.cfg.LocalTicks)
}

// finalDrain flushes events left in the router when the loop exits.
func (s *Scheduler) finalDrain() {
	if s.rt.Size() == 0 {
		return
	}
	tickID := s.tickID.Add(1)
	var deliveries []models.Delivery
	s.reg.View(func(instances []*registry.GameInstance) {
		addrs := make([]stat7.Address, 0, len(instances))
		for _, gi := range instances {
			addrs = append(addrs, gi.Address)
		}
		deliveries = s.rt.Drain(tickID, addrs)
	})
	if len(deliveries) > 0 {
		s.sink.DeliverEvents(deliveries)
	}
	s.logger.Info("final router drain", slog.Int("deliveries", len(deliveries)))
}
