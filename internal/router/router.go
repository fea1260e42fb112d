// Package router buffers cross-instance events between control-ticks and
// expands them into per-target deliveries at drain time. The pending buffer is
// bounded; overflow evicts the oldest event and counts a drop.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oasis-mmo/oasis-core/internal/models"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

// Sentinel errors.
var (
	ErrUnknownSource = errors.New("router: unknown source instance")
	ErrUnknownTarget = errors.New("router: unknown target instance")
)

// DefaultCapacity bounds the pending buffer when no capacity is configured.
const DefaultCapacity = 10000

// Resolver answers whether an address belongs to a registered instance.
// The instance registry satisfies it.
type Resolver interface {
	Exists(addr stat7.Address) bool
}

// Router is the bounded cross-instance event buffer.
type Router struct {
	resolver Resolver
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	pending []models.CrossInstanceEvent
	dropped uint64
}

// New creates a router validating against resolver. capacity <= 0 selects
// DefaultCapacity.
func New(resolver Resolver, capacity int, logger *slog.Logger) *Router {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Router{resolver: resolver, capacity: capacity, logger: logger}
}

// Enqueue validates and buffers an event. The source must be registered; the
// target, when set, must be registered too. At capacity the oldest pending
// event is discarded to make room.
func (r *Router) Enqueue(ev models.CrossInstanceEvent) error {
	if !r.resolver.Exists(ev.SourceAddr) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, ev.SourceAddr)
	}
	if ev.TargetAddr != nil && !r.resolver.Exists(*ev.TargetAddr) {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, *ev.TargetAddr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.capacity {
		evicted := r.pending[0]
		r.pending = r.pending[1:]
		r.dropped++
		r.logger.Warn("router at capacity, oldest event dropped",
			slog.String("evicted_event_id", evicted.EventID.String()),
			slog.Uint64("dropped_total", r.dropped),
		)
	}
	r.pending = append(r.pending, ev)
	return nil
}

// Drain atomically swaps out the pending buffer and expands it into per-target
// deliveries stamped with controlTickID. instances is the control-tick
// snapshot of registered addresses; broadcasts expand to every instance except
// the source. Enqueue order is preserved, so per-(source,target) delivery is
// FIFO.
func (r *Router) Drain(controlTickID uint64, instances []stat7.Address) []models.Delivery {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	now := time.Now().UTC()
	deliveries := make([]models.Delivery, 0, len(batch))
	for _, ev := range batch {
		if ev.TargetAddr != nil {
			deliveries = append(deliveries, delivery(ev, *ev.TargetAddr, controlTickID, now))
			continue
		}
		for _, addr := range instances {
			if addr == ev.SourceAddr {
				continue
			}
			deliveries = append(deliveries, delivery(ev, addr, controlTickID, now))
		}
	}
	return deliveries
}

func delivery(ev models.CrossInstanceEvent, target stat7.Address, tickID uint64, ts time.Time) models.Delivery {
	return models.Delivery{
		EventID:       ev.EventID,
		SourceAddr:    ev.SourceAddr,
		TargetAddr:    target,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		ControlTickID: tickID,
		OriginalTS:    ev.CreatedAt,
		DeliveredTS:   ts,
	}
}

// Size returns the number of pending events.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the lifetime count of overflow-discarded events.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
