// Package engine defines the contract the orchestrator requires from instance
// tick engines, plus an in-process simulation engine used by the server and
// the test suite.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// TickEngine is the per-instance simulation handle. The orchestrator never
// looks inside an instance; it only advances it.
//
// Advance must be idempotent with respect to partial execution and should
// complete within the configured soft budget; the scheduler cancels the
// context when the budget is exceeded and records the error.
type TickEngine interface {
	Advance(ctx context.Context, localTicks int) error
	Describe() map[string]string
}

// SimEngine is a deterministic in-process engine. It counts local ticks and
// can inject latency and failures for scheduler testing.
type SimEngine struct {
	name      string
	version   string
	localTick atomic.Uint64

	// TickDelay is applied once per Advance call, not per local tick.
	TickDelay time.Duration

	// FailEvery makes every Nth Advance call return an error. Zero disables.
	FailEvery int

	advances atomic.Uint64
}

// NewSimEngine creates a simulation engine with the given diagnostic name.
func NewSimEngine(name string) *SimEngine {
	return &SimEngine{name: name, version: "1.0.0"}
}

// Advance implements TickEngine.
func (e *SimEngine) Advance(ctx context.Context, localTicks int) error {
	if localTicks <= 0 {
		return fmt.Errorf("engine %s: local ticks must be positive, got %d", e.name, localTicks)
	}
	n := e.advances.Add(1)
	if e.FailEvery > 0 && n%uint64(e.FailEvery) == 0 {
		return fmt.Errorf("engine %s: injected failure on advance %d", e.name, n)
	}
	if e.TickDelay > 0 {
		select {
		case <-time.After(e.TickDelay):
		case <-ctx.Done():
			return fmt.Errorf("engine %s: advance canceled: %w", e.name, ctx.Err())
		}
	}
	e.localTick.Add(uint64(localTicks))
	return nil
}

// Describe implements TickEngine.
func (e *SimEngine) Describe() map[string]string {
	return map[string]string{
		"name":       e.name,
		"version":    e.version,
		"local_tick": strconv.FormatUint(e.localTick.Load(), 10),
	}
}

// LocalTick returns the number of local ticks executed so far.
func (e *SimEngine) LocalTick() uint64 {
	return e.localTick.Load()
}
