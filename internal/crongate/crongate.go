// Package crongate wraps a robfig/cron scheduler with an "all triggers
// finalized" shutdown gate: once every scheduled trigger has run to
// completion, no new firing is pending, and the Progress Monitor reports
// no active bulk scans, the gate tears the scheduler down and invokes a
// caller-supplied shutdown hook (in the controller binary, the hook
// signals that the process may exit; the broker connection is closed by
// the binary itself).
package crongate

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ActiveScansProbe reports how many bulk scans the Progress Monitor is
// still tracking. The gate never shuts down while this is non-zero.
type ActiveScansProbe func() int

// Gate owns a cron scheduler plus the bookkeeping needed to know when
// every trigger it has ever registered has finalized.
type Gate struct {
	cron        *cron.Cron
	log         zerolog.Logger
	activeScans ActiveScansProbe
	onShutdown  func()

	mu       sync.Mutex
	entries  map[int64]cron.EntryID
	running  int // firings currently executing (recurring entries) or in-flight one-shot runs
	nextID   int64
	shutdown bool
}

// New builds a Gate. activeScans and onShutdown must be non-nil;
// onShutdown fires at most once, when the gate decides every trigger is
// finalized and no bulk scan remains active.
func New(activeScans ActiveScansProbe, onShutdown func(), log zerolog.Logger) *Gate {
	return &Gate{
		cron:        cron.New(),
		log:         log,
		activeScans: activeScans,
		onShutdown:  onShutdown,
		entries:     make(map[int64]cron.EntryID),
	}
}

// Start starts the underlying cron runner. Safe to call even if no
// triggers have been scheduled yet (e.g. a single immediate run is
// driven entirely through RunOnce).
func (g *Gate) Start() {
	g.cron.Start()
}

// RunOnce registers a single immediate trigger, runs fn synchronously,
// marks the trigger finalized, and reevaluates the shutdown condition.
// This is the path taken when the controller is invoked without a cron
// expression: one bulk scan is one trigger.
func (g *Gate) RunOnce(ctx context.Context, fn func(context.Context) error) error {
	g.mu.Lock()
	g.running++
	g.mu.Unlock()

	err := fn(ctx)

	g.mu.Lock()
	g.running--
	g.mu.Unlock()
	g.reevaluate()
	return err
}

// Schedule registers fn as a recurring trigger under the given cron
// expression. Each firing is an independent run; the trigger itself
// remains "scheduled" (not finalized) until Unschedule removes it:
// every firing is an independent bulk scan instance.
func (g *Gate) Schedule(expr string, fn func(context.Context)) (int64, error) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.mu.Unlock()

	entryID, err := g.cron.AddFunc(expr, func() {
		g.mu.Lock()
		g.running++
		g.mu.Unlock()

		fn(context.Background())

		g.mu.Lock()
		g.running--
		g.mu.Unlock()
		g.reevaluate()
	})
	if err != nil {
		return 0, fmt.Errorf("crongate: invalid cron expression %q: %w", expr, err)
	}

	g.mu.Lock()
	g.entries[id] = entryID
	g.mu.Unlock()
	return id, nil
}

// Unschedule removes a previously registered recurring trigger and
// reevaluates the shutdown condition. Unschedule does not wait for an
// in-flight firing of that trigger to finish; the firing's own
// decrement still reevaluates when it completes.
func (g *Gate) Unschedule(id int64) {
	g.mu.Lock()
	entryID, ok := g.entries[id]
	if ok {
		g.cron.Remove(entryID)
		delete(g.entries, id)
	}
	g.mu.Unlock()

	if ok {
		g.reevaluate()
	}
}

// allFinalized reports whether every recurring trigger has been
// unscheduled and no firing or one-shot run is currently executing.
func (g *Gate) allFinalized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries) == 0 && g.running == 0
}

// Reevaluate re-checks the shutdown condition. It must be called again
// whenever ActiveScansProbe's result can have changed for a reason the
// gate itself did not cause — most importantly, the Progress Monitor
// finalizing a bulk scan after its triggering RunOnce/Schedule call has
// already returned and reevaluated once (the common single monitored
// scan case: publishing finishes, and therefore RunOnce returns, long
// before the bulk scan's jobs actually complete). Safe to call even
// after shutdown has already happened.
func (g *Gate) Reevaluate() {
	g.reevaluate()
}

// reevaluate runs the gate check: on every schedule, unschedule,
// finalize, or externally-triggered transition, check
// whether all triggers are finalized and the Progress Monitor reports
// no active bulk scans; if so, tear the scheduler down exactly once.
func (g *Gate) reevaluate() {
	if !g.allFinalized() {
		return
	}
	if g.activeScans() != 0 {
		return
	}

	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return
	}
	g.shutdown = true
	g.mu.Unlock()

	g.log.Info().Msg("crongate: all triggers finalized and no active bulk scans, shutting down")
	g.cron.Stop()
	g.onShutdown()
}

// Stop halts the cron runner without waiting for the finalized/active
// scan condition. Used for a forced, signal-driven shutdown.
func (g *Gate) Stop() context.Context {
	return g.cron.Stop()
}
