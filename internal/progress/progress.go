// Package progress tracks monotonic completion percentages per context
// and throttles the progress_update event stream.
package progress

import (
	"sync"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/log"
)

// Throttle limits: one event per window, or per step percentage points
// moved, whichever comes first. Reaching 100 always emits.
const (
	emitWindow = time.Second
	emitStep   = 5.0
)

// ContextRef identifies a tracked progress context.
type ContextRef struct {
	ID   string
	Type string
}

// entry is the tracked state of one context.
type entry struct {
	progress   float64
	message    string
	agentID    string
	updatedAt  time.Time
	agents     map[string]float64
	lastEmit   time.Time
	lastEmitAt float64
}

// Tracker stores last reported progress per context and emits throttled
// progress_update events. Reports never decrease the stored value.
type Tracker struct {
	bus *bus.EventBus

	mu       sync.Mutex
	contexts map[ContextRef]*entry
	now      func() time.Time
}

// NewTracker creates a progress tracker emitting on eventBus.
func NewTracker(eventBus *bus.EventBus) *Tracker {
	return &Tracker{
		bus:      eventBus,
		contexts: make(map[ContextRef]*entry),
		now:      time.Now,
	}
}

// Report records progress for a context and returns the stored value,
// which is the maximum of all reports so far. A lower report leaves the
// value unchanged but still bumps updated_at and may emit.
func (t *Tracker) Report(ref ContextRef, progress float64, message string) float64 {
	return t.ReportForAgent(ref, "", progress, message)
}

// ReportForAgent is Report with the reporting agent attributed, feeding
// the per-agent aggregate.
func (t *Tracker) ReportForAgent(ref ContextRef, agentID string, progress float64, message string) float64 {
	progress = clamp(progress)

	t.mu.Lock()
	e, ok := t.contexts[ref]
	if !ok {
		e = &entry{agents: make(map[string]float64)}
		t.contexts[ref] = e
	}
	now := t.now()
	e.updatedAt = now
	e.message = message
	if progress > e.progress {
		e.progress = progress
	}
	if agentID != "" {
		e.agentID = agentID
		if progress > e.agents[agentID] {
			e.agents[agentID] = progress
		}
	}
	stored := e.progress

	emit := stored >= 100 ||
		now.Sub(e.lastEmit) >= emitWindow ||
		stored-e.lastEmitAt >= emitStep
	if emit {
		e.lastEmit = now
		e.lastEmitAt = stored
	}
	t.mu.Unlock()

	if emit {
		t.bus.Emit(bus.NewEvent(bus.KindProgressUpdate, bus.ProgressUpdatePayload{
			ContextID:        ref.ID,
			ContextType:      ref.Type,
			AgentID:          agentID,
			ReportedProgress: stored,
			Message:          message,
		}).WithAgent(agentID))
	}
	return stored
}

// Aggregate is the rolled-up progress of a context.
type Aggregate struct {
	TotalProgress float64
	AgentCount    int
}

// Get returns the aggregate for a context. With agent-scoped reports the
// total is the equal-weight average of the contributing agents.
func (t *Tracker) Get(ref ContextRef) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.contexts[ref]
	if !ok {
		return Aggregate{}
	}
	if len(e.agents) == 0 {
		return Aggregate{TotalProgress: e.progress}
	}
	sum := 0.0
	for _, p := range e.agents {
		sum += p
	}
	return Aggregate{
		TotalProgress: sum / float64(len(e.agents)),
		AgentCount:    len(e.agents),
	}
}

// UpdatedAt returns the last report time for a context.
func (t *Tracker) UpdatedAt(ref ContextRef) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.contexts[ref]
	if !ok {
		return time.Time{}, false
	}
	return e.updatedAt, true
}

// Forget drops a context's tracked state.
func (t *Tracker) Forget(ref ContextRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contexts, ref)
}

// NotificationSender forwards a progress notification to an external
// transport. Implementations must tolerate being called concurrently.
type NotificationSender interface {
	SendProgress(token string, progress float64, message string) error
}

// Updater is an opaque progress callback bound to one context.
type Updater func(progress float64, message string)

// NewUpdater returns a callback that records progress in the tracker and
// forwards a notification through sender when one is configured.
func (t *Tracker) NewUpdater(ref ContextRef, token string, sender NotificationSender) Updater {
	return func(progress float64, message string) {
		stored := t.Report(ref, progress, message)
		if sender == nil {
			return
		}
		if err := sender.SendProgress(token, stored, message); err != nil {
			log.Warn(log.CatOrch, "progress notification failed",
				"context", ref.ID, "error", err.Error())
		}
	}
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
