// Package waiter blocks on inter-agent and inter-objective dependencies.
// Every wait settles each dependency exactly once as completed, failed,
// or timed out; a finite dependency set always yields a full map.
package waiter

import (
	"context"
	"sync"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// DefaultTimeout applies when a wait is requested with no budget.
const DefaultTimeout = 10 * time.Minute

// Outcome is the settled state of one dependency.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
)

// Result is the settlement map of one wait call.
type Result struct {
	Success        bool
	Completed      []string
	Failed         []string
	Timeout        []string
	Message        string
	WaitDurationMs int64
}

// Options tune a wait.
type Options struct {
	Timeout time.Duration
	// WaitForAnyFailure keeps the remaining waits alive after a failure
	// so the caller receives the full settlement map.
	WaitForAnyFailure bool
}

// Waiter resolves dependency waits against the store and the event bus.
type Waiter struct {
	db  *store.DB
	bus *bus.EventBus
}

// New creates a Waiter.
func New(db *store.DB, eventBus *bus.EventBus) *Waiter {
	return &Waiter{db: db, bus: eventBus}
}

// settlement is one dependency's resolution in flight.
type settlement struct {
	id      string
	outcome Outcome
}

// WaitForAgentDependencies blocks until every agent in dependsOn reaches
// a terminal state or the budget runs out. Current statuses are read
// first so already-terminal agents settle without waiting.
func (w *Waiter) WaitForAgentDependencies(ctx context.Context, dependsOn []string, repositoryPath string, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{}
	if len(dependsOn) == 0 {
		result.Success = true
		result.Message = "no dependencies"
		return result, nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	// Pre-read: terminal agents short-circuit their wait.
	pending := make(map[string]bool, len(dependsOn))
	for _, agentID := range dependsOn {
		agent, err := w.db.Agents().FindByID(agentID)
		if zerr.IsNotFound(err) {
			// A vanished dependency can never complete.
			result.Failed = append(result.Failed, agentID)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch agent.Status {
		case store.AgentCompleted:
			result.Completed = append(result.Completed, agentID)
		case store.AgentTerminated, store.AgentFailed:
			result.Failed = append(result.Failed, agentID)
		default:
			pending[agentID] = true
		}
	}

	if len(pending) > 0 {
		w.awaitAgents(ctx, pending, repositoryPath, opts, result)
	}

	w.finish(result, start)
	return result, nil
}

// awaitAgents subscribes three ways per pending agent and collects the
// first terminal signal for each.
func (w *Waiter) awaitAgents(ctx context.Context, pending map[string]bool, repositoryPath string, opts Options, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	settled := make(chan settlement, len(pending))
	var once sync.Map // agent id -> *sync.Once
	for id := range pending {
		once.Store(id, &sync.Once{})
	}
	settle := func(id string, outcome Outcome) {
		v, ok := once.Load(id)
		if !ok {
			return
		}
		v.(*sync.Once).Do(func() {
			settled <- settlement{id: id, outcome: outcome}
		})
	}

	var subIDs []bus.SubscriptionID
	defer func() {
		for _, id := range subIDs {
			w.bus.Unsubscribe(id)
		}
	}()

	for agentID := range pending {
		agentID := agentID
		filter := bus.Filter{RepositoryPath: repositoryPath, AgentID: agentID}

		// Status change into a terminal state.
		id1, err := w.bus.SubscribeFiltered(bus.KindAgentStatusChange, filter, func(ev bus.Event) {
			payload, ok := ev.Payload.(bus.AgentStatusChangePayload)
			if !ok {
				return
			}
			switch store.AgentStatus(payload.NewStatus) {
			case store.AgentCompleted:
				settle(agentID, OutcomeCompleted)
			case store.AgentTerminated, store.AgentFailed:
				settle(agentID, OutcomeFailed)
			}
		})
		if err == nil {
			subIDs = append(subIDs, id1)
		}

		// Hard termination.
		id2, err := w.bus.SubscribeFiltered(bus.KindAgentTerminated, filter, func(ev bus.Event) {
			outcome := OutcomeFailed
			if payload, ok := ev.Payload.(bus.AgentTerminatedPayload); ok &&
				payload.FinalStatus == string(store.AgentCompleted) {
				outcome = OutcomeCompleted
			}
			settle(agentID, outcome)
		})
		if err == nil {
			subIDs = append(subIDs, id2)
		}

		// Objective completion attributed to the agent counts as done.
		id3, err := w.bus.SubscribeFiltered(bus.KindObjectiveCompleted, filter, func(ev bus.Event) {
			if payload, ok := ev.Payload.(bus.ObjectiveCompletedPayload); ok &&
				payload.CompletedBy == agentID {
				settle(agentID, OutcomeCompleted)
			}
		})
		if err == nil {
			subIDs = append(subIDs, id3)
		}
	}

	remaining := len(pending)
	for remaining > 0 {
		select {
		case s := <-settled:
			remaining--
			delete(pending, s.id)
			switch s.outcome {
			case OutcomeCompleted:
				result.Completed = append(result.Completed, s.id)
			default:
				result.Failed = append(result.Failed, s.id)
				// Without allSettled semantics, the first failure stops
				// the wait; the rest settle as timed out.
				if !opts.WaitForAnyFailure {
					for id := range pending {
						result.Timeout = append(result.Timeout, id)
					}
					return
				}
			}
		case <-ctx.Done():
			for id := range pending {
				result.Timeout = append(result.Timeout, id)
			}
			return
		}
	}
}

// WaitForObjectiveDependencies blocks until every objective listed in
// the target objective's requirements.dependencies is terminal.
func (w *Waiter) WaitForObjectiveDependencies(ctx context.Context, objectiveID, repositoryPath string, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{}

	objective, err := w.db.Objectives().FindByID(objectiveID)
	if err != nil {
		return nil, err
	}
	deps := objective.Requirements.Dependencies
	if len(deps) == 0 {
		result.Success = true
		result.Message = "no dependencies"
		return result, nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	pending := make(map[string]bool, len(deps))
	for _, depID := range deps {
		dep, err := w.db.Objectives().FindByID(depID)
		if zerr.IsNotFound(err) {
			result.Failed = append(result.Failed, depID)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch dep.Status {
		case store.ObjectiveCompleted:
			result.Completed = append(result.Completed, depID)
		case store.ObjectiveFailed:
			result.Failed = append(result.Failed, depID)
		default:
			pending[depID] = true
		}
	}

	if len(pending) > 0 {
		w.awaitObjectives(ctx, pending, repositoryPath, opts.Timeout, result)
	}

	w.finish(result, start)
	return result, nil
}

// awaitObjectives watches objective_completed and failing
// objective_update events for the pending set.
func (w *Waiter) awaitObjectives(ctx context.Context, pending map[string]bool, repositoryPath string, timeout time.Duration, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	settled := make(chan settlement, len(pending))
	var mu sync.Mutex
	done := make(map[string]bool, len(pending))
	settle := func(id string, outcome Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if done[id] || !pending[id] {
			return
		}
		done[id] = true
		settled <- settlement{id: id, outcome: outcome}
	}

	filter := bus.Filter{RepositoryPath: repositoryPath}
	var subIDs []bus.SubscriptionID
	defer func() {
		for _, id := range subIDs {
			w.bus.Unsubscribe(id)
		}
	}()

	id1, err := w.bus.SubscribeFiltered(bus.KindObjectiveCompleted, filter, func(ev bus.Event) {
		if payload, ok := ev.Payload.(bus.ObjectiveCompletedPayload); ok {
			settle(payload.ObjectiveID, OutcomeCompleted)
		}
	})
	if err == nil {
		subIDs = append(subIDs, id1)
	}
	id2, err := w.bus.SubscribeFiltered(bus.KindObjectiveUpdate, filter, func(ev bus.Event) {
		if payload, ok := ev.Payload.(bus.ObjectiveUpdatePayload); ok &&
			payload.NewStatus == string(store.ObjectiveFailed) {
			settle(payload.ObjectiveID, OutcomeFailed)
		}
	})
	if err == nil {
		subIDs = append(subIDs, id2)
	}

	remaining := len(pending)
	for remaining > 0 {
		select {
		case s := <-settled:
			remaining--
			mu.Lock()
			delete(pending, s.id)
			mu.Unlock()
			switch s.outcome {
			case OutcomeCompleted:
				result.Completed = append(result.Completed, s.id)
			default:
				result.Failed = append(result.Failed, s.id)
			}
		case <-ctx.Done():
			mu.Lock()
			for id := range pending {
				result.Timeout = append(result.Timeout, id)
			}
			mu.Unlock()
			return
		}
	}
}

// finish computes the aggregate verdict.
func (w *Waiter) finish(result *Result, start time.Time) {
	result.WaitDurationMs = time.Since(start).Milliseconds()
	result.Success = len(result.Failed) == 0 && len(result.Timeout) == 0
	switch {
	case result.Success:
		result.Message = "all dependencies completed"
	case len(result.Timeout) > 0:
		result.Message = "timed out waiting for dependencies"
	default:
		result.Message = "one or more dependencies failed"
	}
	log.Debug(log.CatOrch, "wait settled",
		"completed", len(result.Completed), "failed", len(result.Failed), "timeout", len(result.Timeout))
}
