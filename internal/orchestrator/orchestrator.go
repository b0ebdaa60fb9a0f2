// Package orchestrator drives the phased workflow engine: it analyzes
// an objective, spawns the planner and specialist agents, assigns their
// objectives, supervises execution through the event bus, and reaps the
// whole run into a closing summary.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zmcptools/zmcp/internal/agents"
	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/knowledge"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/progress"
	"github.com/zmcptools/zmcp/internal/rooms"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/waiter"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// Phase is one bounded stage of an orchestration.
type Phase string

const (
	PhaseResearch Phase = "research"
	PhasePlan     Phase = "plan"
	PhaseExecute  Phase = "execute"
	PhaseMonitor  Phase = "monitor"
	PhaseCleanup  Phase = "cleanup"
)

// phaseLabels map internal phases onto the coarser event vocabulary.
var phaseLabels = map[Phase]string{
	PhaseResearch: "planning",
	PhasePlan:     "planning",
	PhaseExecute:  "execution",
	PhaseMonitor:  "monitoring",
	PhaseCleanup:  "completion",
}

// mandatoryPhases cannot be skipped.
var mandatoryPhases = map[Phase]bool{
	PhasePlan:    true,
	PhaseExecute: true,
	PhaseCleanup: true,
}

// PhaseStatus is the lifecycle state of one phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// PhaseRecord is the tracked outcome of one phase.
type PhaseRecord struct {
	Status    PhaseStatus
	Outputs   map[string]any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// State is the lifecycle state of a whole orchestration.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state is sticky.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Orchestration is one phased run. Identity fields are immutable after
// Start; everything else is guarded by mu because Cancel races the run
// goroutine.
type Orchestration struct {
	ID                string
	Title             string
	Objective         string
	RepositoryPath    string
	Analysis          Analysis
	MasterObjectiveID string
	RoomID            string
	RoomName          string

	mu            sync.Mutex
	state         State
	current       Phase
	phases        map[Phase]*PhaseRecord
	agents        []string
	specialists   []string
	subObjectives []string
	startedAt     time.Time
	endedAt       time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the current lifecycle state.
func (o *Orchestration) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// PhaseRecord returns a copy of one phase's tracked outcome.
func (o *Orchestration) PhaseRecord(ph Phase) PhaseRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.phases[ph]; ok {
		return *rec
	}
	return PhaseRecord{}
}

// AgentIDs returns every agent spawned by this orchestration.
func (o *Orchestration) AgentIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.agents...)
}

// SpecialistIDs returns the execution-phase agents.
func (o *Orchestration) SpecialistIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.specialists...)
}

// SubObjectiveIDs returns the materialized specialist objectives.
func (o *Orchestration) SubObjectiveIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.subObjectives...)
}

// Done is closed when the run goroutine has finished, including the
// cleanup phase.
func (o *Orchestration) Done() <-chan struct{} { return o.done }

const (
	// terminalRetention keeps finished orchestrations queryable before
	// the cache evicts them.
	terminalRetention = 5 * time.Minute

	defaultResearchTimeout = 10 * time.Minute
	defaultMonitorBudget   = 30 * time.Minute

	// monitorEmitWindow caps orchestration_update frequency during the
	// monitor phase.
	monitorEmitWindow = time.Second
)

// Options tune the engine.
type Options struct {
	// AgentCommand and AgentArgs launch every spawned agent child.
	AgentCommand string
	AgentArgs    []string

	ResearchTimeout time.Duration
	MonitorBudget   time.Duration

	Analyzer  ComplexityAnalyzer
	Knowledge knowledge.Store
}

// Engine runs orchestrations. Cross-component references go through
// ids, the store, and the bus only.
type Engine struct {
	db         *store.DB
	bus        *bus.EventBus
	agents     *agents.Service
	objectives *objectives.Service
	rooms      *rooms.Service
	wait       *waiter.Waiter
	progress   *progress.Tracker
	know       knowledge.Store
	analyzer   ComplexityAnalyzer
	opts       Options
	tracer     trace.Tracer

	// active holds in-flight orchestrations; terminal ones linger for
	// terminalRetention and are then evicted.
	active *cache.Cache
}

// New creates an orchestration engine.
func New(db *store.DB, eventBus *bus.EventBus, agentSvc *agents.Service,
	objSvc *objectives.Service, roomSvc *rooms.Service, w *waiter.Waiter,
	tracker *progress.Tracker, opts Options) *Engine {
	if opts.ResearchTimeout <= 0 {
		opts.ResearchTimeout = defaultResearchTimeout
	}
	if opts.MonitorBudget <= 0 {
		opts.MonitorBudget = defaultMonitorBudget
	}
	if opts.Analyzer == nil {
		opts.Analyzer = HeuristicAnalyzer{}
	}
	if opts.Knowledge == nil {
		opts.Knowledge = knowledge.NewMemoryStore()
	}
	return &Engine{
		db:         db,
		bus:        eventBus,
		agents:     agentSvc,
		objectives: objSvc,
		rooms:      roomSvc,
		wait:       w,
		progress:   tracker,
		know:       opts.Knowledge,
		analyzer:   opts.Analyzer,
		opts:       opts,
		tracer:     otel.Tracer("zmcp/orchestrator"),
		active:     cache.New(cache.NoExpiration, time.Minute),
	}
}

// OrchestrateParams are the inputs for Start.
type OrchestrateParams struct {
	Title          string
	Objective      string
	RepositoryPath string
	// SkipPhases marks optional phases skipped. Plan, execute, and
	// cleanup cannot be skipped.
	SkipPhases []Phase
}

// Start sets up an orchestration (analysis, coordination room, master
// objective) and launches the phase runner on its own goroutine.
func (e *Engine) Start(ctx context.Context, params OrchestrateParams) (*Orchestration, error) {
	if params.Objective == "" {
		return nil, fmt.Errorf("objective is required")
	}
	if params.RepositoryPath == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	skip := map[Phase]bool{}
	for _, ph := range params.SkipPhases {
		if mandatoryPhases[ph] {
			return nil, fmt.Errorf("phase %s cannot be skipped", ph)
		}
		skip[ph] = true
	}
	if params.Title == "" {
		params.Title = ids.Truncate(params.Objective, 60)
	}

	analysis := e.analyzer.Analyze(params.Objective)
	id := ids.New()

	room, err := e.rooms.CreateOrchestrationRoom(params.Objective, params.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("create orchestration room: %w", err)
	}
	master, err := e.objectives.Create(objectives.CreateParams{
		RepositoryPath: params.RepositoryPath,
		ObjectiveType:  store.ObjectiveFeature,
		Description:    params.Objective,
		Requirements:   store.Requirements{OrchestrationID: id},
		Priority:       8,
	})
	if err != nil {
		return nil, fmt.Errorf("create master objective: %w", err)
	}

	o := &Orchestration{
		ID:                id,
		Title:             params.Title,
		Objective:         params.Objective,
		RepositoryPath:    params.RepositoryPath,
		Analysis:          analysis,
		MasterObjectiveID: master.ID,
		RoomID:            room.ID,
		RoomName:          room.Name,
		state:             StatePending,
		phases:            map[Phase]*PhaseRecord{},
		done:              make(chan struct{}),
	}
	for _, ph := range []Phase{PhaseResearch, PhasePlan, PhaseExecute, PhaseMonitor, PhaseCleanup} {
		status := PhasePending
		if skip[ph] {
			status = PhaseSkipped
		}
		o.phases[ph] = &PhaseRecord{Status: status}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	e.active.Set(o.ID, o, cache.NoExpiration)

	log.Info(log.CatOrch, "orchestration started",
		"id", o.ID, "repo", o.RepositoryPath, "room", o.RoomName,
		"model", analysis.RecommendedModel, "specializations", fmt.Sprint(analysis.Specializations))

	log.SafeGo("orchestrator.run", func() {
		defer cancel()
		e.run(runCtx, o)
	})
	return o, nil
}

// Get returns an active (or recently finished) orchestration.
func (e *Engine) Get(id string) (*Orchestration, bool) {
	v, ok := e.active.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Orchestration), true
}

// run drives the phases in order. Cleanup always runs, even after a
// failed phase or a cancellation.
func (e *Engine) run(ctx context.Context, o *Orchestration) {
	defer close(o.done)

	o.mu.Lock()
	o.state = StateRunning
	o.startedAt = time.Now()
	o.mu.Unlock()

	var failure error
	for _, ph := range []Phase{PhaseResearch, PhasePlan, PhaseExecute, PhaseMonitor} {
		if o.PhaseRecord(ph).Status == PhaseSkipped {
			continue
		}
		if err := e.runPhase(ctx, o, ph); err != nil {
			failure = err
			break
		}
		if ctx.Err() != nil {
			failure = ctx.Err()
			break
		}
	}

	if err := e.runPhase(context.WithoutCancel(ctx), o, PhaseCleanup); err != nil {
		log.Warn(log.CatOrch, "cleanup phase failed", "id", o.ID, "error", err.Error())
	}
	e.finish(o, failure)
}

// phaseFn dispatches a phase to its implementation.
func (e *Engine) phaseFn(ph Phase) func(context.Context, *Orchestration) (map[string]any, error) {
	switch ph {
	case PhaseResearch:
		return e.phaseResearch
	case PhasePlan:
		return e.phasePlan
	case PhaseExecute:
		return e.phaseExecute
	case PhaseMonitor:
		return e.phaseMonitor
	default:
		return e.phaseCleanup
	}
}

func (e *Engine) runPhase(ctx context.Context, o *Orchestration, ph Phase) error {
	ctx, span := e.tracer.Start(ctx, "orchestration."+string(ph),
		trace.WithAttributes(
			attribute.String("orchestration.id", o.ID),
			attribute.String("repository.path", o.RepositoryPath),
		))
	defer span.End()

	o.mu.Lock()
	rec := o.phases[ph]
	rec.Status = PhaseInProgress
	rec.StartedAt = time.Now()
	o.current = ph
	alreadyTerminal := o.state.IsTerminal()
	o.mu.Unlock()
	if !alreadyTerminal {
		e.emitUpdate(o, ph, "started", nil)
	}

	outputs, err := e.phaseFn(ph)(ctx, o)

	o.mu.Lock()
	if o.state.IsTerminal() {
		// cancelled underneath us; Cancel already recorded the outcome
		o.mu.Unlock()
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	rec.EndedAt = time.Now()
	if err != nil {
		rec.Status = PhaseFailed
		rec.Error = err.Error()
		o.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ph)+" failed")
		e.emitUpdate(o, ph, "failed", map[string]any{"error": err.Error()})
		return err
	}
	rec.Status = PhaseCompleted
	rec.Outputs = outputs
	o.mu.Unlock()
	e.emitUpdate(o, ph, "completed", nil)
	return nil
}

// phaseResearch spawns a researcher on an analysis objective and waits
// for it. A timed-out researcher is advisory, not fatal.
func (e *Engine) phaseResearch(ctx context.Context, o *Orchestration) (map[string]any, error) {
	agent, err := e.spawnAgent(ctx, o, "researcher", "")
	if err != nil {
		return nil, err
	}
	obj, err := e.objectives.Create(objectives.CreateParams{
		RepositoryPath: o.RepositoryPath,
		ObjectiveType:  store.ObjectiveAnalysis,
		Description:    "Research phase: " + o.Objective,
		Requirements:   store.Requirements{OrchestrationID: o.ID},
		Priority:       7,
	})
	if err != nil {
		return nil, err
	}
	inProgress := store.ObjectiveInProgress
	if _, err := e.objectives.Update(obj.ID, objectives.UpdateParams{
		Status:          &inProgress,
		AssignedAgentID: &agent.ID,
	}); err != nil {
		return nil, err
	}

	res, err := e.wait.WaitForAgentDependencies(ctx, []string{agent.ID}, o.RepositoryPath,
		waiter.Options{Timeout: e.opts.ResearchTimeout})
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{
		"researchAgentId":     agent.ID,
		"researchObjectiveId": obj.ID,
	}
	switch {
	case len(res.Failed) > 0:
		if _, ferr := e.objectives.Fail(obj.ID, "research agent failed"); ferr != nil {
			log.Warn(log.CatOrch, "research objective fail mark failed", "id", obj.ID, "error", ferr.Error())
		}
		return nil, fmt.Errorf("research agent %s failed", agent.ID)
	case len(res.Timeout) > 0:
		log.Warn(log.CatOrch, "research timed out, continuing", "id", o.ID, "agent", agent.ID)
		outputs["timedOut"] = true
	default:
		if _, cerr := e.objectives.Complete(obj.ID, agent.ID, nil); cerr != nil {
			log.Warn(log.CatOrch, "research objective complete failed", "id", obj.ID, "error", cerr.Error())
		}
	}
	return outputs, nil
}

// phasePlan spawns the architect on the recommended model, assigns it
// the master objective, and materializes one sub-objective per required
// specialization.
func (e *Engine) phasePlan(ctx context.Context, o *Orchestration) (map[string]any, error) {
	architect, err := e.spawnAgent(ctx, o, "architect", o.Analysis.RecommendedModel)
	if err != nil {
		return nil, err
	}
	inProgress := store.ObjectiveInProgress
	if _, err := e.objectives.Update(o.MasterObjectiveID, objectives.UpdateParams{
		Status:          &inProgress,
		AssignedAgentID: &architect.ID,
	}); err != nil {
		return nil, err
	}

	items := make([]objectives.BreakdownItem, 0, len(o.Analysis.Specializations))
	for _, spec := range o.Analysis.Specializations {
		items = append(items, objectives.BreakdownItem{
			Description:    fmt.Sprintf("%s work for: %s", spec, o.Objective),
			ObjectiveType:  objectiveTypeFor(spec),
			EstimatedHours: 2,
		})
	}
	children, err := e.objectives.Breakdown(o.MasterObjectiveID, items)
	if err != nil {
		return nil, err
	}

	subIDs := make([]string, len(children))
	for i, c := range children {
		subIDs[i] = c.ID
	}
	o.mu.Lock()
	o.subObjectives = subIDs
	o.mu.Unlock()

	return map[string]any{
		"plannerAgentId":  architect.ID,
		"subObjectiveIds": subIDs,
	}, nil
}

// phaseExecute spawns one specialist per specialization and assigns its
// sub-objective. It does not block on the specialists; the monitor
// phase supervises them.
func (e *Engine) phaseExecute(ctx context.Context, o *Orchestration) (map[string]any, error) {
	subIDs := o.SubObjectiveIDs()
	var executionAgents []string
	for i, spec := range o.Analysis.Specializations {
		agent, err := e.spawnAgent(ctx, o, spec, "")
		if err != nil {
			return nil, fmt.Errorf("spawn %s specialist: %w", spec, err)
		}
		executionAgents = append(executionAgents, agent.ID)
		if i >= len(subIDs) {
			continue
		}
		inProgress := store.ObjectiveInProgress
		if _, err := e.objectives.Update(subIDs[i], objectives.UpdateParams{
			Status:          &inProgress,
			AssignedAgentID: &agent.ID,
		}); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.specialists = executionAgents
	o.mu.Unlock()

	return map[string]any{"executionAgents": executionAgents}, nil
}

// phaseMonitor supervises the specialists through the event bus until
// every sub-objective is terminal or the budget runs out.
func (e *Engine) phaseMonitor(ctx context.Context, o *Orchestration) (map[string]any, error) {
	subIDs := o.SubObjectiveIDs()
	specialists := map[string]bool{}
	for _, id := range o.SpecialistIDs() {
		specialists[id] = true
	}

	notify := make(chan bus.Event, 64)
	filter := bus.Filter{RepositoryPath: o.RepositoryPath}
	handler := func(ev bus.Event) {
		select {
		case notify <- ev:
		default:
		}
	}
	var subs []bus.SubscriptionID
	for _, kind := range []bus.Kind{bus.KindObjectiveCompleted, bus.KindObjectiveUpdate, bus.KindAgentTerminated} {
		id, err := e.bus.SubscribeFiltered(kind, filter, handler)
		if err != nil {
			return nil, err
		}
		subs = append(subs, id)
	}
	defer func() {
		for _, id := range subs {
			e.bus.Unsubscribe(id)
		}
	}()

	budget, cancel := context.WithTimeout(ctx, e.opts.MonitorBudget)
	defer cancel()

	monitorRef := progress.ContextRef{ID: o.ID, Type: "monitoring"}
	var lastEmit time.Time
	budgetExhausted := false

	for {
		completed, total := e.objectiveCounts(o)
		p := e.reportProgress(o, "monitoring specialists")
		if time.Since(lastEmit) >= monitorEmitWindow {
			lastEmit = time.Now()
			e.emitUpdate(o, PhaseMonitor, "in_progress", map[string]any{"progress": p})
		}
		if e.allObjectivesTerminal(subIDs) || budgetExhausted {
			return map[string]any{
				"completedObjectives": completed,
				"totalObjectives":     total,
				"budgetExhausted":     budgetExhausted,
			}, nil
		}

		select {
		case ev := <-notify:
			if ev.Kind != bus.KindObjectiveUpdate {
				continue
			}
			// feed specialist-reported progress into the aggregate
			if pl, ok := ev.Payload.(bus.ObjectiveUpdatePayload); ok &&
				pl.ProgressPercentage != nil && specialists[pl.AssignedAgentID] {
				e.progress.ReportForAgent(monitorRef, pl.AssignedAgentID, *pl.ProgressPercentage, "")
			}
		case <-time.After(monitorEmitWindow):
			// dropped events are recovered by the periodic recheck
		case <-budget.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn(log.CatOrch, "monitor budget exhausted", "id", o.ID)
			budgetExhausted = true
		}
	}
}

// phaseCleanup stores the closing summary. Best effort: a storage
// failure is logged, never fatal. Still-active agents are left to the
// stale cleanup policy.
func (e *Engine) phaseCleanup(ctx context.Context, o *Orchestration) (map[string]any, error) {
	completed, total := e.objectiveCounts(o)
	o.mu.Lock()
	var content string
	content += fmt.Sprintf("Objective: %s\n", o.Objective)
	content += fmt.Sprintf("Agents spawned: %d\n", len(o.agents))
	content += fmt.Sprintf("Objectives completed: %d/%d\n", completed, total)
	for _, ph := range []Phase{PhaseResearch, PhasePlan, PhaseExecute, PhaseMonitor} {
		content += fmt.Sprintf("Phase %s: %s\n", ph, o.phases[ph].Status)
	}
	o.mu.Unlock()

	entryID, err := e.know.Save(ctx, &knowledge.Entry{
		Title:          "Orchestration summary: " + o.Title,
		Content:        content,
		RepositoryPath: o.RepositoryPath,
		Tags:           []string{"orchestration", "summary"},
		Metadata:       map[string]any{"orchestration_id": o.ID},
	})
	if err != nil {
		log.Warn(log.CatOrch, "closing summary not stored", "id", o.ID, "error", err.Error())
		return map[string]any{}, nil
	}
	return map[string]any{"knowledgeEntryId": entryID}, nil
}

// finish records the terminal state and emits the closing event pair.
// No-op when Cancel already finished the orchestration.
func (e *Engine) finish(o *Orchestration, failure error) {
	o.mu.Lock()
	if o.state.IsTerminal() {
		o.mu.Unlock()
		return
	}
	success := failure == nil
	if success {
		o.state = StateCompleted
	} else {
		o.state = StateFailed
	}
	o.endedAt = time.Now()
	duration := o.endedAt.Sub(o.startedAt)
	phases := map[string]any{}
	for ph, rec := range o.phases {
		phases[string(ph)] = string(rec.Status)
	}
	agentCount := len(o.agents)
	o.mu.Unlock()

	p := e.progress.Report(progress.ContextRef{ID: o.ID, Type: "orchestration"},
		e.finalProgress(o, success), "orchestration finished")

	status := "completed"
	if !success {
		status = "failed"
	}
	e.emitUpdate(o, PhaseCleanup, status, map[string]any{"progress": p})

	finalResults := map[string]any{
		"phases":      phases,
		"agent_count": agentCount,
	}
	if failure != nil {
		finalResults["error"] = failure.Error()
	}
	e.bus.Emit(bus.NewEvent(bus.KindOrchestrationCompleted, bus.OrchestrationCompletedPayload{
		OrchestrationID: o.ID,
		Success:         success,
		Duration:        duration,
		FinalResults:    finalResults,
		RepositoryPath:  o.RepositoryPath,
	}).WithOrchestration(o.ID).WithRepository(o.RepositoryPath))

	log.Info(log.CatOrch, "orchestration finished", "id", o.ID, "success", success, "duration", duration.String())
	e.active.Set(o.ID, o, terminalRetention)
}

// Cancel terminates every recorded agent, fails the current phase, and
// moves the orchestration to cancelled. Idempotent.
func (e *Engine) Cancel(id string) error {
	o, ok := e.Get(id)
	if !ok {
		return zerr.New(zerr.KindNotFound, "orchestration %s", id)
	}

	o.mu.Lock()
	if o.state.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	o.state = StateCancelled
	o.endedAt = time.Now()
	duration := o.endedAt.Sub(o.startedAt)
	current := o.current
	if rec, ok := o.phases[current]; ok && rec.Status == PhaseInProgress {
		rec.Status = PhaseFailed
		rec.Error = "orchestration cancelled"
		rec.EndedAt = o.endedAt
	}
	agentIDs := append([]string(nil), o.agents...)
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, aid := range agentIDs {
		if err := e.agents.Terminate(aid, "orchestration cancelled"); err != nil {
			log.Warn(log.CatOrch, "agent terminate on cancel failed", "agent", aid, "error", err.Error())
		}
	}

	if current == "" {
		current = PhasePlan
	}
	e.emitUpdate(o, current, "failed", map[string]any{"reason": "cancelled"})
	e.bus.Emit(bus.NewEvent(bus.KindOrchestrationCompleted, bus.OrchestrationCompletedPayload{
		OrchestrationID: o.ID,
		Success:         false,
		Duration:        duration,
		FinalResults:    map[string]any{"cancelled": true},
		RepositoryPath:  o.RepositoryPath,
	}).WithOrchestration(o.ID).WithRepository(o.RepositoryPath))

	log.Info(log.CatOrch, "orchestration cancelled", "id", o.ID)
	e.active.Set(o.ID, o, terminalRetention)
	return nil
}

// CancelAll cancels every non-terminal orchestration and returns how
// many it touched. Used on graceful shutdown.
func (e *Engine) CancelAll() int {
	n := 0
	for id, item := range e.active.Items() {
		o, ok := item.Object.(*Orchestration)
		if !ok || o.State().IsTerminal() {
			continue
		}
		if err := e.Cancel(id); err == nil {
			n++
		}
	}
	return n
}

// spawnAgent creates one orchestration agent, joins it to the
// coordination room, and records it for cancellation.
func (e *Engine) spawnAgent(ctx context.Context, o *Orchestration, agentType, model string) (*store.Agent, error) {
	agent, err := e.agents.CreateAgent(ctx, agents.CreateParams{
		AgentName:            agentType + "-" + ids.Short(),
		AgentType:            agentType,
		RepositoryPath:       o.RepositoryPath,
		ObjectiveDescription: o.Objective,
		RoomID:               o.RoomID,
		Metadata:             map[string]any{"orchestration_id": o.ID},
		ClaudeConfig: agents.ClaudeConfig{
			Command: e.opts.AgentCommand,
			Args:    e.opts.AgentArgs,
			Prompt:  o.Objective,
			Model:   model,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.rooms.Join(o.RoomName, o.RepositoryPath, agent.ID); err != nil {
		log.Warn(log.CatOrch, "room join failed", "agent", agent.ID, "room", o.RoomName, "error", err.Error())
	}
	o.mu.Lock()
	o.agents = append(o.agents, agent.ID)
	o.mu.Unlock()
	return agent, nil
}

// reportProgress computes the orchestration progress and records it
// monotonically: the specialist average while any specialist is still
// active, the completed-objective ratio afterwards.
func (e *Engine) reportProgress(o *Orchestration, message string) float64 {
	specialists := o.SpecialistIDs()
	anyActive := false
	for _, id := range specialists {
		a, err := e.agents.Get(id)
		if err != nil {
			continue
		}
		if a.Status == store.AgentActive || a.Status == store.AgentInitializing {
			anyActive = true
			break
		}
	}

	var computed float64
	if anyActive {
		// agents that never reported count as zero
		agg := e.progress.Get(progress.ContextRef{ID: o.ID, Type: "monitoring"})
		if len(specialists) > 0 {
			computed = agg.TotalProgress * float64(agg.AgentCount) / float64(len(specialists))
		}
	} else {
		completed, total := e.objectiveCounts(o)
		if total > 0 {
			computed = 100 * float64(completed) / float64(total)
		}
	}
	return e.progress.Report(progress.ContextRef{ID: o.ID, Type: "orchestration"}, computed, message)
}

// finalProgress is the closing value for the orchestration context.
func (e *Engine) finalProgress(o *Orchestration, success bool) float64 {
	if success {
		return 100
	}
	completed, total := e.objectiveCounts(o)
	if total == 0 {
		return 0
	}
	return 100 * float64(completed) / float64(total)
}

// objectiveCounts reads the sub-objective completion ratio from the
// store.
func (e *Engine) objectiveCounts(o *Orchestration) (completed, total int) {
	subIDs := o.SubObjectiveIDs()
	for _, id := range subIDs {
		obj, err := e.db.Objectives().FindByID(id)
		if err != nil {
			continue
		}
		if obj.Status == store.ObjectiveCompleted {
			completed++
		}
	}
	return completed, len(subIDs)
}

func (e *Engine) allObjectivesTerminal(subIDs []string) bool {
	for _, id := range subIDs {
		obj, err := e.db.Objectives().FindByID(id)
		if err != nil {
			continue
		}
		if !obj.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// emitUpdate publishes one orchestration_update frame.
func (e *Engine) emitUpdate(o *Orchestration, ph Phase, status string, metadata map[string]any) {
	completed, total := e.objectiveCounts(o)
	o.mu.Lock()
	agentCount := len(o.agents)
	o.mu.Unlock()

	e.bus.Emit(bus.NewEvent(bus.KindOrchestrationUpdate, bus.OrchestrationUpdatePayload{
		OrchestrationID:     o.ID,
		Phase:               phaseLabels[ph],
		Status:              status,
		AgentCount:          agentCount,
		CompletedObjectives: completed,
		TotalObjectives:     total,
		RepositoryPath:      o.RepositoryPath,
		Metadata:            metadata,
	}).WithOrchestration(o.ID).WithRepository(o.RepositoryPath))
}
