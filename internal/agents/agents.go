// Package agents manages worker sessions: spawning their child
// processes, tracking status through heartbeats and reconciliation, and
// cleaning up stale agents and rooms.
package agents

import (
	"context"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/rooms"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/supervisor"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// ClaudeConfig describes how to launch an agent's child process.
type ClaudeConfig struct {
	Prompt          string
	Model           string
	SessionID       string
	EnvironmentVars map[string]string
	Command         string
	Args            []string
}

// Service implements the agent lifecycle.
type Service struct {
	db    *store.DB
	bus   *bus.EventBus
	sup   *supervisor.Supervisor
	rooms *rooms.Service

	// alive is swapped in tests to simulate process death.
	alive func(pid int) bool
}

// NewService creates an agent service.
func NewService(db *store.DB, eventBus *bus.EventBus, sup *supervisor.Supervisor, roomSvc *rooms.Service) *Service {
	s := &Service{
		db:    db,
		bus:   eventBus,
		sup:   sup,
		rooms: roomSvc,
		alive: supervisor.IsAlive,
	}
	s.consumeExitReports()
	return s
}

// consumeExitReports persists the supervisor's exit outcomes. The
// supervisor only knows the process result; the row transition to
// completed/failed and the status_change event happen here.
func (s *Service) consumeExitReports() {
	_, err := s.bus.Subscribe(bus.KindAgentTerminated, func(ev bus.Event) {
		payload, ok := ev.Payload.(bus.AgentTerminatedPayload)
		if !ok {
			return
		}
		status := store.AgentStatus(payload.FinalStatus)
		if status != store.AgentCompleted && status != store.AgentFailed {
			return
		}
		agent, err := s.db.Agents().FindByID(payload.AgentID)
		if err != nil || agent.Status.IsTerminal() {
			return
		}
		previous := agent.Status
		agent.Status = status
		if err := s.db.Agents().Update(agent); err != nil {
			log.ErrorErr(log.CatAgent, "persisting exit report failed", err, "agent_id", agent.ID)
			return
		}
		log.Info(log.CatAgent, "agent exit recorded", "id", agent.ID, "status", string(status), "reason", payload.Reason)
		s.emitStatusChange(agent, previous)
	})
	if err != nil {
		log.ErrorErr(log.CatAgent, "exit report subscription failed", err)
	}
}

// emitStatusChange publishes an agent_status_change for a persisted
// transition.
func (s *Service) emitStatusChange(agent *store.Agent, previous store.AgentStatus) {
	s.bus.Emit(bus.NewEvent(bus.KindAgentStatusChange, bus.AgentStatusChangePayload{
		AgentID:        agent.ID,
		PreviousStatus: string(previous),
		NewStatus:      string(agent.Status),
		RepositoryPath: agent.RepositoryPath,
	}).WithRepository(agent.RepositoryPath).WithAgent(agent.ID))
}

// CreateParams are the inputs for CreateAgent.
type CreateParams struct {
	AgentName            string
	AgentType            string
	RepositoryPath       string
	ObjectiveDescription string
	Capabilities         []string
	DependsOn            []string
	Metadata             map[string]any
	AutoCreateRoom       bool
	RoomID               string
	ClaudeConfig         ClaudeConfig
}

// CreateAgent persists an initializing agent, spawns its child process,
// and on success flips it to active and emits agent_spawned. A spawn
// failure leaves the agent failed and surfaces the error.
func (s *Service) CreateAgent(ctx context.Context, params CreateParams) (*store.Agent, error) {
	if err := s.checkDependsOnAcyclic("", params.DependsOn); err != nil {
		return nil, err
	}

	now := time.Now()
	agent := &store.Agent{
		ID:             ids.New(),
		AgentName:      params.AgentName,
		AgentType:      params.AgentType,
		RepositoryPath: params.RepositoryPath,
		Status:         store.AgentInitializing,
		Capabilities:   params.Capabilities,
		DependsOn:      params.DependsOn,
		Metadata:       params.Metadata,
		CreatedAt:      now,
		LastHeartbeat:  now,
		UpdatedAt:      now,
	}
	if params.RoomID != "" {
		agent.RoomID = &params.RoomID
	}
	if params.ClaudeConfig.SessionID != "" {
		agent.ConvoSessionID = &params.ClaudeConfig.SessionID
	}
	if err := s.db.Agents().Create(agent); err != nil {
		return nil, err
	}

	if params.AutoCreateRoom && params.RoomID == "" {
		room, err := s.rooms.CreateOrchestrationRoom(params.ObjectiveDescription, params.RepositoryPath)
		if err != nil {
			log.Warn(log.CatAgent, "auto room creation failed", "agent_id", agent.ID, "error", err.Error())
		} else {
			agent.RoomID = &room.ID
		}
	}

	child, err := s.spawn(ctx, agent, params.ClaudeConfig)
	if err != nil {
		agent.Status = store.AgentFailed
		_ = s.db.Agents().Update(agent)
		s.emitStatusChange(agent, store.AgentInitializing)
		s.bus.Emit(bus.NewEvent(bus.KindSystemError, bus.SystemErrorPayload{
			Error:          err.Error(),
			Context:        "agent spawn",
			RepositoryPath: agent.RepositoryPath,
		}).WithRepository(agent.RepositoryPath).WithAgent(agent.ID))
		return nil, err
	}

	agent.Status = store.AgentActive
	agent.ClaudePID = &child.PID
	if err := s.db.Agents().Update(agent); err != nil {
		return nil, err
	}
	s.emitStatusChange(agent, store.AgentInitializing)

	log.Info(log.CatAgent, "agent spawned", "id", agent.ID, "name", agent.AgentName, "pid", child.PID)
	s.bus.Emit(bus.NewEvent(bus.KindAgentSpawned, bus.AgentSpawnedPayload{
		AgentID:        agent.ID,
		AgentName:      agent.AgentName,
		AgentType:      agent.AgentType,
		PID:            child.PID,
		RepositoryPath: agent.RepositoryPath,
	}).WithRepository(agent.RepositoryPath).WithAgent(agent.ID))
	return agent, nil
}

// Get returns an agent by id.
func (s *Service) Get(id string) (*store.Agent, error) {
	return s.db.Agents().FindByID(id)
}

// ListAgents returns agents for the filter, most recent heartbeat first.
func (s *Service) ListAgents(filter store.AgentFilter) ([]*store.Agent, error) {
	return s.db.Agents().FindFiltered(filter)
}

// Heartbeat refreshes an agent's last_heartbeat.
func (s *Service) Heartbeat(id string) error {
	return s.db.Agents().TouchHeartbeat(id)
}

// Terminate moves an agent to terminated and signals its child process.
// Terminal agents are left untouched, making the call idempotent.
func (s *Service) Terminate(id, reason string) error {
	agent, err := s.db.Agents().FindByID(id)
	if err != nil {
		return err
	}
	if agent.Status.IsTerminal() {
		return nil
	}
	return s.markTerminated(agent, store.AgentTerminated, reason, true)
}

// ContinueAgentParams are the inputs for ContinueAgentSession.
type ContinueAgentParams struct {
	AdditionalInstructions  string
	NewObjectiveDescription string
	PreserveContext         bool
	UpdateMetadata          map[string]any
	ClaudeConfig            ClaudeConfig
}

// ContinueAgentSession re-opens a terminal or idle agent: the child is
// respawned with the stored conversation session id and the agent goes
// back to active, emitting agent_resumed.
func (s *Service) ContinueAgentSession(ctx context.Context, id string, params ContinueAgentParams) (*store.Agent, error) {
	agent, err := s.db.Agents().FindByID(id)
	if err != nil {
		return nil, err
	}
	if agent.Status == store.AgentActive || agent.Status == store.AgentInitializing {
		return nil, zerr.New(zerr.KindIllegalTransition,
			"agent %s is %s; only idle or terminal agents can be resumed", id, agent.Status)
	}

	cfg := params.ClaudeConfig
	if params.PreserveContext && agent.ConvoSessionID != nil {
		cfg.SessionID = *agent.ConvoSessionID
	}
	if params.AdditionalInstructions != "" {
		if cfg.EnvironmentVars == nil {
			cfg.EnvironmentVars = map[string]string{}
		}
		cfg.EnvironmentVars["ZMCP_INSTRUCTIONS"] = params.AdditionalInstructions
	}
	if agent.Metadata == nil && (params.NewObjectiveDescription != "" || len(params.UpdateMetadata) > 0) {
		agent.Metadata = map[string]any{}
	}
	if params.NewObjectiveDescription != "" {
		agent.Metadata["objective_description"] = params.NewObjectiveDescription
	}
	for k, v := range params.UpdateMetadata {
		agent.Metadata[k] = v
	}

	child, err := s.spawn(ctx, agent, cfg)
	if err != nil {
		return nil, err
	}

	previous := agent.Status
	agent.Status = store.AgentActive
	agent.ClaudePID = &child.PID
	agent.LastHeartbeat = time.Now()
	if err := s.db.Agents().Update(agent); err != nil {
		return nil, err
	}
	s.emitStatusChange(agent, previous)

	log.Info(log.CatAgent, "agent resumed", "id", agent.ID, "pid", child.PID)
	s.bus.Emit(bus.NewEvent(bus.KindAgentResumed, bus.AgentResumedPayload{
		AgentID:        agent.ID,
		RepositoryPath: agent.RepositoryPath,
	}).WithRepository(agent.RepositoryPath).WithAgent(agent.ID))
	return agent, nil
}

// spawn launches the child process for an agent.
func (s *Service) spawn(ctx context.Context, agent *store.Agent, cfg ClaudeConfig) (*supervisor.Child, error) {
	env := map[string]string{}
	for k, v := range cfg.EnvironmentVars {
		env[k] = v
	}
	if cfg.Prompt != "" {
		env["ZMCP_PROMPT"] = cfg.Prompt
	}
	if cfg.Model != "" {
		env["ZMCP_MODEL"] = cfg.Model
	}
	if cfg.SessionID != "" {
		env["ZMCP_SESSION_ID"] = cfg.SessionID
	}
	return s.sup.Spawn(ctx, supervisor.SpawnSpec{
		AgentID:        agent.ID,
		AgentType:      agent.AgentType,
		ProjectContext: agent.RepositoryPath,
		RepositoryPath: agent.RepositoryPath,
		Command:        cfg.Command,
		Args:           cfg.Args,
		Env:            env,
		Dir:            agent.RepositoryPath,
	})
}

// markTerminated persists a terminal status, optionally signals the
// child, and emits agent_terminated.
func (s *Service) markTerminated(agent *store.Agent, status store.AgentStatus, reason string, signalChild bool) error {
	previous := agent.Status
	agent.Status = status
	if err := s.db.Agents().Update(agent); err != nil {
		return err
	}
	s.emitStatusChange(agent, previous)

	if signalChild && agent.ClaudePID != nil && s.alive(*agent.ClaudePID) {
		if err := s.sup.Terminate(*agent.ClaudePID); err != nil {
			log.Warn(log.CatAgent, "child terminate failed", "agent_id", agent.ID, "error", err.Error())
		}
	}

	log.Info(log.CatAgent, "agent terminated", "id", agent.ID, "from", string(previous), "reason", reason)
	s.bus.Emit(bus.NewEvent(bus.KindAgentTerminated, bus.AgentTerminatedPayload{
		AgentID:        agent.ID,
		FinalStatus:    string(status),
		Reason:         reason,
		RepositoryPath: agent.RepositoryPath,
	}).WithRepository(agent.RepositoryPath).WithAgent(agent.ID))
	return nil
}

// checkDependsOnAcyclic rejects depends_on edges that would close a
// cycle through the (not yet created) agent. Unknown ids are skipped.
func (s *Service) checkDependsOnAcyclic(selfID string, dependsOn []string) error {
	visited := map[string]bool{}
	frontier := append([]string(nil), dependsOn...)
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if selfID != "" && id == selfID {
			return zerr.New(zerr.KindCycle, "depends_on cycle through agent %s", selfID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		dep, err := s.db.Agents().FindByID(id)
		if zerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		frontier = append(frontier, dep.DependsOn...)
	}
	return nil
}
