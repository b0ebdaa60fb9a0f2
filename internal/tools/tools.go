// Package tools is the structured request surface the orchestrator
// exposes. Every operation takes a JSON request and returns
// {success, message, data | error}; request fields are accepted in both
// camelCase and snake_case.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zmcptools/zmcp/internal/agents"
	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/orchestrator"
	"github.com/zmcptools/zmcp/internal/store"
)

// Response is the uniform operation result.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(message string, data any) Response {
	return Response{Success: true, Message: message, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Handler dispatches tool operations onto the services.
type Handler struct {
	bus        *bus.EventBus
	engine     *orchestrator.Engine
	agents     *agents.Service
	objectives *objectives.Service

	ops map[string]func(context.Context, json.RawMessage) Response
}

// NewHandler creates the tool surface.
func NewHandler(eventBus *bus.EventBus, engine *orchestrator.Engine,
	agentSvc *agents.Service, objSvc *objectives.Service) *Handler {
	h := &Handler{bus: eventBus, engine: engine, agents: agentSvc, objectives: objSvc}
	h.ops = map[string]func(context.Context, json.RawMessage) Response{
		"orchestrate_objective":  h.orchestrateObjective,
		"spawn_agent":            h.spawnAgent,
		"create_objective":       h.createObjective,
		"list_agents":            h.listAgents,
		"terminate_agent":        h.terminateAgent,
		"continue_agent_session": h.continueAgentSession,
		"cleanup_stale_agents":   h.cleanupStaleAgents,
	}
	return h
}

// Operations lists the available operation names.
func (h *Handler) Operations() []string {
	names := make([]string, 0, len(h.ops))
	for name := range h.ops {
		names = append(names, name)
	}
	return names
}

// Call dispatches one operation, emitting tool_call events around it.
func (h *Handler) Call(ctx context.Context, name string, raw json.RawMessage) Response {
	op, found := h.ops[name]
	if !found {
		return fail(fmt.Errorf("unknown operation %q", name))
	}

	h.bus.Emit(bus.NewEvent(bus.KindToolCallStarted, map[string]any{"tool": name}))
	resp := op(ctx, raw)
	if resp.Success {
		h.bus.Emit(bus.NewEvent(bus.KindToolCallCompleted, map[string]any{"tool": name}))
	} else {
		log.Warn(log.CatOrch, "tool call failed", "tool", name, "error", resp.Error)
		h.bus.Emit(bus.NewEvent(bus.KindToolCallFailed, map[string]any{"tool": name, "error": resp.Error}))
	}
	return resp
}

// decode unmarshals a request tolerating camelCase field names by
// folding every key to snake_case first.
func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	normalized, err := json.Marshal(normalizeKeys(generic))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, isMap := v.(map[string]any); isMap {
			v = normalizeKeys(nested)
		}
		out[snakeCase(k)] = v
	}
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '_' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type orchestrateRequest struct {
	Title          string   `json:"title"`
	Objective      string   `json:"objective"`
	RepositoryPath string   `json:"repository_path"`
	SkipPhases     []string `json:"skip_phases"`
}

func (h *Handler) orchestrateObjective(ctx context.Context, raw json.RawMessage) Response {
	var req orchestrateRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	if req.Title == "" || req.Objective == "" || req.RepositoryPath == "" {
		return fail(fmt.Errorf("title, objective, and repository_path are required"))
	}

	skip := make([]orchestrator.Phase, 0, len(req.SkipPhases))
	for _, ph := range req.SkipPhases {
		skip = append(skip, orchestrator.Phase(ph))
	}
	o, err := h.engine.Start(ctx, orchestrator.OrchestrateParams{
		Title:          req.Title,
		Objective:      req.Objective,
		RepositoryPath: req.RepositoryPath,
		SkipPhases:     skip,
	})
	if err != nil {
		return fail(err)
	}
	return ok("orchestration started", map[string]any{
		"orchestration_id":    o.ID,
		"room_name":           o.RoomName,
		"master_objective_id": o.MasterObjectiveID,
		"recommended_model":   o.Analysis.RecommendedModel,
		"specializations":     o.Analysis.Specializations,
	})
}

type spawnAgentRequest struct {
	AgentType            string         `json:"agent_type"`
	AgentName            string         `json:"agent_name"`
	RepositoryPath       string         `json:"repository_path"`
	ObjectiveDescription string         `json:"objective_description"`
	Capabilities         []string       `json:"capabilities"`
	DependsOn            []string       `json:"depends_on"`
	AutoCreateRoom       bool           `json:"auto_create_room"`
	Metadata             map[string]any `json:"metadata"`
	ClaudeConfig         struct {
		Prompt    string            `json:"prompt"`
		Model     string            `json:"model"`
		SessionID string            `json:"session_id"`
		Command   string            `json:"command"`
		Args      []string          `json:"args"`
		Env       map[string]string `json:"env"`
	} `json:"claude_config"`
}

func (h *Handler) spawnAgent(ctx context.Context, raw json.RawMessage) Response {
	var req spawnAgentRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	if req.AgentType == "" || req.RepositoryPath == "" || req.ObjectiveDescription == "" {
		return fail(fmt.Errorf("agent_type, repository_path, and objective_description are required"))
	}

	agent, err := h.agents.CreateAgent(ctx, agents.CreateParams{
		AgentName:            req.AgentName,
		AgentType:            req.AgentType,
		RepositoryPath:       req.RepositoryPath,
		ObjectiveDescription: req.ObjectiveDescription,
		Capabilities:         req.Capabilities,
		DependsOn:            req.DependsOn,
		Metadata:             req.Metadata,
		AutoCreateRoom:       req.AutoCreateRoom,
		ClaudeConfig: agents.ClaudeConfig{
			Prompt:          req.ClaudeConfig.Prompt,
			Model:           req.ClaudeConfig.Model,
			SessionID:       req.ClaudeConfig.SessionID,
			Command:         req.ClaudeConfig.Command,
			Args:            req.ClaudeConfig.Args,
			EnvironmentVars: req.ClaudeConfig.Env,
		},
	})
	if err != nil {
		return fail(err)
	}
	return ok("agent spawned", agentSummary(agent))
}

type createObjectiveRequest struct {
	RepositoryPath string         `json:"repository_path"`
	ObjectiveType  string         `json:"objective_type"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Priority       int            `json:"priority"`
	Dependencies   []string       `json:"dependencies"`
	Extra          map[string]any `json:"extra"`
}

func (h *Handler) createObjective(_ context.Context, raw json.RawMessage) Response {
	var req createObjectiveRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	if req.RepositoryPath == "" || req.ObjectiveType == "" || req.Title == "" || req.Description == "" {
		return fail(fmt.Errorf("repository_path, objective_type, title, and description are required"))
	}
	if req.Priority <= 0 {
		req.Priority = 5
	}

	extra := req.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extra["title"] = req.Title
	obj, err := h.objectives.Create(objectives.CreateParams{
		RepositoryPath: req.RepositoryPath,
		ObjectiveType:  store.ObjectiveType(req.ObjectiveType),
		Description:    req.Description,
		Priority:       req.Priority,
		Requirements: store.Requirements{
			Dependencies: req.Dependencies,
			Extra:        extra,
		},
	})
	if err != nil {
		return fail(err)
	}
	return ok("objective created", map[string]any{
		"objective_id":   obj.ID,
		"objective_type": string(obj.ObjectiveType),
		"status":         string(obj.Status),
		"priority":       obj.Priority,
	})
}

type listAgentsRequest struct {
	RepositoryPath string `json:"repository_path"`
	Status         string `json:"status"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

func (h *Handler) listAgents(_ context.Context, raw json.RawMessage) Response {
	var req listAgentsRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	list, err := h.agents.ListAgents(store.AgentFilter{
		RepositoryPath: req.RepositoryPath,
		Status:         store.AgentStatus(req.Status),
		Limit:          req.Limit,
		Offset:         req.Offset,
	})
	if err != nil {
		return fail(err)
	}
	summaries := make([]map[string]any, 0, len(list))
	for _, a := range list {
		summaries = append(summaries, agentSummary(a))
	}
	return ok(fmt.Sprintf("%d agents", len(summaries)), map[string]any{"agents": summaries})
}

type terminateAgentRequest struct {
	AgentIDs []string `json:"agent_ids"`
	Reason   string   `json:"reason"`
}

func (h *Handler) terminateAgent(_ context.Context, raw json.RawMessage) Response {
	var req terminateAgentRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	if len(req.AgentIDs) == 0 {
		return fail(fmt.Errorf("agent_ids is required"))
	}
	if req.Reason == "" {
		req.Reason = "terminated via tool call"
	}

	var terminated []string
	errs := map[string]string{}
	for _, id := range req.AgentIDs {
		if err := h.agents.Terminate(id, req.Reason); err != nil {
			errs[id] = err.Error()
			continue
		}
		terminated = append(terminated, id)
	}
	if len(errs) > 0 {
		return Response{
			Success: false,
			Error:   fmt.Sprintf("%d of %d terminations failed", len(errs), len(req.AgentIDs)),
			Data:    map[string]any{"terminated": terminated, "errors": errs},
		}
	}
	return ok("agents terminated", map[string]any{"terminated": terminated})
}

type continueAgentRequest struct {
	AgentID                 string         `json:"agent_id"`
	AdditionalInstructions  string         `json:"additional_instructions"`
	NewObjectiveDescription string         `json:"new_objective_description"`
	PreserveContext         bool           `json:"preserve_context"`
	UpdateMetadata          map[string]any `json:"update_metadata"`
	ClaudeConfig            struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Model   string   `json:"model"`
	} `json:"claude_config"`
}

func (h *Handler) continueAgentSession(ctx context.Context, raw json.RawMessage) Response {
	var req continueAgentRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	if req.AgentID == "" {
		return fail(fmt.Errorf("agent_id is required"))
	}

	agent, err := h.agents.ContinueAgentSession(ctx, req.AgentID, agents.ContinueAgentParams{
		AdditionalInstructions:  req.AdditionalInstructions,
		NewObjectiveDescription: req.NewObjectiveDescription,
		PreserveContext:         req.PreserveContext,
		UpdateMetadata:          req.UpdateMetadata,
		ClaudeConfig: agents.ClaudeConfig{
			Command: req.ClaudeConfig.Command,
			Args:    req.ClaudeConfig.Args,
			Model:   req.ClaudeConfig.Model,
		},
	})
	if err != nil {
		return fail(err)
	}
	return ok("agent session resumed", agentSummary(agent))
}

type cleanupStaleRequest struct {
	StaleMinutes       int  `json:"stale_minutes"`
	DryRun             bool `json:"dry_run"`
	IncludeRoomCleanup bool `json:"include_room_cleanup"`
	NotifyParticipants bool `json:"notify_participants"`
}

func (h *Handler) cleanupStaleAgents(_ context.Context, raw json.RawMessage) Response {
	var req cleanupStaleRequest
	if err := decode(raw, &req); err != nil {
		return fail(err)
	}
	summary, err := h.agents.CleanupStaleAgents(agents.StaleAgentParams{
		StaleMinutes:       req.StaleMinutes,
		DryRun:             req.DryRun,
		IncludeRoomCleanup: req.IncludeRoomCleanup,
		NotifyParticipants: req.NotifyParticipants,
	})
	if err != nil {
		return fail(err)
	}
	return ok("stale agent cleanup finished", map[string]any{
		"stale_agents":      summary.StaleAgents,
		"terminated_agents": summary.TerminatedAgents,
		"stale_rooms":       summary.StaleRooms,
		"closed_rooms":      summary.ClosedRooms,
		"dry_run":           summary.DryRun,
	})
}

func agentSummary(a *store.Agent) map[string]any {
	out := map[string]any{
		"agent_id":        a.ID,
		"agent_name":      a.AgentName,
		"agent_type":      a.AgentType,
		"status":          string(a.Status),
		"repository_path": a.RepositoryPath,
	}
	if a.ClaudePID != nil {
		out["pid"] = *a.ClaudePID
	}
	if a.RoomID != nil {
		out["room_id"] = *a.RoomID
	}
	return out
}
