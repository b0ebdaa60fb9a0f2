package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/agents"
	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/orchestrator"
	"github.com/zmcptools/zmcp/internal/progress"
	"github.com/zmcptools/zmcp/internal/rooms"
	"github.com/zmcptools/zmcp/internal/supervisor"
	"github.com/zmcptools/zmcp/internal/testutil"
	"github.com/zmcptools/zmcp/internal/waiter"
)

func newHandler(t *testing.T) (*Handler, *bus.EventBus) {
	t.Helper()
	db := testutil.NewDB(t)
	b := bus.New()
	sup := supervisor.New(b)
	roomSvc := rooms.NewService(db, b)
	agentSvc := agents.NewService(db, b, sup, roomSvc)
	objSvc := objectives.NewService(db, b)
	engine := orchestrator.New(db, b, agentSvc, objSvc, roomSvc,
		waiter.New(db, b), progress.NewTracker(b), orchestrator.Options{
			AgentCommand:  "sh",
			AgentArgs:     []string{"-c", "sleep 0.2"},
			MonitorBudget: 5 * time.Second,
		})
	return NewHandler(b, engine, agentSvc, objSvc), b
}

func call(t *testing.T, h *Handler, op, body string) Response {
	t.Helper()
	return h.Call(context.Background(), op, json.RawMessage(body))
}

func TestUnknownOperation(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "reticulate_splines", `{}`)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "unknown operation")
}

func TestSpawnAgentAcceptsCamelCase(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "spawn_agent", `{
		"agentType": "backend",
		"repositoryPath": "/repo",
		"objectiveDescription": "implement the API",
		"claudeConfig": {"command": "sh", "args": ["-c", "sleep 0.2"]}
	}`)
	require.True(t, resp.Success, resp.Error)

	data := resp.Data.(map[string]any)
	require.Equal(t, "backend", data["agent_type"])
	require.Equal(t, "active", data["status"])
	require.NotEmpty(t, data["pid"])

	// snake_case works identically.
	resp = call(t, h, "spawn_agent", `{
		"agent_type": "testing",
		"repository_path": "/repo",
		"objective_description": "write tests",
		"claude_config": {"command": "sh", "args": ["-c", "sleep 0.2"]}
	}`)
	require.True(t, resp.Success, resp.Error)
}

func TestSpawnAgentValidation(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "spawn_agent", `{"agent_type": "backend"}`)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "required")
}

func TestCreateObjectiveDefaultsPriority(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "create_objective", `{
		"repositoryPath": "/repo",
		"objectiveType": "feature",
		"title": "OAuth",
		"description": "Add OAuth login"
	}`)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]any)
	require.Equal(t, 5, data["priority"])
	require.Equal(t, "pending", data["status"])

	resp = call(t, h, "create_objective", `{"title": "incomplete"}`)
	require.False(t, resp.Success)
}

func TestListAgentsFilters(t *testing.T) {
	h, _ := newHandler(t)
	for _, repo := range []string{"/a", "/a", "/b"} {
		resp := call(t, h, "spawn_agent", `{
			"agent_type": "backend",
			"repository_path": "`+repo+`",
			"objective_description": "work",
			"claude_config": {"command": "sh", "args": ["-c", "sleep 0.2"]}
		}`)
		require.True(t, resp.Success, resp.Error)
	}

	resp := call(t, h, "list_agents", `{"repositoryPath": "/a"}`)
	require.True(t, resp.Success)
	agentsList := resp.Data.(map[string]any)["agents"].([]map[string]any)
	require.Len(t, agentsList, 2)

	resp = call(t, h, "list_agents", `{"repository_path": "/a", "limit": 1}`)
	require.True(t, resp.Success)
	require.Len(t, resp.Data.(map[string]any)["agents"].([]map[string]any), 1)
}

func TestTerminateAgentReportsPartialFailure(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "spawn_agent", `{
		"agent_type": "backend",
		"repository_path": "/repo",
		"objective_description": "work",
		"claude_config": {"command": "sh", "args": ["-c", "sleep 60"]}
	}`)
	require.True(t, resp.Success, resp.Error)
	agentID := resp.Data.(map[string]any)["agent_id"].(string)

	resp = call(t, h, "terminate_agent", `{"agent_ids": ["`+agentID+`", "missing"]}`)
	require.False(t, resp.Success)
	data := resp.Data.(map[string]any)
	require.Equal(t, []string{agentID}, data["terminated"])
	require.Contains(t, data["errors"].(map[string]string), "missing")

	resp = call(t, h, "terminate_agent", `{"agent_ids": []}`)
	require.False(t, resp.Success)
}

func TestContinueAgentSessionRejectsActive(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "spawn_agent", `{
		"agent_type": "backend",
		"repository_path": "/repo",
		"objective_description": "work",
		"claude_config": {"command": "sh", "args": ["-c", "sleep 60"]}
	}`)
	require.True(t, resp.Success, resp.Error)
	agentID := resp.Data.(map[string]any)["agent_id"].(string)
	defer call(t, h, "terminate_agent", `{"agent_ids": ["`+agentID+`"]}`)

	resp = call(t, h, "continue_agent_session", `{"agentId": "`+agentID+`"}`)
	require.False(t, resp.Success)

	resp = call(t, h, "continue_agent_session", `{}`)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "agent_id")
}

func TestCleanupStaleAgentsDryRun(t *testing.T) {
	h, _ := newHandler(t)
	resp := call(t, h, "cleanup_stale_agents", `{"staleMinutes": 30, "dryRun": true}`)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]any)
	require.Equal(t, true, data["dry_run"])
	require.Equal(t, 0, data["terminated_agents"])
}

func TestOrchestrateObjective(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, "orchestrate_objective", `{"title": "x"}`)
	require.False(t, resp.Success)

	resp = call(t, h, "orchestrate_objective", `{
		"title": "Add OAuth",
		"objective": "Add OAuth login to the API",
		"repositoryPath": "/repo",
		"skipPhases": ["research", "monitor"]
	}`)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]any)
	require.NotEmpty(t, data["orchestration_id"])
	require.NotEmpty(t, data["room_name"])

	// Let the run finish before the store is torn down.
	o, found := h.engine.Get(data["orchestration_id"].(string))
	require.True(t, found)
	select {
	case <-o.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("orchestration did not finish")
	}
}

func TestCallEmitsToolCallEvents(t *testing.T) {
	h, b := newHandler(t)

	var mu sync.Mutex
	var kinds []bus.Kind
	for _, kind := range []bus.Kind{bus.KindToolCallStarted, bus.KindToolCallCompleted, bus.KindToolCallFailed} {
		_, err := b.Subscribe(kind, func(ev bus.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	call(t, h, "list_agents", `{}`)
	call(t, h, "terminate_agent", `{}`)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bus.Kind{
		bus.KindToolCallStarted, bus.KindToolCallCompleted,
		bus.KindToolCallStarted, bus.KindToolCallFailed,
	}, kinds)
}
