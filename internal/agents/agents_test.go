package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/rooms"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/supervisor"
	"github.com/zmcptools/zmcp/internal/testutil"
	"github.com/zmcptools/zmcp/internal/waiter"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func newService(t *testing.T) (*Service, *bus.EventBus, *store.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	b := bus.New()
	sup := supervisor.New(b)
	roomSvc := rooms.NewService(db, b)
	return NewService(db, b, sup, roomSvc), b, db
}

func recordEvents(t *testing.T, b *bus.EventBus, kinds ...bus.Kind) func() []bus.Event {
	t.Helper()
	var mu sync.Mutex
	var got []bus.Event
	for _, k := range kinds {
		_, err := b.Subscribe(k, func(ev bus.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		})
		require.NoError(t, err)
	}
	return func() []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), got...)
	}
}

func sleeperConfig() ClaudeConfig {
	return ClaudeConfig{Command: "sleep", Args: []string{"60"}}
}

func seedAgent(t *testing.T, db *store.DB, status store.AgentStatus, heartbeat time.Time) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ID:             ids.New(),
		AgentName:      "seeded",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		Status:         status,
		CreatedAt:      heartbeat,
		LastHeartbeat:  heartbeat,
		UpdatedAt:      heartbeat,
	}
	require.NoError(t, db.Agents().Create(a))
	return a
}

func TestCreateAgentSpawnsAndActivates(t *testing.T) {
	svc, b, _ := newService(t)
	events := recordEvents(t, b, bus.KindAgentSpawned)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "builder",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   sleeperConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Terminate(agent.ID, "test done") })

	require.Equal(t, store.AgentActive, agent.Status)
	require.NotNil(t, agent.ClaudePID)
	require.True(t, supervisor.IsAlive(*agent.ClaudePID))

	evs := events()
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(bus.AgentSpawnedPayload)
	require.Equal(t, agent.ID, payload.AgentID)
	require.Equal(t, *agent.ClaudePID, payload.PID)
}

func TestCreateAgentSpawnFailure(t *testing.T) {
	svc, b, db := newService(t)
	errs := recordEvents(t, b, bus.KindSystemError)

	_, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "broken",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   ClaudeConfig{}, // no command
	})
	require.True(t, zerr.Is(err, zerr.KindChildSpawn))
	require.Len(t, errs(), 1)

	// The row survives in failed status.
	agents, err := db.Agents().FindFiltered(store.AgentFilter{Status: store.AgentFailed})
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestCreateAgentAutoRoom(t *testing.T) {
	svc, _, db := newService(t)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:            "social",
		AgentType:            "frontend",
		RepositoryPath:       "/repo",
		ObjectiveDescription: "Build the dashboard",
		AutoCreateRoom:       true,
		ClaudeConfig:         sleeperConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Terminate(agent.ID, "test done") })

	require.NotNil(t, agent.RoomID)
	room, err := db.Rooms().FindByID(*agent.RoomID)
	require.NoError(t, err)
	require.Contains(t, room.Name, "orch-build-the-dashboard-")
}

func TestTerminateIsIdempotent(t *testing.T) {
	svc, b, _ := newService(t)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "victim",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   sleeperConfig(),
	})
	require.NoError(t, err)

	events := recordEvents(t, b, bus.KindAgentTerminated)

	require.NoError(t, svc.Terminate(agent.ID, "shutting down"))
	got, err := svc.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentTerminated, got.Status)

	serviceEvents := 0
	for _, ev := range events() {
		if ev.Payload.(bus.AgentTerminatedPayload).Reason == "shutting down" {
			serviceEvents++
		}
	}
	require.Equal(t, 1, serviceEvents)

	// Second call is a no-op.
	require.NoError(t, svc.Terminate(agent.ID, "again"))
	for _, ev := range events() {
		require.NotEqual(t, "again", ev.Payload.(bus.AgentTerminatedPayload).Reason)
	}
}

func TestContinueAgentSession(t *testing.T) {
	svc, b, db := newService(t)

	stale := time.Now().Add(-time.Hour)
	agent := seedAgent(t, db, store.AgentCompleted, stale)
	session := "convo-123"
	agent.ConvoSessionID = &session
	require.NoError(t, db.Agents().Update(agent))

	resumed := recordEvents(t, b, bus.KindAgentResumed)

	got, err := svc.ContinueAgentSession(context.Background(), agent.ID, ContinueAgentParams{
		PreserveContext: true,
		UpdateMetadata:  map[string]any{"attempt": float64(2)},
		ClaudeConfig:    sleeperConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Terminate(agent.ID, "test done") })

	require.Equal(t, store.AgentActive, got.Status)
	require.NotNil(t, got.ClaudePID)
	require.Equal(t, float64(2), got.Metadata["attempt"])
	require.Len(t, resumed(), 1)

	// Active agents cannot be resumed again.
	_, err = svc.ContinueAgentSession(context.Background(), agent.ID, ContinueAgentParams{
		ClaudeConfig: sleeperConfig(),
	})
	require.True(t, zerr.Is(err, zerr.KindIllegalTransition))
}

func TestListAgentsOrder(t *testing.T) {
	svc, _, db := newService(t)

	old := seedAgent(t, db, store.AgentActive, time.Now().Add(-time.Hour))
	fresh := seedAgent(t, db, store.AgentActive, time.Now())

	agents, err := svc.ListAgents(store.AgentFilter{RepositoryPath: "/repo"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, fresh.ID, agents[0].ID, "most recent heartbeat first")
	require.Equal(t, old.ID, agents[1].ID)
}

func TestDependsOnCycleRejected(t *testing.T) {
	svc, _, db := newService(t)

	a := seedAgent(t, db, store.AgentActive, time.Now())
	a.DependsOn = []string{a.ID}
	require.NoError(t, db.Agents().Update(a))

	created, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "cyclic",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		DependsOn:      []string{a.ID},
		ClaudeConfig:   sleeperConfig(),
	})
	// A fresh agent cannot close a cycle; the traversal just must not
	// hang on the dependency's self-loop.
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Terminate(created.ID, "test done") })
}

func TestCleanExitPersistsCompleted(t *testing.T) {
	svc, b, db := newService(t)
	changes := recordEvents(t, b, bus.KindAgentStatusChange)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "quick",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   ClaudeConfig{Command: "sh", Args: []string{"-c", "sleep 0.1"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := db.Agents().FindByID(agent.ID)
		return err == nil && got.Status == store.AgentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	var sawCompleted bool
	for _, ev := range changes() {
		p := ev.Payload.(bus.AgentStatusChangePayload)
		if p.AgentID == agent.ID && p.NewStatus == string(store.AgentCompleted) {
			require.Equal(t, string(store.AgentActive), p.PreviousStatus)
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted)
}

func TestNonZeroExitPersistsFailed(t *testing.T) {
	svc, _, db := newService(t)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "crasher",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   ClaudeConfig{Command: "sh", Args: []string{"-c", "sleep 0.1; exit 3"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := db.Agents().FindByID(agent.ID)
		return err == nil && got.Status == store.AgentFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWaitAfterCleanExit(t *testing.T) {
	svc, b, db := newService(t)

	agent, err := svc.CreateAgent(context.Background(), CreateParams{
		AgentName:      "dependency",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		ClaudeConfig:   ClaudeConfig{Command: "sh", Args: []string{"-c", "sleep 0.1"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := db.Agents().FindByID(agent.ID)
		return err == nil && got.Status == store.AgentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// A wait starting after the exit resolves from the stored status,
	// not from events it never saw.
	w := waiter.New(db, b)
	result, err := w.WaitForAgentDependencies(context.Background(), []string{agent.ID}, "/repo", waiter.Options{
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{agent.ID}, result.Completed)
	require.Empty(t, result.Failed)
}
