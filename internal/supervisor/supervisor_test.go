package supervisor

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestProcessTitle(t *testing.T) {
	cases := []struct {
		agentType string
		project   string
		agentID   string
		want      string
	}{
		{"backend", "shop", "a1", "zmcp-be-shop-a1"},
		{"frontend", "shop", "a1", "zmcp-fe-shop-a1"},
		{"testing", "shop", "a1", "zmcp-ts-shop-a1"},
		{"documentation", "shop", "a1", "zmcp-dc-shop-a1"},
		{"architect", "shop", "a1", "zmcp-ar-shop-a1"},
		{"devops", "shop", "a1", "zmcp-dv-shop-a1"},
		{"analysis", "shop", "a1", "zmcp-an-shop-a1"},
		{"researcher", "shop", "a1", "zmcp-rs-shop-a1"},
		{"implementer", "shop", "a1", "zmcp-im-shop-a1"},
		{"reviewer", "shop", "a1", "zmcp-rv-shop-a1"},
		{"Backend", "shop", "a1", "zmcp-be-shop-a1"},
		{"wizard", "shop", "a1", "zmcp-wi-shop-a1"},
		{"x", "shop", "a1", "zmcp-x-shop-a1"},
		{"backend", "a-project-name-well-beyond-twenty", "a1", "zmcp-be-a-project-name-well-a1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ProcessTitle(tc.agentType, tc.project, tc.agentID),
			"type=%s project=%s", tc.agentType, tc.project)
	}
}

func TestProcessTitleMultibyte(t *testing.T) {
	// truncation happens on rune boundaries, never mid-character
	require.Equal(t, "zmcp-üb-shop-a1", ProcessTitle("Überwacher", "shop", "a1"))

	long := strings.Repeat("日", 25)
	title := ProcessTitle("backend", long, "a1")
	require.Equal(t, "zmcp-be-"+strings.Repeat("日", 20)+"-a1", title)
	require.True(t, utf8.ValidString(title))
}

func TestSupervisor_SpawnEmptyCommand(t *testing.T) {
	s := New(bus.New())
	_, err := s.Spawn(context.Background(), SpawnSpec{AgentID: "a1"})
	require.True(t, zerr.Is(err, zerr.KindChildSpawn))
}

// collectTerminations subscribes before spawning so no exit event is missed.
func collectTerminations(t *testing.T, b *bus.EventBus) func() []bus.AgentTerminatedPayload {
	t.Helper()
	var mu sync.Mutex
	var got []bus.AgentTerminatedPayload
	_, err := b.Subscribe(bus.KindAgentTerminated, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(bus.AgentTerminatedPayload))
	})
	require.NoError(t, err)
	return func() []bus.AgentTerminatedPayload {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.AgentTerminatedPayload(nil), got...)
	}
}

func TestSupervisor_CleanExitReportsCompleted(t *testing.T) {
	b := bus.New()
	s := New(b)
	events := collectTerminations(t, b)

	child, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID:        "a1",
		AgentType:      "backend",
		ProjectContext: "proj",
		RepositoryPath: "/repo",
		Command:        "sh",
		Args:           []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	require.Greater(t, child.PID, 0)

	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	require.Equal(t, 0, child.ExitCode())
	require.Equal(t, 0, s.ChildCount())

	evs := events()
	require.Len(t, evs, 1)
	require.Equal(t, "a1", evs[0].AgentID)
	require.Equal(t, "completed", evs[0].FinalStatus)
	require.Equal(t, "/repo", evs[0].RepositoryPath)
}

func TestSupervisor_NonZeroExitReportsFailed(t *testing.T) {
	b := bus.New()
	s := New(b)
	events := collectTerminations(t, b)

	child, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "a2",
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	<-child.Done()
	require.Equal(t, 3, child.ExitCode())

	evs := events()
	require.Len(t, evs, 1)
	require.Equal(t, "failed", evs[0].FinalStatus)
}

func TestSupervisor_EnvInjection(t *testing.T) {
	b := bus.New()
	s := New(b)

	// The child script exits 0 only when every injected variable is present.
	script := `[ "$ZMCP_AGENT_TYPE" = backend ] &&
		[ "$ZMCP_PROJECT_CONTEXT" = proj ] &&
		[ "$ZMCP_AGENT_ID" = a3 ] &&
		[ "$ZMCP_PROCESS_TITLE" = zmcp-be-proj-a3 ] &&
		[ "$EXTRA" = hello ]`

	child, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID:        "a3",
		AgentType:      "backend",
		ProjectContext: "proj",
		Command:        "sh",
		Args:           []string{"-c", script},
		Env:            map[string]string{"EXTRA": "hello"},
	})
	require.NoError(t, err)

	<-child.Done()
	require.Equal(t, 0, child.ExitCode())
}

func TestSupervisor_SignalExitReraisesOnParent(t *testing.T) {
	b := bus.New()
	s := New(b)
	events := collectTerminations(t, b)

	var mu sync.Mutex
	var raised []syscall.Signal
	s.reraise = func(sig syscall.Signal) {
		mu.Lock()
		defer mu.Unlock()
		raised = append(raised, sig)
	}

	child, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "a4",
		Command: "sleep",
		Args:    []string{"60"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Signal(child.PID, syscall.SIGTERM))
	<-child.Done()

	mu.Lock()
	require.Equal(t, []syscall.Signal{syscall.SIGTERM}, raised)
	mu.Unlock()

	evs := events()
	require.Len(t, evs, 1)
	require.Equal(t, "failed", evs[0].FinalStatus)
	require.Contains(t, evs[0].Reason, "signal")
}

func TestSupervisor_TerminateStopsChild(t *testing.T) {
	b := bus.New()
	s := New(b)
	var mu sync.Mutex
	raised := 0
	s.reraise = func(syscall.Signal) {
		mu.Lock()
		raised++
		mu.Unlock()
	}

	child, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "a5",
		Command: "sleep",
		Args:    []string{"60"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(child.PID))

	select {
	case <-child.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child survived Terminate")
	}
	require.False(t, IsAlive(child.PID))

	mu.Lock()
	require.Zero(t, raised, "a deliberate terminate is not re-raised")
	mu.Unlock()
}

func TestSupervisor_SignalUnknownPID(t *testing.T) {
	s := New(bus.New())
	err := s.Signal(999999, syscall.SIGTERM)
	require.True(t, zerr.IsNotFound(err))
}

func TestIsAlive(t *testing.T) {
	require.True(t, IsAlive(syscall.Getpid()))
	require.False(t, IsAlive(0))
	require.False(t, IsAlive(-1))
	// PIDs near the default pid_max ceiling are almost certainly unused.
	require.False(t, IsAlive(4194000))
}
