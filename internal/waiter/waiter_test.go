package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newWaiter(t *testing.T) (*Waiter, *bus.EventBus, *store.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	b := bus.New()
	return New(db, b), b, db
}

func seedAgent(t *testing.T, db *store.DB, status store.AgentStatus) *store.Agent {
	t.Helper()
	now := time.Now()
	a := &store.Agent{
		ID:             ids.New(),
		AgentName:      "dep",
		AgentType:      "backend",
		RepositoryPath: "/repo",
		Status:         status,
		CreatedAt:      now,
		LastHeartbeat:  now,
		UpdatedAt:      now,
	}
	require.NoError(t, db.Agents().Create(a))
	return a
}

func seedObjective(t *testing.T, db *store.DB, status store.ObjectiveStatus, deps []string) *store.Objective {
	t.Helper()
	now := time.Now()
	o := &store.Objective{
		ID:             ids.New(),
		RepositoryPath: "/repo",
		ObjectiveType:  store.ObjectiveFeature,
		Description:    "dep objective",
		Requirements:   store.Requirements{Dependencies: deps},
		Status:         status,
		Priority:       5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, db.Objectives().Create(o))
	return o
}

// waitAsync runs the wait on its own goroutine and returns a result getter.
func waitAsync(t *testing.T, fn func() (*Result, error)) func() *Result {
	t.Helper()
	resCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := fn()
		errCh <- err
		resCh <- r
	}()
	return func() *Result {
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return <-resCh
		case <-time.After(10 * time.Second):
			t.Fatal("wait did not settle")
			return nil
		}
	}
}

func TestEmptyDependencyListSucceedsImmediately(t *testing.T) {
	w, _, _ := newWaiter(t)

	res, err := w.WaitForAgentDependencies(context.Background(), nil, "/repo", Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, res.Completed)
}

func TestAlreadyTerminalShortCircuits(t *testing.T) {
	w, _, db := newWaiter(t)

	done := seedAgent(t, db, store.AgentCompleted)
	dead := seedAgent(t, db, store.AgentFailed)

	res, err := w.WaitForAgentDependencies(context.Background(),
		[]string{done.ID, dead.ID, "missing-agent"}, "/repo",
		Options{Timeout: time.Second, WaitForAnyFailure: true})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, []string{done.ID}, res.Completed)
	require.ElementsMatch(t, []string{"missing-agent", dead.ID}, res.Failed)
	require.Empty(t, res.Timeout)
}

func TestSettlesOnAgentTerminatedEvent(t *testing.T) {
	w, b, db := newWaiter(t)

	a := seedAgent(t, db, store.AgentActive)
	get := waitAsync(t, func() (*Result, error) {
		return w.WaitForAgentDependencies(context.Background(),
			[]string{a.ID}, "/repo", Options{Timeout: 10 * time.Second})
	})

	// Give the waiter a moment to subscribe.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.KindAgentTerminated) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b.Emit(bus.NewEvent(bus.KindAgentTerminated, bus.AgentTerminatedPayload{
		AgentID:        a.ID,
		FinalStatus:    string(store.AgentCompleted),
		RepositoryPath: "/repo",
	}).WithRepository("/repo").WithAgent(a.ID))

	res := get()
	require.True(t, res.Success)
	require.Equal(t, []string{a.ID}, res.Completed)
}

func TestSettlesOnObjectiveCompletedByAgent(t *testing.T) {
	w, b, db := newWaiter(t)

	a := seedAgent(t, db, store.AgentActive)
	get := waitAsync(t, func() (*Result, error) {
		return w.WaitForAgentDependencies(context.Background(),
			[]string{a.ID}, "/repo", Options{Timeout: 10 * time.Second})
	})

	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.KindObjectiveCompleted) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b.Emit(bus.NewEvent(bus.KindObjectiveCompleted, bus.ObjectiveCompletedPayload{
		ObjectiveID:    "obj-1",
		CompletedBy:    a.ID,
		RepositoryPath: "/repo",
	}).WithRepository("/repo").WithAgent(a.ID))

	res := get()
	require.True(t, res.Success)
	require.Equal(t, []string{a.ID}, res.Completed)
}

func TestFirstSignalWins(t *testing.T) {
	w, b, db := newWaiter(t)

	a := seedAgent(t, db, store.AgentActive)
	get := waitAsync(t, func() (*Result, error) {
		return w.WaitForAgentDependencies(context.Background(),
			[]string{a.ID}, "/repo", Options{Timeout: 10 * time.Second, WaitForAnyFailure: true})
	})

	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.KindAgentStatusChange) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// A failing status change followed by a completion: only the first
	// counts.
	b.Emit(bus.NewEvent(bus.KindAgentStatusChange, bus.AgentStatusChangePayload{
		AgentID:   a.ID,
		NewStatus: string(store.AgentFailed),
	}).WithRepository("/repo").WithAgent(a.ID))
	b.Emit(bus.NewEvent(bus.KindAgentTerminated, bus.AgentTerminatedPayload{
		AgentID:     a.ID,
		FinalStatus: string(store.AgentCompleted),
	}).WithRepository("/repo").WithAgent(a.ID))

	res := get()
	require.False(t, res.Success)
	require.Equal(t, []string{a.ID}, res.Failed)
	require.Empty(t, res.Completed)
}

func TestTimeoutSettlesRemaining(t *testing.T) {
	w, _, db := newWaiter(t)

	a := seedAgent(t, db, store.AgentActive)
	b2 := seedAgent(t, db, store.AgentCompleted)

	res, err := w.WaitForAgentDependencies(context.Background(),
		[]string{a.ID, b2.ID}, "/repo", Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, []string{b2.ID}, res.Completed)
	require.Equal(t, []string{a.ID}, res.Timeout)

	// Completeness: every dependency settles exactly once.
	require.Equal(t, 2, len(res.Completed)+len(res.Failed)+len(res.Timeout))
}

func TestAbortAfterFailureWithoutAllSettled(t *testing.T) {
	w, b, db := newWaiter(t)

	failing := seedAgent(t, db, store.AgentActive)
	slow := seedAgent(t, db, store.AgentActive)

	get := waitAsync(t, func() (*Result, error) {
		return w.WaitForAgentDependencies(context.Background(),
			[]string{failing.ID, slow.ID}, "/repo",
			Options{Timeout: 10 * time.Second, WaitForAnyFailure: false})
	})

	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.KindAgentTerminated) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b.Emit(bus.NewEvent(bus.KindAgentTerminated, bus.AgentTerminatedPayload{
		AgentID:     failing.ID,
		FinalStatus: string(store.AgentFailed),
	}).WithRepository("/repo").WithAgent(failing.ID))

	res := get()
	require.False(t, res.Success)
	require.Equal(t, []string{failing.ID}, res.Failed)
	require.Equal(t, []string{slow.ID}, res.Timeout)
}

func TestWaitForObjectiveDependencies(t *testing.T) {
	w, b, db := newWaiter(t)

	depDone := seedObjective(t, db, store.ObjectiveCompleted, nil)
	depPending := seedObjective(t, db, store.ObjectivePending, nil)
	target := seedObjective(t, db, store.ObjectivePending, []string{depDone.ID, depPending.ID})

	get := waitAsync(t, func() (*Result, error) {
		return w.WaitForObjectiveDependencies(context.Background(),
			target.ID, "/repo", Options{Timeout: 10 * time.Second})
	})

	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.KindObjectiveCompleted) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b.Emit(bus.NewEvent(bus.KindObjectiveCompleted, bus.ObjectiveCompletedPayload{
		ObjectiveID:    depPending.ID,
		RepositoryPath: "/repo",
	}).WithRepository("/repo"))

	res := get()
	require.True(t, res.Success)
	require.ElementsMatch(t, []string{depDone.ID, depPending.ID}, res.Completed)
}

func TestObjectiveWaitNoDependencies(t *testing.T) {
	w, _, db := newWaiter(t)

	target := seedObjective(t, db, store.ObjectivePending, nil)
	res, err := w.WaitForObjectiveDependencies(context.Background(), target.ID, "/repo", Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
}
