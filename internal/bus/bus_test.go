package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := b.Subscribe(KindAgentSpawned, func(Event) {
			order = append(order, i)
		})
		require.NoError(t, err)
	}

	b.Emit(NewEvent(KindAgentSpawned, nil))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEmitDoesNotCrossKinds(t *testing.T) {
	b := New()
	defer b.Close()

	var got []Kind
	_, err := b.Subscribe(KindRoomMessage, func(e Event) {
		got = append(got, e.Kind)
	})
	require.NoError(t, err)

	b.Emit(NewEvent(KindRoomCreated, nil))
	b.Emit(NewEvent(KindRoomMessage, nil))
	b.Emit(NewEvent(KindRoomClosed, nil))

	require.Equal(t, []Kind{KindRoomMessage}, got)
}

func TestFilteredSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	var delivered []string
	_, err := b.SubscribeFiltered(KindAgentStatusChange, Filter{AgentID: "a1"}, func(e Event) {
		delivered = append(delivered, e.AgentID)
	})
	require.NoError(t, err)

	b.Emit(NewEvent(KindAgentStatusChange, nil).WithAgent("a1"))
	b.Emit(NewEvent(KindAgentStatusChange, nil).WithAgent("a2"))
	b.Emit(NewEvent(KindAgentStatusChange, nil).WithAgent("a1"))

	require.Equal(t, []string{"a1", "a1"}, delivered)
}

func TestFilterAllCriteriaAnded(t *testing.T) {
	f := Filter{RepositoryPath: "/repo", AgentID: "a1"}

	require.True(t, f.Matches(NewEvent(KindAgentSpawned, nil).WithRepository("/repo").WithAgent("a1")))
	require.False(t, f.Matches(NewEvent(KindAgentSpawned, nil).WithRepository("/repo").WithAgent("a2")))
	require.False(t, f.Matches(NewEvent(KindAgentSpawned, nil).WithAgent("a1")))
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	f := Filter{}
	require.True(t, f.IsEmpty())
	require.True(t, f.Matches(NewEvent(KindSystemError, nil)))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	count := 0
	id, err := b.Subscribe(KindObjectiveUpdate, func(Event) { count++ })
	require.NoError(t, err)

	b.Emit(NewEvent(KindObjectiveUpdate, nil))
	b.Unsubscribe(id)
	b.Emit(NewEvent(KindObjectiveUpdate, nil))

	require.Equal(t, 1, count)
	require.Equal(t, 0, b.SubscriberCount(KindObjectiveUpdate))
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe(KindSystemError, func(Event) { panic("boom") })
	require.NoError(t, err)

	called := false
	_, err = b.Subscribe(KindSystemError, func(Event) { called = true })
	require.NoError(t, err)

	b.Emit(NewEvent(KindSystemError, nil))
	require.True(t, called, "panic in earlier handler must not stop later handlers")
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe(Kind("made_up"), func(Event) {})
	require.Error(t, err)
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	b := New()
	b.Close()

	_, err := b.Subscribe(KindAgentSpawned, func(Event) {})
	require.Error(t, err)

	b.Emit(NewEvent(KindAgentSpawned, nil)) // must not panic
	b.Close()                               // idempotent
}

func TestHistoryKeepsMostRecentPerKind(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Emit(NewEvent(KindRoomMessage, i))
	}
	b.Emit(NewEvent(KindRoomCreated, "other"))

	hist := b.History(KindRoomMessage)
	require.Len(t, hist, 3)
	require.Equal(t, 2, hist[0].Payload)
	require.Equal(t, 4, hist[2].Payload)

	require.Len(t, b.History(KindRoomCreated), 1)
	require.Nil(t, b.History(KindRoomClosed))
}

func TestReentrantUnsubscribeDuringEmit(t *testing.T) {
	b := New()
	defer b.Close()

	var id SubscriptionID
	var err error
	first := 0
	id, err = b.Subscribe(KindAgentTerminated, func(Event) {
		first++
		b.Unsubscribe(id)
	})
	require.NoError(t, err)

	second := 0
	_, err = b.Subscribe(KindAgentTerminated, func(Event) { second++ })
	require.NoError(t, err)

	b.Emit(NewEvent(KindAgentTerminated, nil))
	b.Emit(NewEvent(KindAgentTerminated, nil))

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestConcurrentEmitOrderedPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	perEmitter := make(map[string][]int)
	_, err := b.Subscribe(KindProgressUpdate, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		perEmitter[e.AgentID] = append(perEmitter[e.AgentID], e.Payload.(int))
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		agent := fmt.Sprintf("agent-%d", p)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Emit(NewEvent(KindProgressUpdate, i).WithAgent(agent))
			}
		}()
	}
	wg.Wait()

	require.Len(t, perEmitter, 4)
	for agent, seq := range perEmitter {
		require.Len(t, seq, 50, agent)
	}
}

func TestRingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		n := rapid.IntRange(0, 64).Draw(t, "pushes")

		r := newRing(capacity)
		for i := 0; i < n; i++ {
			r.push(NewEvent(KindSystemWarning, i))
		}

		snap := r.snapshot()
		want := n
		if want > capacity {
			want = capacity
		}
		if len(snap) != want {
			t.Fatalf("snapshot length %d, want %d", len(snap), want)
		}
		for i, e := range snap {
			expected := n - want + i
			if e.Payload.(int) != expected {
				t.Fatalf("snapshot[%d] = %v, want %d", i, e.Payload, expected)
			}
		}
	})
}
