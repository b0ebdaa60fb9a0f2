package project

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/testutil"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func newService(t *testing.T) (*Service, *bus.EventBus) {
	t.Helper()
	b := bus.New()
	return NewService(testutil.NewDB(t), b), b
}

func recordEvents(t *testing.T, b *bus.EventBus, kinds ...bus.Kind) func() []bus.Event {
	t.Helper()
	var mu sync.Mutex
	var events []bus.Event
	for _, kind := range kinds {
		_, err := b.Subscribe(kind, func(ev bus.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	return func() []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), events...)
	}
}

func TestRegisterIsIdempotentPerPath(t *testing.T) {
	svc, b := newService(t)
	getEvents := recordEvents(t, b, bus.KindProjectRegistered)

	p, created, err := svc.Register(RegisterParams{RepositoryPath: "/work/app"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "app", p.Name, "name defaults to the path base")
	require.Equal(t, store.ProjectActive, p.Status)

	// Same path returns the existing project silently.
	again, created, err := svc.Register(RegisterParams{RepositoryPath: "/work/app", Name: "other"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, p.ID, again.ID)

	events := getEvents()
	require.Len(t, events, 1)
	payload := events[0].Payload.(bus.ProjectPayload)
	require.Equal(t, p.ID, payload.ProjectID)
	require.Equal(t, "/work/app", payload.RepositoryPath)

	_, _, err = svc.Register(RegisterParams{})
	require.Error(t, err)
}

func TestDisconnectAllowsReRegistration(t *testing.T) {
	svc, b := newService(t)
	getEvents := recordEvents(t, b, bus.KindProjectDisconnected)

	p, _, err := svc.Register(RegisterParams{RepositoryPath: "/work/app"})
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect(p.ID))

	got, err := svc.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProjectDisconnected, got.Status)
	require.NotNil(t, got.EndTime)

	// Idempotent: a second disconnect emits nothing new.
	require.NoError(t, svc.Disconnect(p.ID))
	require.Len(t, getEvents(), 1)

	// The path is free again.
	_, err = svc.GetActiveByPath("/work/app")
	require.True(t, zerr.IsNotFound(err))
	next, created, err := svc.Register(RegisterParams{RepositoryPath: "/work/app"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, p.ID, next.ID)
}

func TestSetStatusEmitsOnlyOnChange(t *testing.T) {
	svc, b := newService(t)
	getEvents := recordEvents(t, b, bus.KindProjectStatusChange)

	p, _, err := svc.Register(RegisterParams{RepositoryPath: "/work/app"})
	require.NoError(t, err)

	_, err = svc.SetStatus(p.ID, store.ProjectConnected)
	require.NoError(t, err)
	_, err = svc.SetStatus(p.ID, store.ProjectConnected)
	require.NoError(t, err)

	events := getEvents()
	require.Len(t, events, 1)
	require.Equal(t, string(store.ProjectConnected), events[0].Payload.(bus.ProjectPayload).Status)
}

func TestHeartbeat(t *testing.T) {
	svc, b := newService(t)
	getEvents := recordEvents(t, b, bus.KindProjectHeartbeat)

	p, _, err := svc.Register(RegisterParams{RepositoryPath: "/work/app"})
	require.NoError(t, err)

	require.NoError(t, svc.Heartbeat(p.ID))
	got, err := svc.Get(p.ID)
	require.NoError(t, err)
	require.False(t, got.LastHeartbeat.Before(p.LastHeartbeat))
	require.Len(t, getEvents(), 1)

	require.True(t, zerr.IsNotFound(svc.Heartbeat("missing")))
}
