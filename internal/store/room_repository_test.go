package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/zerr"
)

func newTestRoom(name, repo string) *Room {
	return &Room{
		ID:             ids.New(),
		Name:           name,
		RepositoryPath: repo,
		CreatedAt:      time.Now(),
	}
}

func TestRoomRepository_CreateUniquePerPath(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	require.NoError(t, repo.Create(newTestRoom("lobby", "/a")))

	// Same name, different path is fine.
	require.NoError(t, repo.Create(newTestRoom("lobby", "/b")))

	// Same (name, path) collides.
	err := repo.Create(newTestRoom("lobby", "/a"))
	require.True(t, zerr.IsAlreadyExists(err))
}

func TestRoomRepository_FindByName(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	room := newTestRoom("planning", "/repo")
	room.Metadata = map[string]any{"purpose": "orchestration"}
	require.NoError(t, repo.Create(room))

	got, err := repo.FindByName("planning", "/repo")
	require.NoError(t, err)
	require.Equal(t, room.ID, got.ID)
	require.Equal(t, "orchestration", got.Metadata["purpose"])

	_, err = repo.FindByName("planning", "/other")
	require.True(t, zerr.IsNotFound(err))
}

func TestRoomRepository_CloseIsSoftAndIdempotent(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	room := newTestRoom("done", "/repo")
	require.NoError(t, repo.Create(room))

	require.NoError(t, repo.Close(room.ID))
	require.NoError(t, repo.Close(room.ID))

	got, err := repo.FindByID(room.ID)
	require.NoError(t, err, "closed room row is kept")
	require.NotNil(t, got.ClosedAt)

	open, err := repo.ListOpen("/repo")
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestRoomRepository_MessagesOrderedWithIDTieBreak(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	room := newTestRoom("chat", "/repo")
	require.NoError(t, repo.Create(room))

	ts := time.Now()
	// Same timestamp on all three; sortable ids break the tie in
	// insertion order.
	var sent []string
	for i := 0; i < 3; i++ {
		m := &Message{
			ID:          ids.New(),
			RoomID:      room.ID,
			AgentName:   "agent",
			Message:     fmt.Sprintf("msg %d", i),
			MessageType: MessageChat,
			Timestamp:   ts,
		}
		require.NoError(t, repo.AppendMessage(m))
		sent = append(sent, m.Message)
	}

	got, err := repo.GetMessages(room.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		require.Equal(t, sent[i], m.Message)
	}

	limited, err := repo.GetMessages(room.ID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestRoomRepository_LastMessageAt(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	room := newTestRoom("quiet", "/repo")
	require.NoError(t, repo.Create(room))

	last, err := repo.LastMessageAt(room.ID)
	require.NoError(t, err)
	require.True(t, last.IsZero(), "empty room has zero last-message time")

	ts := time.Now().Truncate(time.Millisecond)
	require.NoError(t, repo.AppendMessage(&Message{
		ID: ids.New(), RoomID: room.ID, AgentName: "a", Message: "hi",
		MessageType: MessageChat, Timestamp: ts,
	}))

	last, err = repo.LastMessageAt(room.ID)
	require.NoError(t, err)
	require.Equal(t, ts.UnixMilli(), last.UnixMilli())
}

func TestRoomRepository_ParticipantsIdempotentJoin(t *testing.T) {
	db := testDB(t)
	repo := db.Rooms()

	room := newTestRoom("team", "/repo")
	require.NoError(t, repo.Create(room))

	joined, err := repo.AddParticipant(room.ID, "agent-1")
	require.NoError(t, err)
	require.True(t, joined)

	joined, err = repo.AddParticipant(room.ID, "agent-1")
	require.NoError(t, err)
	require.False(t, joined, "second join is a no-op")

	require.NoError(t, repo.SetParticipantStatus(room.ID, "agent-1", ParticipantInactive))

	// Rejoining reactivates.
	joined, err = repo.AddParticipant(room.ID, "agent-1")
	require.NoError(t, err)
	require.False(t, joined)

	parts, err := repo.ListParticipants(room.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, ParticipantActive, parts[0].Status)
}
