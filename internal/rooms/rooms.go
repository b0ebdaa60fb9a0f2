// Package rooms coordinates agents through named message channels. A room
// is unique per (name, repository path); messages are an append-only log
// ordered by timestamp then id, and closing a room keeps its history.
package rooms

import (
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// orchNameAttempts bounds the retry loop for orchestration room names.
// Collisions on a 6-char suffix are vanishingly rare.
const orchNameAttempts = 5

// Service implements room lifecycle, membership, and messaging.
type Service struct {
	db  *store.DB
	bus *bus.EventBus
}

// NewService creates a room service over db, emitting on eventBus.
func NewService(db *store.DB, eventBus *bus.EventBus) *Service {
	return &Service{db: db, bus: eventBus}
}

// CreateRoomParams are the inputs for CreateRoom.
type CreateRoomParams struct {
	Name           string
	Description    string
	RepositoryPath string
	Metadata       map[string]any
}

// CreateRoom creates a room and emits room_created. A room with the same
// name already existing for the repository path is AlreadyExists.
func (s *Service) CreateRoom(params CreateRoomParams) (*store.Room, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("room name is required")
	}
	room := &store.Room{
		ID:             ids.New(),
		Name:           params.Name,
		Description:    params.Description,
		RepositoryPath: params.RepositoryPath,
		Metadata:       params.Metadata,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Rooms().Create(room); err != nil {
		return nil, err
	}

	log.Info(log.CatRoom, "room created", "name", room.Name, "repo", room.RepositoryPath)
	s.bus.Emit(bus.NewEvent(bus.KindRoomCreated, bus.RoomCreatedPayload{
		RoomID:         room.ID,
		RoomName:       room.Name,
		RepositoryPath: room.RepositoryPath,
	}).WithRepository(room.RepositoryPath).WithRoom(room.Name))

	return room, nil
}

// Join adds an agent to a room. Joining twice is a no-op with no event;
// a fresh join posts a system message announcing the agent.
func (s *Service) Join(roomName, repositoryPath, agentID string) error {
	room, err := s.openRoom(roomName, repositoryPath)
	if err != nil {
		return err
	}
	joined, err := s.db.Rooms().AddParticipant(room.ID, agentID)
	if err != nil {
		return err
	}
	if !joined {
		return nil
	}
	_, err = s.appendMessage(room, agentID, fmt.Sprintf("agent %s joined", agentID), store.MessageSystem)
	return err
}

// SendMessageParams are the inputs for SendMessage.
type SendMessageParams struct {
	RoomName       string
	RepositoryPath string
	AgentName      string
	Message        string
	MessageType    store.MessageType
}

// SendMessage appends a message to the room's log and emits room_message.
// Sending to a closed room fails with Closed. The sending agent's
// heartbeat is refreshed as a side effect.
func (s *Service) SendMessage(params SendMessageParams) (*store.Message, error) {
	room, err := s.openRoom(params.RoomName, params.RepositoryPath)
	if err != nil {
		return nil, err
	}
	if params.MessageType == "" {
		params.MessageType = store.MessageChat
	}

	msg, err := s.appendMessage(room, params.AgentName, params.Message, params.MessageType)
	if err != nil {
		return nil, err
	}
	s.touchSender(params.AgentName, params.RepositoryPath)
	return msg, nil
}

// GetMessages returns the room's messages oldest first. limit <= 0 means
// no limit.
func (s *Service) GetMessages(roomName, repositoryPath string, limit int) ([]*store.Message, error) {
	room, err := s.db.Rooms().FindByName(roomName, repositoryPath)
	if err != nil {
		return nil, err
	}
	return s.db.Rooms().GetMessages(room.ID, limit)
}

// ListParticipants returns the room's membership records.
func (s *Service) ListParticipants(roomName, repositoryPath string) ([]*store.Participant, error) {
	room, err := s.db.Rooms().FindByName(roomName, repositoryPath)
	if err != nil {
		return nil, err
	}
	return s.db.Rooms().ListParticipants(room.ID)
}

// ListOpen returns the open rooms for a repository path.
func (s *Service) ListOpen(repositoryPath string) ([]*store.Room, error) {
	return s.db.Rooms().ListOpen(repositoryPath)
}

// CloseRoom soft-closes a room and emits room_closed. Closing an already
// closed room is a no-op with no event.
func (s *Service) CloseRoom(roomName, repositoryPath, reason string) error {
	room, err := s.db.Rooms().FindByName(roomName, repositoryPath)
	if err != nil {
		return err
	}
	if room.ClosedAt != nil {
		return nil
	}
	if reason != "" {
		// Final system message lands before the close so it survives in
		// the kept history.
		if _, err := s.appendMessage(room, "system", reason, store.MessageSystem); err != nil {
			return err
		}
	}
	if err := s.db.Rooms().Close(room.ID); err != nil {
		return err
	}

	log.Info(log.CatRoom, "room closed", "name", room.Name, "reason", reason)
	s.bus.Emit(bus.NewEvent(bus.KindRoomClosed, bus.RoomClosedPayload{
		RoomName:       room.Name,
		Reason:         reason,
		RepositoryPath: room.RepositoryPath,
	}).WithRepository(room.RepositoryPath).WithRoom(room.Name))
	return nil
}

// CreateOrchestrationRoom creates the coordination room for a master
// objective, deriving a name unique within the repository path.
func (s *Service) CreateOrchestrationRoom(objectiveDescription, repositoryPath string) (*store.Room, error) {
	var lastErr error
	for i := 0; i < orchNameAttempts; i++ {
		name := OrchestrationRoomName(objectiveDescription)
		room, err := s.CreateRoom(CreateRoomParams{
			Name:           name,
			Description:    "orchestration coordination",
			RepositoryPath: repositoryPath,
			Metadata:       map[string]any{"purpose": "orchestration"},
		})
		if err == nil {
			return room, nil
		}
		if !zerr.IsAlreadyExists(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// OrchestrationRoomName derives orch-<kebab(objective[:40])>-<suffix6>.
func OrchestrationRoomName(objectiveDescription string) string {
	slug := ids.Kebab(ids.Truncate(objectiveDescription, 40))
	if slug == "" {
		slug = "objective"
	}
	return fmt.Sprintf("orch-%s-%s", slug, ids.Short())
}

// openRoom resolves a room by name and rejects closed ones.
func (s *Service) openRoom(roomName, repositoryPath string) (*store.Room, error) {
	room, err := s.db.Rooms().FindByName(roomName, repositoryPath)
	if err != nil {
		return nil, err
	}
	if room.ClosedAt != nil {
		return nil, zerr.New(zerr.KindClosed, "room %s is closed", roomName)
	}
	return room, nil
}

// appendMessage persists a message and emits room_message.
func (s *Service) appendMessage(room *store.Room, agentName, text string, msgType store.MessageType) (*store.Message, error) {
	msg := &store.Message{
		ID:          ids.New(),
		RoomID:      room.ID,
		AgentName:   agentName,
		Message:     text,
		MessageType: msgType,
		Timestamp:   time.Now(),
	}
	if err := s.db.Rooms().AppendMessage(msg); err != nil {
		return nil, err
	}

	s.bus.Emit(bus.NewEvent(bus.KindRoomMessage, bus.RoomMessagePayload{
		RoomName:       room.Name,
		MessageID:      msg.ID,
		AgentName:      agentName,
		Message:        text,
		MessageType:    string(msgType),
		Timestamp:      msg.Timestamp,
		RepositoryPath: room.RepositoryPath,
	}).WithRepository(room.RepositoryPath).WithRoom(room.Name))
	return msg, nil
}

// touchSender refreshes last_heartbeat for the agent whose name matches
// the sender. Best effort: names are display identifiers, not keys.
func (s *Service) touchSender(agentName, repositoryPath string) {
	agents, err := s.db.Agents().FindActiveAgents(repositoryPath)
	if err != nil {
		log.Warn(log.CatRoom, "heartbeat touch skipped", "agent", agentName, "error", err.Error())
		return
	}
	for _, a := range agents {
		if a.AgentName == agentName {
			if err := s.db.Agents().TouchHeartbeat(a.ID); err != nil {
				log.Warn(log.CatRoom, "heartbeat touch failed", "agent_id", a.ID, "error", err.Error())
			}
			return
		}
	}
}
