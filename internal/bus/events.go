// Package bus provides the process-wide typed event stream. Components emit
// kind-tagged events; subscribers register handlers with optional field
// filters. Delivery is at-most-once per live subscription and ordered per
// kind for any single subscriber; nothing is replayed across restarts.
package bus

import (
	"time"
)

// Kind categorizes events on the bus. The set is exhaustive; emitting an
// unknown kind is a programming error surfaced by Validate.
type Kind string

const (
	// Agent lifecycle events
	KindAgentSpawned      Kind = "agent_spawned"
	KindAgentStatusChange Kind = "agent_status_change"
	KindAgentTerminated   Kind = "agent_terminated"
	KindAgentResumed      Kind = "agent_resumed"

	// Objective events
	KindObjectiveCreated   Kind = "objective_created"
	KindObjectiveUpdate    Kind = "objective_update"
	KindObjectiveCompleted Kind = "objective_completed"

	// Room events
	KindRoomCreated Kind = "room_created"
	KindRoomMessage Kind = "room_message"
	KindRoomClosed  Kind = "room_closed"

	// Orchestration events
	KindOrchestrationUpdate    Kind = "orchestration_update"
	KindOrchestrationCompleted Kind = "orchestration_completed"

	// Progress events
	KindProgressUpdate Kind = "progress_update"

	// System events
	KindSystemError   Kind = "system_error"
	KindSystemWarning Kind = "system_warning"

	// Project registry events
	KindProjectRegistered   Kind = "project_registered"
	KindProjectStatusChange Kind = "project_status_change"
	KindProjectDisconnected Kind = "project_disconnected"
	KindProjectHeartbeat    Kind = "project_heartbeat"

	// Tool call events (opaque payloads forwarded to transports)
	KindToolCallStarted   Kind = "tool_call_started"
	KindToolCallCompleted Kind = "tool_call_completed"
	KindToolCallFailed    Kind = "tool_call_failed"
)

// AllKinds lists every event kind the bus carries.
func AllKinds() []Kind {
	return []Kind{
		KindAgentSpawned, KindAgentStatusChange, KindAgentTerminated, KindAgentResumed,
		KindObjectiveCreated, KindObjectiveUpdate, KindObjectiveCompleted,
		KindRoomCreated, KindRoomMessage, KindRoomClosed,
		KindOrchestrationUpdate, KindOrchestrationCompleted,
		KindProgressUpdate,
		KindSystemError, KindSystemWarning,
		KindProjectRegistered, KindProjectStatusChange, KindProjectDisconnected, KindProjectHeartbeat,
		KindToolCallStarted, KindToolCallCompleted, KindToolCallFailed,
	}
}

var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{})
	for _, k := range AllKinds() {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Event is the envelope for all bus events. Correlation fields are set when
// the payload carries them so filters can match without inspecting payloads.
type Event struct {
	// Kind identifies the kind of event.
	Kind Kind
	// Timestamp when the event occurred.
	Timestamp time.Time

	// Correlation fields (present when the payload carries them)
	RepositoryPath  string
	AgentID         string
	OrchestrationID string
	RoomName        string

	// Event-specific payload (depends on Kind)
	Payload any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind Kind, payload any) Event {
	return Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// WithRepository adds repository context to the event.
func (e Event) WithRepository(path string) Event {
	e.RepositoryPath = path
	return e
}

// WithAgent adds agent context to the event.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithOrchestration adds orchestration context to the event.
func (e Event) WithOrchestration(orchestrationID string) Event {
	e.OrchestrationID = orchestrationID
	return e
}

// WithRoom adds room context to the event.
func (e Event) WithRoom(roomName string) Event {
	e.RoomName = roomName
	return e
}

// Filter defines criteria for filtering events in subscriptions.
// All set criteria are AND'd together; an event must match every one.
// The zero Filter matches all events.
type Filter struct {
	RepositoryPath  string
	AgentID         string
	OrchestrationID string
	RoomName        string
}

// Matches returns true if the event matches the filter criteria.
func (f *Filter) Matches(event Event) bool {
	if f.RepositoryPath != "" && f.RepositoryPath != event.RepositoryPath {
		return false
	}
	if f.AgentID != "" && f.AgentID != event.AgentID {
		return false
	}
	if f.OrchestrationID != "" && f.OrchestrationID != event.OrchestrationID {
		return false
	}
	if f.RoomName != "" && f.RoomName != event.RoomName {
		return false
	}
	return true
}

// IsEmpty returns true if the filter has no criteria set.
func (f *Filter) IsEmpty() bool {
	return f.RepositoryPath == "" && f.AgentID == "" && f.OrchestrationID == "" && f.RoomName == ""
}
