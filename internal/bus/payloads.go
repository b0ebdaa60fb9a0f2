package bus

import "time"

// Payload structs for the event kinds whose shape other components rely
// on. Tool-call events stay opaque (any) because the runtime only forwards
// them.

// AgentSpawnedPayload accompanies KindAgentSpawned.
type AgentSpawnedPayload struct {
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	AgentType      string `json:"agent_type,omitempty"`
	PID            int    `json:"pid,omitempty"`
	RepositoryPath string `json:"repository_path"`
}

// AgentStatusChangePayload accompanies KindAgentStatusChange.
type AgentStatusChangePayload struct {
	AgentID        string         `json:"agent_id"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	RepositoryPath string         `json:"repository_path"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AgentTerminatedPayload accompanies KindAgentTerminated.
type AgentTerminatedPayload struct {
	AgentID        string `json:"agent_id"`
	FinalStatus    string `json:"final_status"`
	Reason         string `json:"reason,omitempty"`
	RepositoryPath string `json:"repository_path"`
}

// AgentResumedPayload accompanies KindAgentResumed.
type AgentResumedPayload struct {
	AgentID        string `json:"agent_id"`
	RepositoryPath string `json:"repository_path"`
}

// ObjectiveCreatedPayload accompanies KindObjectiveCreated.
type ObjectiveCreatedPayload struct {
	ObjectiveID    string `json:"objective_id"`
	ObjectiveType  string `json:"objective_type"`
	Description    string `json:"description"`
	RepositoryPath string `json:"repository_path"`
}

// ObjectiveUpdatePayload accompanies KindObjectiveUpdate.
type ObjectiveUpdatePayload struct {
	ObjectiveID        string         `json:"objective_id"`
	PreviousStatus     string         `json:"previous_status,omitempty"`
	NewStatus          string         `json:"new_status"`
	AssignedAgentID    string         `json:"assigned_agent_id,omitempty"`
	ProgressPercentage *float64       `json:"progress_percentage,omitempty"`
	RepositoryPath     string         `json:"repository_path"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// ObjectiveCompletedPayload accompanies KindObjectiveCompleted.
type ObjectiveCompletedPayload struct {
	ObjectiveID    string         `json:"objective_id"`
	CompletedBy    string         `json:"completed_by,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
	RepositoryPath string         `json:"repository_path"`
}

// RoomCreatedPayload accompanies KindRoomCreated.
type RoomCreatedPayload struct {
	RoomID         string `json:"room_id"`
	RoomName       string `json:"room_name"`
	RepositoryPath string `json:"repository_path"`
}

// RoomMessagePayload accompanies KindRoomMessage.
type RoomMessagePayload struct {
	RoomName       string    `json:"room_name"`
	MessageID      string    `json:"message_id"`
	AgentName      string    `json:"agent_name"`
	Message        string    `json:"message"`
	MessageType    string    `json:"message_type"`
	Timestamp      time.Time `json:"timestamp"`
	RepositoryPath string    `json:"repository_path"`
}

// RoomClosedPayload accompanies KindRoomClosed.
type RoomClosedPayload struct {
	RoomName       string `json:"room_name"`
	Reason         string `json:"reason,omitempty"`
	RepositoryPath string `json:"repository_path"`
}

// OrchestrationUpdatePayload accompanies KindOrchestrationUpdate.
type OrchestrationUpdatePayload struct {
	OrchestrationID     string         `json:"orchestration_id"`
	Phase               string         `json:"phase"`
	Status              string         `json:"status"`
	AgentCount          int            `json:"agent_count"`
	CompletedObjectives int            `json:"completed_objectives"`
	TotalObjectives     int            `json:"total_objectives"`
	RepositoryPath      string         `json:"repository_path"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// OrchestrationCompletedPayload accompanies KindOrchestrationCompleted.
type OrchestrationCompletedPayload struct {
	OrchestrationID string         `json:"orchestration_id"`
	Success         bool           `json:"success"`
	Duration        time.Duration  `json:"duration"`
	FinalResults    map[string]any `json:"final_results,omitempty"`
	RepositoryPath  string         `json:"repository_path"`
}

// ProgressUpdatePayload accompanies KindProgressUpdate.
type ProgressUpdatePayload struct {
	ContextID        string  `json:"context_id"`
	ContextType      string  `json:"context_type"`
	AgentID          string  `json:"agent_id,omitempty"`
	ReportedProgress float64 `json:"reported_progress"`
	Message          string  `json:"message,omitempty"`
	RepositoryPath   string  `json:"repository_path"`
}

// SystemErrorPayload accompanies KindSystemError and KindSystemWarning.
type SystemErrorPayload struct {
	Error          string `json:"error"`
	Context        string `json:"context"`
	RepositoryPath string `json:"repository_path,omitempty"`
}

// ProjectPayload accompanies the project_* kinds, mirroring the fields
// touched by the operation.
type ProjectPayload struct {
	ProjectID      string `json:"project_id"`
	Name           string `json:"name,omitempty"`
	RepositoryPath string `json:"repository_path"`
	Status         string `json:"status,omitempty"`
}
