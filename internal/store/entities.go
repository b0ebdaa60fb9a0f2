// Package store is the persistence layer: an embedded sqlite database with
// one repository per entity. The store is the single source of truth; every
// in-memory structure elsewhere is derived from it and may be rebuilt.
package store

import (
	"time"
)

// ProjectStatus is the lifecycle state of a registered project.
type ProjectStatus string

const (
	ProjectActive       ProjectStatus = "active"
	ProjectConnected    ProjectStatus = "connected"
	ProjectInactive     ProjectStatus = "inactive"
	ProjectDisconnected ProjectStatus = "disconnected"
	ProjectError        ProjectStatus = "error"
)

// Project is a registered workspace. At most one project per repository
// path is in {active, connected} at a time.
type Project struct {
	ID             string
	Name           string
	RepositoryPath string
	ServerType     string
	ServerPID      *int
	ServerPort     *int
	Host           string
	SessionID      *string
	Status         ProjectStatus
	StartTime      time.Time
	LastHeartbeat  time.Time
	EndTime        *time.Time
	Metadata       map[string]any
	WebUIEnabled   bool
	WebUIPort      *int
	WebUIHost      string
}

// AgentStatus is the lifecycle state of an agent session.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentActive       AgentStatus = "active"
	AgentIdle         AgentStatus = "idle"
	AgentCompleted    AgentStatus = "completed"
	AgentTerminated   AgentStatus = "terminated"
	AgentFailed       AgentStatus = "failed"
)

// IsTerminal reports whether the status is sticky.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentTerminated || s == AgentFailed
}

// Agent is a long-running worker session backed by a child process.
type Agent struct {
	ID             string
	AgentName      string
	AgentType      string
	RepositoryPath string
	Status         AgentStatus
	Capabilities   []string
	DependsOn      []string
	ClaudePID      *int
	ConvoSessionID *string
	RoomID         *string
	Metadata       map[string]any
	CreatedAt      time.Time
	LastHeartbeat  time.Time
	UpdatedAt      time.Time
}

// ObjectiveStatus is the lifecycle state of an objective.
type ObjectiveStatus string

const (
	ObjectivePending    ObjectiveStatus = "pending"
	ObjectiveInProgress ObjectiveStatus = "in_progress"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveFailed     ObjectiveStatus = "failed"
)

// IsTerminal reports whether the status is sticky.
func (s ObjectiveStatus) IsTerminal() bool {
	return s == ObjectiveCompleted || s == ObjectiveFailed
}

// objectiveTransitions defines the legal status moves. Self-transitions for
// pending are allowed so priority/assignment updates do not count as moves.
var objectiveTransitions = map[ObjectiveStatus]map[ObjectiveStatus]bool{
	ObjectivePending: {
		ObjectivePending:    true,
		ObjectiveInProgress: true,
		ObjectiveFailed:     true,
	},
	ObjectiveInProgress: {
		ObjectiveCompleted: true,
		ObjectiveFailed:    true,
	},
	ObjectiveCompleted: {},
	ObjectiveFailed:    {},
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s ObjectiveStatus) CanTransitionTo(target ObjectiveStatus) bool {
	return objectiveTransitions[s][target]
}

// ObjectiveType buckets objectives by the kind of work they describe.
type ObjectiveType string

const (
	ObjectiveFeature       ObjectiveType = "feature"
	ObjectiveBugFix        ObjectiveType = "bug_fix"
	ObjectiveRefactor      ObjectiveType = "refactor"
	ObjectiveAnalysis      ObjectiveType = "analysis"
	ObjectiveTesting       ObjectiveType = "testing"
	ObjectiveDocumentation ObjectiveType = "documentation"
	ObjectiveDeployment    ObjectiveType = "deployment"
	ObjectiveSetup         ObjectiveType = "setup"
	ObjectiveMaintenance   ObjectiveType = "maintenance"
	ObjectiveOptimization  ObjectiveType = "optimization"
)

// Requirements is the nested requirements payload on an objective. The
// Dependencies edge list and the ParentObjectiveID tree on the Objective
// are distinct relations and are never conflated.
type Requirements struct {
	Dependencies    []string       `json:"dependencies,omitempty"`
	PlanID          string         `json:"planId,omitempty"`
	SectionID       string         `json:"sectionId,omitempty"`
	OrchestrationID string         `json:"orchestrationId,omitempty"`
	EstimatedHours  float64        `json:"estimatedHours,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Objective is a unit of work, optionally part of a parent/child tree.
type Objective struct {
	ID                 string
	RepositoryPath     string
	ObjectiveType      ObjectiveType
	Description        string
	Requirements       Requirements
	Status             ObjectiveStatus
	Priority           int
	AssignedAgentID    *string
	ParentObjectiveID  *string
	Results            map[string]any
	ProgressPercentage *float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
)

// ObjectiveTemplate is a single objective blueprint inside a plan section.
type ObjectiveTemplate struct {
	Description    string   `json:"description" yaml:"description"`
	ObjectiveType  string   `json:"objective_type" yaml:"objective_type"`
	EstimatedHours float64  `json:"estimated_hours" yaml:"estimated_hours"`
	Dependencies   []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Section groups related objective templates inside a plan.
type Section struct {
	ID                  string              `json:"id" yaml:"id"`
	Type                string              `json:"type" yaml:"type"`
	Title               string              `json:"title" yaml:"title"`
	Description         string              `json:"description" yaml:"description"`
	AgentResponsibility string              `json:"agent_responsibility" yaml:"agent_responsibility"`
	EstimatedHours      float64             `json:"estimated_hours" yaml:"estimated_hours"`
	Priority            int                 `json:"priority" yaml:"priority"`
	Prerequisites       []string            `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	ObjectiveTemplates  []ObjectiveTemplate `json:"objective_templates" yaml:"objective_templates"`
}

// Plan is an executable blueprint whose sections materialize objectives.
type Plan struct {
	ID             string
	RepositoryPath string
	Title          string
	Description    string
	Objectives     string
	Sections       []Section
	Metadata       map[string]any
	Status         PlanStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Room is a named coordination channel, unique per repository path.
// Closing a room is soft: the row is kept and ClosedAt is set.
type Room struct {
	ID             string
	Name           string
	Description    string
	RepositoryPath string
	Metadata       map[string]any
	CreatedAt      time.Time
	ClosedAt       *time.Time
}

// MessageType buckets room messages.
type MessageType string

const (
	MessageChat     MessageType = "chat"
	MessageSystem   MessageType = "system"
	MessageStatus   MessageType = "status"
	MessageProgress MessageType = "progress"
)

// Message is an append-only room entry, ordered by timestamp then id.
type Message struct {
	ID          string
	RoomID      string
	AgentName   string
	Message     string
	MessageType MessageType
	Timestamp   time.Time
}

// ParticipantStatus is a room membership state.
type ParticipantStatus string

const (
	ParticipantActive   ParticipantStatus = "active"
	ParticipantInactive ParticipantStatus = "inactive"
)

// Participant is a room membership record.
type Participant struct {
	RoomID  string
	AgentID string
	Status  ParticipantStatus
}

// JobStatus is the lifecycle state of a scrape job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// IsTerminal reports whether the status is sticky until explicitly retried.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled || s == JobTimeout
}

// ScrapeJob is a leased unit of crawl work. running implies a held lock:
// locked_by and locked_at are set exactly while status is running.
type ScrapeJob struct {
	ID                 string
	SourceID           string
	JobData            map[string]any
	Status             JobStatus
	Priority           int
	LockedBy           *string
	LockedAt           *time.Time
	LockTimeoutSeconds int
	PagesScraped       int
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       *string
	ResultData         map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LockExpired reports whether the job's lease has lapsed as of now.
func (j *ScrapeJob) LockExpired(now time.Time) bool {
	if j.Status != JobRunning || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) > time.Duration(j.LockTimeoutSeconds)*time.Second
}
