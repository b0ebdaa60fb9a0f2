package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// Row models map entities to SQL columns. Timestamps are stored as Unix
// milliseconds; nested structures are JSON-encoded text.

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func timePtrToMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func millisPtrToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

func marshalJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	s := string(data)
	return &s, nil
}

// corrupt tags a row-parse failure. The store surfaces these as fatal:
// the caller's transaction aborts and the process must not continue on a
// database it cannot read back.
func corrupt(entity string, err error) error {
	return zerr.Wrap(zerr.KindStoreCorruption, err, "parsing %s row", entity)
}

func unmarshalJSON(entity string, s *string, v any) error {
	if s == nil || *s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*s), v); err != nil {
		return corrupt(entity, err)
	}
	return nil
}

// ProjectModel is the database row for the projects table.
type ProjectModel struct {
	ID             string
	Name           string
	RepositoryPath string
	ServerType     string
	ServerPID      *int64
	ServerPort     *int64
	Host           string
	SessionID      *string
	Status         string
	StartTime      int64
	LastHeartbeat  int64
	EndTime        *int64
	Metadata       *string
	WebUIEnabled   bool
	WebUIPort      *int64
	WebUIHost      string
}

func toProjectModel(p *Project) (*ProjectModel, error) {
	m := &ProjectModel{
		ID:             p.ID,
		Name:           p.Name,
		RepositoryPath: p.RepositoryPath,
		ServerType:     p.ServerType,
		Host:           p.Host,
		SessionID:      p.SessionID,
		Status:         string(p.Status),
		StartTime:      p.StartTime.UnixMilli(),
		LastHeartbeat:  p.LastHeartbeat.UnixMilli(),
		EndTime:        timePtrToMillis(p.EndTime),
		WebUIEnabled:   p.WebUIEnabled,
		WebUIHost:      p.WebUIHost,
	}
	if p.ServerPID != nil {
		pid := int64(*p.ServerPID)
		m.ServerPID = &pid
	}
	if p.ServerPort != nil {
		port := int64(*p.ServerPort)
		m.ServerPort = &port
	}
	if p.WebUIPort != nil {
		port := int64(*p.WebUIPort)
		m.WebUIPort = &port
	}
	var err error
	if m.Metadata, err = marshalJSON(p.Metadata); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ProjectModel) toDomain() (*Project, error) {
	p := &Project{
		ID:             m.ID,
		Name:           m.Name,
		RepositoryPath: m.RepositoryPath,
		ServerType:     m.ServerType,
		Host:           m.Host,
		SessionID:      m.SessionID,
		Status:         ProjectStatus(m.Status),
		StartTime:      millisToTime(m.StartTime),
		LastHeartbeat:  millisToTime(m.LastHeartbeat),
		EndTime:        millisPtrToTime(m.EndTime),
		WebUIEnabled:   m.WebUIEnabled,
		WebUIHost:      m.WebUIHost,
	}
	if m.ServerPID != nil {
		pid := int(*m.ServerPID)
		p.ServerPID = &pid
	}
	if m.ServerPort != nil {
		port := int(*m.ServerPort)
		p.ServerPort = &port
	}
	if m.WebUIPort != nil {
		port := int(*m.WebUIPort)
		p.WebUIPort = &port
	}
	if err := unmarshalJSON("project", m.Metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

// AgentModel is the database row for the agents table.
type AgentModel struct {
	ID             string
	AgentName      string
	AgentType      string
	RepositoryPath string
	Status         string
	Capabilities   *string
	DependsOn      *string
	ClaudePID      *int64
	ConvoSessionID *string
	RoomID         *string
	Metadata       *string
	CreatedAt      int64
	LastHeartbeat  int64
	UpdatedAt      int64
}

func toAgentModel(a *Agent) (*AgentModel, error) {
	m := &AgentModel{
		ID:             a.ID,
		AgentName:      a.AgentName,
		AgentType:      a.AgentType,
		RepositoryPath: a.RepositoryPath,
		Status:         string(a.Status),
		ConvoSessionID: a.ConvoSessionID,
		RoomID:         a.RoomID,
		CreatedAt:      a.CreatedAt.UnixMilli(),
		LastHeartbeat:  a.LastHeartbeat.UnixMilli(),
		UpdatedAt:      a.UpdatedAt.UnixMilli(),
	}
	if a.ClaudePID != nil {
		pid := int64(*a.ClaudePID)
		m.ClaudePID = &pid
	}
	var err error
	if len(a.Capabilities) > 0 {
		if m.Capabilities, err = marshalJSON(a.Capabilities); err != nil {
			return nil, err
		}
	}
	if len(a.DependsOn) > 0 {
		if m.DependsOn, err = marshalJSON(a.DependsOn); err != nil {
			return nil, err
		}
	}
	if m.Metadata, err = marshalJSON(a.Metadata); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AgentModel) toDomain() (*Agent, error) {
	a := &Agent{
		ID:             m.ID,
		AgentName:      m.AgentName,
		AgentType:      m.AgentType,
		RepositoryPath: m.RepositoryPath,
		Status:         AgentStatus(m.Status),
		ConvoSessionID: m.ConvoSessionID,
		RoomID:         m.RoomID,
		CreatedAt:      millisToTime(m.CreatedAt),
		LastHeartbeat:  millisToTime(m.LastHeartbeat),
		UpdatedAt:      millisToTime(m.UpdatedAt),
	}
	if m.ClaudePID != nil {
		pid := int(*m.ClaudePID)
		a.ClaudePID = &pid
	}
	if err := unmarshalJSON("agent", m.Capabilities, &a.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("agent", m.DependsOn, &a.DependsOn); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("agent", m.Metadata, &a.Metadata); err != nil {
		return nil, err
	}
	return a, nil
}

// ObjectiveModel is the database row for the objectives table.
type ObjectiveModel struct {
	ID                 string
	RepositoryPath     string
	ObjectiveType      string
	Description        string
	Requirements       *string
	Status             string
	Priority           int
	AssignedAgentID    *string
	ParentObjectiveID  *string
	Results            *string
	ProgressPercentage *float64
	CreatedAt          int64
	UpdatedAt          int64
}

func toObjectiveModel(o *Objective) (*ObjectiveModel, error) {
	m := &ObjectiveModel{
		ID:                 o.ID,
		RepositoryPath:     o.RepositoryPath,
		ObjectiveType:      string(o.ObjectiveType),
		Description:        o.Description,
		Status:             string(o.Status),
		Priority:           o.Priority,
		AssignedAgentID:    o.AssignedAgentID,
		ParentObjectiveID:  o.ParentObjectiveID,
		ProgressPercentage: o.ProgressPercentage,
		CreatedAt:          o.CreatedAt.UnixMilli(),
		UpdatedAt:          o.UpdatedAt.UnixMilli(),
	}
	var err error
	if m.Requirements, err = marshalJSON(o.Requirements); err != nil {
		return nil, err
	}
	if m.Results, err = marshalJSON(o.Results); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ObjectiveModel) toDomain() (*Objective, error) {
	o := &Objective{
		ID:                 m.ID,
		RepositoryPath:     m.RepositoryPath,
		ObjectiveType:      ObjectiveType(m.ObjectiveType),
		Description:        m.Description,
		Status:             ObjectiveStatus(m.Status),
		Priority:           m.Priority,
		AssignedAgentID:    m.AssignedAgentID,
		ParentObjectiveID:  m.ParentObjectiveID,
		ProgressPercentage: m.ProgressPercentage,
		CreatedAt:          millisToTime(m.CreatedAt),
		UpdatedAt:          millisToTime(m.UpdatedAt),
	}
	if err := unmarshalJSON("objective", m.Requirements, &o.Requirements); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("objective", m.Results, &o.Results); err != nil {
		return nil, err
	}
	return o, nil
}

// PlanModel is the database row for the plans table.
type PlanModel struct {
	ID             string
	RepositoryPath string
	Title          string
	Description    string
	Objectives     string
	Sections       *string
	Metadata       *string
	Status         string
	StartedAt      *int64
	CompletedAt    *int64
	CreatedAt      int64
	UpdatedAt      int64
}

func toPlanModel(p *Plan) (*PlanModel, error) {
	m := &PlanModel{
		ID:             p.ID,
		RepositoryPath: p.RepositoryPath,
		Title:          p.Title,
		Description:    p.Description,
		Objectives:     p.Objectives,
		Status:         string(p.Status),
		StartedAt:      timePtrToMillis(p.StartedAt),
		CompletedAt:    timePtrToMillis(p.CompletedAt),
		CreatedAt:      p.CreatedAt.UnixMilli(),
		UpdatedAt:      p.UpdatedAt.UnixMilli(),
	}
	var err error
	if len(p.Sections) > 0 {
		if m.Sections, err = marshalJSON(p.Sections); err != nil {
			return nil, err
		}
	}
	if m.Metadata, err = marshalJSON(p.Metadata); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PlanModel) toDomain() (*Plan, error) {
	p := &Plan{
		ID:             m.ID,
		RepositoryPath: m.RepositoryPath,
		Title:          m.Title,
		Description:    m.Description,
		Objectives:     m.Objectives,
		Status:         PlanStatus(m.Status),
		StartedAt:      millisPtrToTime(m.StartedAt),
		CompletedAt:    millisPtrToTime(m.CompletedAt),
		CreatedAt:      millisToTime(m.CreatedAt),
		UpdatedAt:      millisToTime(m.UpdatedAt),
	}
	if err := unmarshalJSON("plan", m.Sections, &p.Sections); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("plan", m.Metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

// RoomModel is the database row for the rooms table.
type RoomModel struct {
	ID             string
	Name           string
	Description    string
	RepositoryPath string
	Metadata       *string
	CreatedAt      int64
	ClosedAt       *int64
}

func toRoomModel(r *Room) (*RoomModel, error) {
	m := &RoomModel{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		RepositoryPath: r.RepositoryPath,
		CreatedAt:      r.CreatedAt.UnixMilli(),
		ClosedAt:       timePtrToMillis(r.ClosedAt),
	}
	var err error
	if m.Metadata, err = marshalJSON(r.Metadata); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RoomModel) toDomain() (*Room, error) {
	r := &Room{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		RepositoryPath: m.RepositoryPath,
		CreatedAt:      millisToTime(m.CreatedAt),
		ClosedAt:       millisPtrToTime(m.ClosedAt),
	}
	if err := unmarshalJSON("room", m.Metadata, &r.Metadata); err != nil {
		return nil, err
	}
	return r, nil
}

// ScrapeJobModel is the database row for the scrape_jobs table.
type ScrapeJobModel struct {
	ID                 string
	SourceID           string
	JobData            *string
	Status             string
	Priority           int
	LockedBy           *string
	LockedAt           *int64
	LockTimeoutSeconds int
	PagesScraped       int
	StartedAt          *int64
	CompletedAt        *int64
	ErrorMessage       *string
	ResultData         *string
	CreatedAt          int64
	UpdatedAt          int64
}

func toScrapeJobModel(j *ScrapeJob) (*ScrapeJobModel, error) {
	m := &ScrapeJobModel{
		ID:                 j.ID,
		SourceID:           j.SourceID,
		Status:             string(j.Status),
		Priority:           j.Priority,
		LockedBy:           j.LockedBy,
		LockedAt:           timePtrToMillis(j.LockedAt),
		LockTimeoutSeconds: j.LockTimeoutSeconds,
		PagesScraped:       j.PagesScraped,
		StartedAt:          timePtrToMillis(j.StartedAt),
		CompletedAt:        timePtrToMillis(j.CompletedAt),
		ErrorMessage:       j.ErrorMessage,
		CreatedAt:          j.CreatedAt.UnixMilli(),
		UpdatedAt:          j.UpdatedAt.UnixMilli(),
	}
	var err error
	if m.JobData, err = marshalJSON(j.JobData); err != nil {
		return nil, err
	}
	if m.ResultData, err = marshalJSON(j.ResultData); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ScrapeJobModel) toDomain() (*ScrapeJob, error) {
	j := &ScrapeJob{
		ID:                 m.ID,
		SourceID:           m.SourceID,
		Status:             JobStatus(m.Status),
		Priority:           m.Priority,
		LockedBy:           m.LockedBy,
		LockedAt:           millisPtrToTime(m.LockedAt),
		LockTimeoutSeconds: m.LockTimeoutSeconds,
		PagesScraped:       m.PagesScraped,
		StartedAt:          millisPtrToTime(m.StartedAt),
		CompletedAt:        millisPtrToTime(m.CompletedAt),
		ErrorMessage:       m.ErrorMessage,
		CreatedAt:          millisToTime(m.CreatedAt),
		UpdatedAt:          millisToTime(m.UpdatedAt),
	}
	if err := unmarshalJSON("scrape_job", m.JobData, &j.JobData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("scrape_job", m.ResultData, &j.ResultData); err != nil {
		return nil, err
	}
	return j, nil
}
