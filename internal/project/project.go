// Package project registers workspaces and tracks their connection
// lifecycle. At most one project per repository path is active at a
// time; re-registering a path returns the existing project.
package project

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// Service implements the project registry.
type Service struct {
	db  *store.DB
	bus *bus.EventBus
}

// NewService creates a project service.
func NewService(db *store.DB, eventBus *bus.EventBus) *Service {
	return &Service{db: db, bus: eventBus}
}

// RegisterParams are the inputs for Register.
type RegisterParams struct {
	RepositoryPath string
	Name           string
	ServerType     string
	ServerPID      *int
	ServerPort     *int
	Host           string
	Metadata       map[string]any
}

// Register records a project for a repository path. When an active or
// connected project already exists for the path it is returned as-is
// and no event is emitted; the second return reports whether a new row
// was created.
func (s *Service) Register(params RegisterParams) (*store.Project, bool, error) {
	if params.RepositoryPath == "" {
		return nil, false, fmt.Errorf("repository path is required")
	}

	existing, err := s.db.Projects().FindActiveByPath(params.RepositoryPath)
	if err == nil {
		return existing, false, nil
	}
	if !zerr.IsNotFound(err) {
		return nil, false, err
	}

	name := params.Name
	if name == "" {
		name = filepath.Base(params.RepositoryPath)
	}
	now := time.Now()
	p := &store.Project{
		ID:             ids.New(),
		Name:           name,
		RepositoryPath: params.RepositoryPath,
		ServerType:     params.ServerType,
		ServerPID:      params.ServerPID,
		ServerPort:     params.ServerPort,
		Host:           params.Host,
		Status:         store.ProjectActive,
		StartTime:      now,
		LastHeartbeat:  now,
		Metadata:       params.Metadata,
	}
	if err := s.db.Projects().Create(p); err != nil {
		return nil, false, err
	}

	log.Info(log.CatConfig, "project registered", "id", p.ID, "path", p.RepositoryPath)
	s.bus.Emit(bus.NewEvent(bus.KindProjectRegistered, bus.ProjectPayload{
		ProjectID:      p.ID,
		Name:           p.Name,
		RepositoryPath: p.RepositoryPath,
		Status:         string(p.Status),
	}).WithRepository(p.RepositoryPath))
	return p, true, nil
}

// Get returns a project by id.
func (s *Service) Get(id string) (*store.Project, error) {
	return s.db.Projects().FindByID(id)
}

// GetActiveByPath returns the active or connected project for a path.
func (s *Service) GetActiveByPath(repositoryPath string) (*store.Project, error) {
	return s.db.Projects().FindActiveByPath(repositoryPath)
}

// List returns registered projects, newest first.
func (s *Service) List(limit int) ([]*store.Project, error) {
	return s.db.Projects().List(limit)
}

// Heartbeat refreshes a project's last_heartbeat.
func (s *Service) Heartbeat(id string) error {
	p, err := s.db.Projects().FindByID(id)
	if err != nil {
		return err
	}
	p.LastHeartbeat = time.Now()
	if err := s.db.Projects().Update(p); err != nil {
		return err
	}
	s.bus.Emit(bus.NewEvent(bus.KindProjectHeartbeat, bus.ProjectPayload{
		ProjectID:      p.ID,
		RepositoryPath: p.RepositoryPath,
		Status:         string(p.Status),
	}).WithRepository(p.RepositoryPath))
	return nil
}

// SetStatus moves a project to a new status; same-status calls are
// silent no-ops.
func (s *Service) SetStatus(id string, status store.ProjectStatus) (*store.Project, error) {
	p, err := s.db.Projects().FindByID(id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	p.Status = status
	if err := s.db.Projects().Update(p); err != nil {
		return nil, err
	}

	log.Info(log.CatConfig, "project status changed", "id", p.ID, "status", string(status))
	s.bus.Emit(bus.NewEvent(bus.KindProjectStatusChange, bus.ProjectPayload{
		ProjectID:      p.ID,
		RepositoryPath: p.RepositoryPath,
		Status:         string(status),
	}).WithRepository(p.RepositoryPath))
	return p, nil
}

// Disconnect closes out a project session: status disconnected plus an
// end_time stamp. Idempotent.
func (s *Service) Disconnect(id string) error {
	p, err := s.db.Projects().FindByID(id)
	if err != nil {
		return err
	}
	if p.Status == store.ProjectDisconnected {
		return nil
	}
	now := time.Now()
	p.Status = store.ProjectDisconnected
	p.EndTime = &now
	if err := s.db.Projects().Update(p); err != nil {
		return err
	}

	log.Info(log.CatConfig, "project disconnected", "id", p.ID, "path", p.RepositoryPath)
	s.bus.Emit(bus.NewEvent(bus.KindProjectDisconnected, bus.ProjectPayload{
		ProjectID:      p.ID,
		RepositoryPath: p.RepositoryPath,
		Status:         string(p.Status),
	}).WithRepository(p.RepositoryPath))
	return nil
}
