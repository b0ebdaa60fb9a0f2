// Package plans manages executable blueprints: creation, the
// draft/approved/in_progress/completed flow, and materializing a plan's
// sections into objectives.
package plans

import (
	"time"

	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// planTransitions defines the legal status moves for a plan.
var planTransitions = map[store.PlanStatus]map[store.PlanStatus]bool{
	store.PlanDraft:      {store.PlanApproved: true},
	store.PlanApproved:   {store.PlanInProgress: true},
	store.PlanInProgress: {store.PlanCompleted: true},
	store.PlanCompleted:  {},
}

// Service implements plan operations over the store.
type Service struct {
	db         *store.DB
	objectives *objectives.Service
}

// NewService creates a plan service. Materialized objectives go through
// objSvc so they get the usual guards and events.
func NewService(db *store.DB, objSvc *objectives.Service) *Service {
	return &Service{db: db, objectives: objSvc}
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	RepositoryPath string
	Title          string
	Description    string
	Objectives     string
	Sections       []store.Section
	Metadata       map[string]any
}

// Create persists a new draft plan.
func (s *Service) Create(params CreateParams) (*store.Plan, error) {
	now := time.Now()
	p := &store.Plan{
		ID:             ids.New(),
		RepositoryPath: params.RepositoryPath,
		Title:          params.Title,
		Description:    params.Description,
		Objectives:     params.Objectives,
		Sections:       params.Sections,
		Metadata:       params.Metadata,
		Status:         store.PlanDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.Plans().Create(p); err != nil {
		return nil, err
	}
	log.Info(log.CatObjective, "plan created", "id", p.ID, "title", p.Title)
	return p, nil
}

// Get returns a plan by id.
func (s *Service) Get(id string) (*store.Plan, error) {
	return s.db.Plans().FindByID(id)
}

// List returns plans for a repository path, newest first.
func (s *Service) List(repositoryPath string, limit int) ([]*store.Plan, error) {
	return s.db.Plans().List(repositoryPath, limit)
}

// Approve moves a draft plan to approved.
func (s *Service) Approve(id string) (*store.Plan, error) {
	return s.transition(id, store.PlanApproved)
}

// MarkCompleted moves an in_progress plan to completed and stamps
// CompletedAt.
func (s *Service) MarkCompleted(id string) (*store.Plan, error) {
	p, err := s.transition(id, store.PlanCompleted)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.CompletedAt = &now
	if err := s.db.Plans().Update(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a plan. Objectives it materialized survive with their
// plan link tombstoned.
func (s *Service) Delete(id string) (bool, error) {
	deleted, err := s.db.Plans().Delete(id)
	if err != nil || !deleted {
		return deleted, err
	}
	unlinked, err := s.db.Objectives().UnlinkPlan(id)
	if err != nil {
		return true, err
	}
	log.Info(log.CatObjective, "plan deleted", "id", id, "unlinked_objectives", unlinked)
	return true, nil
}

// ExecutePlan materializes every section's objective templates into
// objectives and moves the plan to in_progress. Objectives whose section
// lists prerequisites depend on all objectives of those sections.
func (s *Service) ExecutePlan(id string) ([]*store.Objective, error) {
	p, err := s.db.Plans().FindByID(id)
	if err != nil {
		return nil, err
	}
	if !planTransitions[p.Status][store.PlanInProgress] {
		return nil, zerr.New(zerr.KindIllegalTransition,
			"plan %s: %s -> %s", id, p.Status, store.PlanInProgress)
	}

	var created []*store.Objective
	bySection := make(map[string][]string)
	for _, section := range p.Sections {
		var deps []string
		for _, prereq := range section.Prerequisites {
			deps = append(deps, bySection[prereq]...)
		}
		for _, tpl := range section.ObjectiveTemplates {
			objType := store.ObjectiveType(tpl.ObjectiveType)
			if objType == "" {
				objType = store.ObjectiveFeature
			}
			o, err := s.objectives.Create(objectives.CreateParams{
				RepositoryPath: p.RepositoryPath,
				ObjectiveType:  objType,
				Description:    tpl.Description,
				Priority:       section.Priority,
				Requirements: store.Requirements{
					PlanID:         p.ID,
					SectionID:      section.ID,
					EstimatedHours: tpl.EstimatedHours,
					Dependencies:   deps,
				},
			})
			if err != nil {
				return created, err
			}
			created = append(created, o)
			bySection[section.ID] = append(bySection[section.ID], o.ID)
		}
	}

	now := time.Now()
	p.Status = store.PlanInProgress
	p.StartedAt = &now
	if err := s.db.Plans().Update(p); err != nil {
		return created, err
	}

	log.Info(log.CatObjective, "plan executing", "id", p.ID, "objectives", len(created))
	return created, nil
}

// transition applies a guarded status move.
func (s *Service) transition(id string, target store.PlanStatus) (*store.Plan, error) {
	p, err := s.db.Plans().FindByID(id)
	if err != nil {
		return nil, err
	}
	if !planTransitions[p.Status][target] {
		return nil, zerr.New(zerr.KindIllegalTransition,
			"plan %s: %s -> %s", id, p.Status, target)
	}
	p.Status = target
	if err := s.db.Plans().Update(p); err != nil {
		return nil, err
	}
	return p, nil
}
