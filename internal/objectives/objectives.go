// Package objectives manages the unit-of-work lifecycle: creation,
// guarded status transitions, hierarchy breakdown, assignment, and
// dependency-aware execution planning.
package objectives

import (
	"time"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// defaultAutoAssignLimit caps how many pending objectives AutoAssign
// hands to a single agent in one call.
const defaultAutoAssignLimit = 3

// Service implements objective operations over the store.
type Service struct {
	db  *store.DB
	bus *bus.EventBus
}

// NewService creates an objective service emitting on eventBus.
func NewService(db *store.DB, eventBus *bus.EventBus) *Service {
	return &Service{db: db, bus: eventBus}
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	RepositoryPath    string
	ObjectiveType     store.ObjectiveType
	Description       string
	Requirements      store.Requirements
	Priority          int
	ParentObjectiveID *string
	AssignedAgentID   *string
}

// Create persists a new pending objective and emits objective_created.
// Dependency edges that would close a cycle are rejected.
func (s *Service) Create(params CreateParams) (*store.Objective, error) {
	now := time.Now()
	o := &store.Objective{
		ID:                ids.New(),
		RepositoryPath:    params.RepositoryPath,
		ObjectiveType:     params.ObjectiveType,
		Description:       params.Description,
		Requirements:      params.Requirements,
		Status:            store.ObjectivePending,
		Priority:          params.Priority,
		AssignedAgentID:   params.AssignedAgentID,
		ParentObjectiveID: params.ParentObjectiveID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.checkAcyclic(o.ID, o.Requirements.Dependencies); err != nil {
		return nil, err
	}
	if err := s.db.Objectives().Create(o); err != nil {
		return nil, err
	}

	log.Info(log.CatObjective, "objective created", "id", o.ID, "type", string(o.ObjectiveType))
	s.bus.Emit(bus.NewEvent(bus.KindObjectiveCreated, bus.ObjectiveCreatedPayload{
		ObjectiveID:    o.ID,
		ObjectiveType:  string(o.ObjectiveType),
		Description:    o.Description,
		RepositoryPath: o.RepositoryPath,
	}).WithRepository(o.RepositoryPath))
	return o, nil
}

// Get returns an objective by id.
func (s *Service) Get(id string) (*store.Objective, error) {
	return s.db.Objectives().FindByID(id)
}

// List pages objectives by filter.
func (s *Service) List(filter store.ObjectiveFilter) (*store.ListResult, error) {
	return s.db.Objectives().List(filter)
}

// Delete removes an objective and all of its descendants.
func (s *Service) Delete(id string) (bool, error) {
	return s.db.Objectives().Delete(id)
}

// UpdateParams is a partial patch applied by Update. Nil fields are left
// untouched.
type UpdateParams struct {
	Status             *store.ObjectiveStatus
	Priority           *int
	Requirements       *store.Requirements
	AssignedAgentID    *string
	Results            map[string]any
	ProgressPercentage *float64
	FailureReason      string
}

// Update applies a patch under the transition guard and emits
// objective_update. A transition into completed also emits
// objective_completed and pins progress to 100.
func (s *Service) Update(id string, patch UpdateParams) (*store.Objective, error) {
	o, err := s.db.Objectives().FindByID(id)
	if err != nil {
		return nil, err
	}
	previous := o.Status

	target := o.Status
	if patch.Status != nil {
		target = *patch.Status
	}
	switch {
	case target == o.Status:
		// Value-only updates are fine on non-terminal objectives.
		if o.Status.IsTerminal() {
			return nil, zerr.New(zerr.KindIllegalTransition,
				"objective %s is terminal (%s)", id, o.Status)
		}
	case !o.Status.CanTransitionTo(target):
		return nil, zerr.New(zerr.KindIllegalTransition,
			"objective %s: %s -> %s", id, o.Status, target)
	}

	if patch.AssignedAgentID != nil {
		o.AssignedAgentID = patch.AssignedAgentID
	}
	if target == store.ObjectiveInProgress && o.AssignedAgentID == nil {
		return nil, zerr.New(zerr.KindIllegalTransition,
			"objective %s: in_progress requires an assigned agent", id)
	}

	if patch.Priority != nil {
		o.Priority = *patch.Priority
	}
	if patch.Requirements != nil {
		if err := s.checkAcyclic(o.ID, patch.Requirements.Dependencies); err != nil {
			return nil, err
		}
		o.Requirements = *patch.Requirements
	}
	if patch.Results != nil {
		if o.Results == nil {
			o.Results = map[string]any{}
		}
		for k, v := range patch.Results {
			o.Results[k] = v
		}
	}
	if patch.ProgressPercentage != nil {
		// Progress never moves backwards.
		if o.ProgressPercentage == nil || *patch.ProgressPercentage > *o.ProgressPercentage {
			o.ProgressPercentage = patch.ProgressPercentage
		}
	}
	if patch.FailureReason != "" {
		if o.Results == nil {
			o.Results = map[string]any{}
		}
		o.Results["failure_reason"] = patch.FailureReason
	}

	o.Status = target
	if target == store.ObjectiveCompleted {
		hundred := 100.0
		o.ProgressPercentage = &hundred
	}

	if err := s.db.Objectives().Update(o); err != nil {
		return nil, err
	}

	assigned := ""
	if o.AssignedAgentID != nil {
		assigned = *o.AssignedAgentID
	}
	s.bus.Emit(bus.NewEvent(bus.KindObjectiveUpdate, bus.ObjectiveUpdatePayload{
		ObjectiveID:        o.ID,
		PreviousStatus:     string(previous),
		NewStatus:          string(o.Status),
		AssignedAgentID:    assigned,
		ProgressPercentage: o.ProgressPercentage,
		RepositoryPath:     o.RepositoryPath,
	}).WithRepository(o.RepositoryPath).WithAgent(assigned))

	if previous != store.ObjectiveCompleted && o.Status == store.ObjectiveCompleted {
		s.bus.Emit(bus.NewEvent(bus.KindObjectiveCompleted, bus.ObjectiveCompletedPayload{
			ObjectiveID:    o.ID,
			CompletedBy:    assigned,
			Results:        o.Results,
			RepositoryPath: o.RepositoryPath,
		}).WithRepository(o.RepositoryPath).WithAgent(assigned))
	}
	return o, nil
}

// Complete transitions an in_progress objective to completed.
func (s *Service) Complete(id, completedBy string, results map[string]any) (*store.Objective, error) {
	done := store.ObjectiveCompleted
	patch := UpdateParams{Status: &done, Results: results}
	if completedBy != "" {
		patch.AssignedAgentID = &completedBy
	}
	return s.Update(id, patch)
}

// Fail transitions an objective to failed with a reason.
func (s *Service) Fail(id, reason string) (*store.Objective, error) {
	failed := store.ObjectiveFailed
	return s.Update(id, UpdateParams{Status: &failed, FailureReason: reason})
}

// BreakdownItem is one child blueprint passed to Breakdown.
type BreakdownItem struct {
	Description    string
	ObjectiveType  store.ObjectiveType
	Priority       *int
	EstimatedHours float64
	Dependencies   []string
}

// Breakdown creates child objectives under parentID, inheriting the
// parent's repository path and, where omitted, its priority.
func (s *Service) Breakdown(parentID string, items []BreakdownItem) ([]*store.Objective, error) {
	parent, err := s.db.Objectives().FindByID(parentID)
	if err != nil {
		return nil, err
	}

	children := make([]*store.Objective, 0, len(items))
	for _, item := range items {
		priority := parent.Priority
		if item.Priority != nil {
			priority = *item.Priority
		}
		child, err := s.Create(CreateParams{
			RepositoryPath:    parent.RepositoryPath,
			ObjectiveType:     item.ObjectiveType,
			Description:       item.Description,
			Priority:          priority,
			ParentObjectiveID: &parent.ID,
			Requirements: store.Requirements{
				Dependencies:    item.Dependencies,
				EstimatedHours:  item.EstimatedHours,
				OrchestrationID: parent.Requirements.OrchestrationID,
			},
		})
		if err != nil {
			return children, err
		}
		children = append(children, child)
	}
	return children, nil
}

// AutoAssign hands up to defaultAutoAssignLimit pending objectives to an
// agent, highest priority first, transitioning each to in_progress.
func (s *Service) AutoAssign(repositoryPath, agentID string, objectiveTypes []store.ObjectiveType) ([]*store.Objective, error) {
	result, err := s.db.Objectives().List(store.ObjectiveFilter{
		RepositoryPath: repositoryPath,
		Status:         store.ObjectivePending,
		ObjectiveTypes: objectiveTypes,
		Limit:          defaultAutoAssignLimit,
	})
	if err != nil {
		return nil, err
	}

	inProgress := store.ObjectiveInProgress
	assigned := make([]*store.Objective, 0, len(result.Data))
	for _, o := range result.Data {
		updated, err := s.Update(o.ID, UpdateParams{
			Status:          &inProgress,
			AssignedAgentID: &agentID,
		})
		if err != nil {
			return assigned, err
		}
		assigned = append(assigned, updated)
	}
	return assigned, nil
}

// checkAcyclic rejects dependency edges that would close a cycle through
// id. Edges to unknown objectives are ignored, matching GetDependencies.
func (s *Service) checkAcyclic(id string, deps []string) error {
	visited := map[string]bool{}
	frontier := append([]string(nil), deps...)
	for len(frontier) > 0 {
		depID := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if depID == id {
			return zerr.New(zerr.KindCycle, "dependency cycle through objective %s", id)
		}
		if visited[depID] {
			continue
		}
		visited[depID] = true
		dep, err := s.db.Objectives().FindByID(depID)
		if zerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		frontier = append(frontier, dep.Requirements.Dependencies...)
	}
	return nil
}
