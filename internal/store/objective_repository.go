package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// objectiveColumns is the list of columns to select for objective queries.
const objectiveColumns = `id, repository_path, objective_type, description, requirements, status,
	priority, assigned_agent_id, parent_objective_id, results, progress_percentage,
	created_at, updated_at`

// ObjectiveRepository persists objectives and their dependency edges
// (stored under requirements.dependencies).
type ObjectiveRepository struct {
	db *sql.DB
}

func scanObjective(scanner interface{ Scan(...any) error }) (*ObjectiveModel, error) {
	var m ObjectiveModel
	err := scanner.Scan(
		&m.ID, &m.RepositoryPath, &m.ObjectiveType, &m.Description, &m.Requirements, &m.Status,
		&m.Priority, &m.AssignedAgentID, &m.ParentObjectiveID, &m.Results, &m.ProgressPercentage,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

// Create inserts a new objective row.
func (r *ObjectiveRepository) Create(o *Objective) error {
	m, err := toObjectiveModel(o)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO objectives (`+objectiveColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RepositoryPath, m.ObjectiveType, m.Description, m.Requirements, m.Status,
		m.Priority, m.AssignedAgentID, m.ParentObjectiveID, m.Results, m.ProgressPercentage,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting objective: %w", err)
	}
	return nil
}

// FindByID retrieves an objective by id. Returns NotFound when absent.
func (r *ObjectiveRepository) FindByID(id string) (*Objective, error) {
	row := r.db.QueryRow(`SELECT `+objectiveColumns+` FROM objectives WHERE id = ?`, id)
	m, err := scanObjective(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "objective %s", id)
	}
	if err != nil {
		return nil, corrupt("objective", err)
	}
	return m.toDomain()
}

// Update rewrites the mutable fields of an objective and refreshes updated_at.
func (r *ObjectiveRepository) Update(o *Objective) error {
	o.UpdatedAt = time.Now()
	m, err := toObjectiveModel(o)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(
		`UPDATE objectives SET objective_type = ?, description = ?, requirements = ?, status = ?,
			priority = ?, assigned_agent_id = ?, parent_objective_id = ?, results = ?,
			progress_percentage = ?, updated_at = ?
		 WHERE id = ?`,
		m.ObjectiveType, m.Description, m.Requirements, m.Status,
		m.Priority, m.AssignedAgentID, m.ParentObjectiveID, m.Results,
		m.ProgressPercentage, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating objective: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return zerr.New(zerr.KindNotFound, "objective %s", o.ID)
	}
	return nil
}

// Delete removes an objective and all of its descendants (strict tree).
// Returns false when the root was not found.
func (r *ObjectiveRepository) Delete(id string) (bool, error) {
	ids := []string{id}
	// Walk the tree breadth-first collecting descendant ids.
	for frontier := []string{id}; len(frontier) > 0; {
		var next []string
		for _, parent := range frontier {
			children, err := r.FindByParent(parent)
			if err != nil {
				return false, err
			}
			for _, child := range children {
				ids = append(ids, child.ID)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}

	var rootDeleted bool
	for i := len(ids) - 1; i >= 0; i-- {
		result, err := r.db.Exec(`DELETE FROM objectives WHERE id = ?`, ids[i])
		if err != nil {
			return false, fmt.Errorf("deleting objective: %w", err)
		}
		if i == 0 {
			affected, err := result.RowsAffected()
			if err != nil {
				return false, fmt.Errorf("checking rows affected: %w", err)
			}
			rootDeleted = affected > 0
		}
	}
	return rootDeleted, nil
}

// FindByParent returns direct children ordered by creation.
func (r *ObjectiveRepository) FindByParent(parentID string) ([]*Objective, error) {
	return r.queryObjectives(
		`SELECT `+objectiveColumns+` FROM objectives
		 WHERE parent_objective_id = ? ORDER BY created_at ASC, id ASC`,
		parentID,
	)
}

// ObjectiveFilter narrows List results. Zero fields are ignored.
type ObjectiveFilter struct {
	RepositoryPath string
	Status         ObjectiveStatus
	ObjectiveTypes []ObjectiveType
	AssignedAgent  string
	Limit          int
	Offset         int
}

// ListResult carries a page of objectives plus paging metadata.
type ListResult struct {
	Data    []*Objective
	Total   int
	HasMore bool
}

// List returns objectives matching the filter ordered by
// priority descending then created_at ascending.
func (r *ObjectiveRepository) List(filter ObjectiveFilter) (*ListResult, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filter.RepositoryPath != "" {
		where += ` AND repository_path = ?`
		args = append(args, filter.RepositoryPath)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if len(filter.ObjectiveTypes) > 0 {
		where += ` AND objective_type IN (`
		for i, ot := range filter.ObjectiveTypes {
			if i > 0 {
				where += `, `
			}
			where += `?`
			args = append(args, string(ot))
		}
		where += `)`
	}
	if filter.AssignedAgent != "" {
		where += ` AND assigned_agent_id = ?`
		args = append(args, filter.AssignedAgent)
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM objectives`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting objectives: %w", err)
	}

	query := `SELECT ` + objectiveColumns + ` FROM objectives` + where +
		` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	data, err := r.queryObjectives(query, args...)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Data:    data,
		Total:   total,
		HasMore: filter.Limit > 0 && filter.Offset+len(data) < total,
	}, nil
}

// GetDependencies resolves the objectives this one depends on, reading the
// edge list under requirements.dependencies. Missing dependencies are
// skipped: a completed-and-deleted prerequisite is not an error.
func (r *ObjectiveRepository) GetDependencies(id string) ([]*Objective, error) {
	o, err := r.FindByID(id)
	if err != nil {
		return nil, err
	}
	var deps []*Objective
	for _, depID := range o.Requirements.Dependencies {
		dep, err := r.FindByID(depID)
		if zerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// GetDependents returns the objectives whose requirements.dependencies
// contain the given id.
func (r *ObjectiveRepository) GetDependents(id string) ([]*Objective, error) {
	// Dependencies live inside a JSON column, so match candidates by
	// substring first and confirm against the decoded edge list.
	candidates, err := r.queryObjectives(
		`SELECT `+objectiveColumns+` FROM objectives
		 WHERE requirements LIKE ? ORDER BY created_at ASC, id ASC`,
		"%"+id+"%",
	)
	if err != nil {
		return nil, err
	}
	var dependents []*Objective
	for _, candidate := range candidates {
		for _, depID := range candidate.Requirements.Dependencies {
			if depID == id {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents, nil
}

// UnlinkPlan tombstones requirements.planId for every objective
// materialized from the given plan.
func (r *ObjectiveRepository) UnlinkPlan(planID string) (int, error) {
	linked, err := r.queryObjectives(
		`SELECT `+objectiveColumns+` FROM objectives WHERE requirements LIKE ?`,
		"%"+planID+"%",
	)
	if err != nil {
		return 0, err
	}
	unlinked := 0
	for _, o := range linked {
		if o.Requirements.PlanID != planID {
			continue
		}
		o.Requirements.PlanID = "deleted:" + planID
		if err := r.Update(o); err != nil {
			return unlinked, err
		}
		unlinked++
	}
	return unlinked, nil
}

func (r *ObjectiveRepository) queryObjectives(query string, args ...any) ([]*Objective, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying objectives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var objectives []*Objective
	for rows.Next() {
		m, err := scanObjective(rows)
		if err != nil {
			return nil, corrupt("objective", err)
		}
		o, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		objectives = append(objectives, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objective rows: %w", err)
	}
	return objectives, nil
}
