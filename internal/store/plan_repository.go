package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// planColumns is the list of columns to select for plan queries.
const planColumns = `id, repository_path, title, description, objectives, sections, metadata,
	status, started_at, completed_at, created_at, updated_at`

// PlanRepository persists plans.
type PlanRepository struct {
	db *sql.DB
}

func scanPlan(scanner interface{ Scan(...any) error }) (*PlanModel, error) {
	var m PlanModel
	err := scanner.Scan(
		&m.ID, &m.RepositoryPath, &m.Title, &m.Description, &m.Objectives, &m.Sections, &m.Metadata,
		&m.Status, &m.StartedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

// Create inserts a new plan row.
func (r *PlanRepository) Create(p *Plan) error {
	m, err := toPlanModel(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO plans (`+planColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RepositoryPath, m.Title, m.Description, m.Objectives, m.Sections, m.Metadata,
		m.Status, m.StartedAt, m.CompletedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

// FindByID retrieves a plan by id. Returns NotFound when absent.
func (r *PlanRepository) FindByID(id string) (*Plan, error) {
	row := r.db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	m, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "plan %s", id)
	}
	if err != nil {
		return nil, corrupt("plan", err)
	}
	return m.toDomain()
}

// Update rewrites the mutable fields of a plan and refreshes updated_at.
func (r *PlanRepository) Update(p *Plan) error {
	p.UpdatedAt = time.Now()
	m, err := toPlanModel(p)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(
		`UPDATE plans SET title = ?, description = ?, objectives = ?, sections = ?, metadata = ?,
			status = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		m.Title, m.Description, m.Objectives, m.Sections, m.Metadata,
		m.Status, m.StartedAt, m.CompletedAt, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return zerr.New(zerr.KindNotFound, "plan %s", p.ID)
	}
	return nil
}

// Delete removes a plan row. Materialized objectives are not deleted; the
// caller unlinks them via ObjectiveRepository.UnlinkPlan.
func (r *PlanRepository) Delete(id string) (bool, error) {
	result, err := r.db.Exec(`DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns plans for a repository path, newest first.
func (r *PlanRepository) List(repositoryPath string, limit int) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	args := []any{}
	if repositoryPath != "" {
		query += ` WHERE repository_path = ?`
		args = append(args, repositoryPath)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*Plan
	for rows.Next() {
		m, err := scanPlan(rows)
		if err != nil {
			return nil, corrupt("plan", err)
		}
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plan rows: %w", err)
	}
	return plans, nil
}
