package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// projectColumns is the list of columns to select for project queries.
const projectColumns = `id, name, repository_path, server_type, server_pid, server_port, host,
	session_id, status, start_time, last_heartbeat, end_time, metadata,
	web_ui_enabled, web_ui_port, web_ui_host`

// ProjectRepository persists project registrations.
type ProjectRepository struct {
	db *sql.DB
}

func scanProject(scanner interface{ Scan(...any) error }) (*ProjectModel, error) {
	var m ProjectModel
	err := scanner.Scan(
		&m.ID, &m.Name, &m.RepositoryPath, &m.ServerType, &m.ServerPID, &m.ServerPort, &m.Host,
		&m.SessionID, &m.Status, &m.StartTime, &m.LastHeartbeat, &m.EndTime, &m.Metadata,
		&m.WebUIEnabled, &m.WebUIPort, &m.WebUIHost,
	)
	return &m, err
}

// Create inserts a new project row.
func (r *ProjectRepository) Create(p *Project) error {
	m, err := toProjectModel(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.RepositoryPath, m.ServerType, m.ServerPID, m.ServerPort, m.Host,
		m.SessionID, m.Status, m.StartTime, m.LastHeartbeat, m.EndTime, m.Metadata,
		m.WebUIEnabled, m.WebUIPort, m.WebUIHost,
	)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// FindByID retrieves a project by id.
func (r *ProjectRepository) FindByID(id string) (*Project, error) {
	row := r.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	m, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "project %s", id)
	}
	if err != nil {
		return nil, corrupt("project", err)
	}
	return m.toDomain()
}

// FindActiveByPath returns the project in {active, connected} for a
// repository path, or NotFound.
func (r *ProjectRepository) FindActiveByPath(repositoryPath string) (*Project, error) {
	row := r.db.QueryRow(
		`SELECT `+projectColumns+` FROM projects
		 WHERE repository_path = ? AND status IN ('active', 'connected')
		 ORDER BY start_time DESC LIMIT 1`,
		repositoryPath,
	)
	m, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "no active project for %s", repositoryPath)
	}
	if err != nil {
		return nil, corrupt("project", err)
	}
	return m.toDomain()
}

// Update rewrites the mutable fields of a project.
func (r *ProjectRepository) Update(p *Project) error {
	m, err := toProjectModel(p)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(
		`UPDATE projects SET name = ?, server_type = ?, server_pid = ?, server_port = ?, host = ?,
			session_id = ?, status = ?, last_heartbeat = ?, end_time = ?, metadata = ?,
			web_ui_enabled = ?, web_ui_port = ?, web_ui_host = ?
		 WHERE id = ?`,
		m.Name, m.ServerType, m.ServerPID, m.ServerPort, m.Host,
		m.SessionID, m.Status, m.LastHeartbeat, m.EndTime, m.Metadata,
		m.WebUIEnabled, m.WebUIPort, m.WebUIHost,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return zerr.New(zerr.KindNotFound, "project %s", p.ID)
	}
	return nil
}

// List returns all projects, most recent registration first.
func (r *ProjectRepository) List(limit int) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY start_time DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		m, err := scanProject(rows)
		if err != nil {
			return nil, corrupt("project", err)
		}
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	return projects, nil
}
