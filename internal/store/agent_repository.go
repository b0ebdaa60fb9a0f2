package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// agentColumns is the list of columns to select for agent queries.
const agentColumns = `id, agent_name, agent_type, repository_path, status, capabilities, depends_on,
	claude_pid, convo_session_id, room_id, agent_metadata, created_at, last_heartbeat, updated_at`

// AgentRepository persists agent sessions.
type AgentRepository struct {
	db *sql.DB
}

func scanAgent(scanner interface{ Scan(...any) error }) (*AgentModel, error) {
	var m AgentModel
	err := scanner.Scan(
		&m.ID, &m.AgentName, &m.AgentType, &m.RepositoryPath, &m.Status,
		&m.Capabilities, &m.DependsOn, &m.ClaudePID, &m.ConvoSessionID, &m.RoomID,
		&m.Metadata, &m.CreatedAt, &m.LastHeartbeat, &m.UpdatedAt,
	)
	return &m, err
}

// Create inserts a new agent row.
func (r *AgentRepository) Create(a *Agent) error {
	m, err := toAgentModel(a)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentName, m.AgentType, m.RepositoryPath, m.Status,
		m.Capabilities, m.DependsOn, m.ClaudePID, m.ConvoSessionID, m.RoomID,
		m.Metadata, m.CreatedAt, m.LastHeartbeat, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// FindByID retrieves an agent by id. Returns NotFound when absent.
func (r *AgentRepository) FindByID(id string) (*Agent, error) {
	row := r.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	m, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "agent %s", id)
	}
	if err != nil {
		return nil, corrupt("agent", err)
	}
	return m.toDomain()
}

// Update rewrites the mutable fields of an agent and refreshes updated_at.
func (r *AgentRepository) Update(a *Agent) error {
	a.UpdatedAt = time.Now()
	m, err := toAgentModel(a)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(
		`UPDATE agents SET agent_name = ?, agent_type = ?, status = ?, capabilities = ?,
			depends_on = ?, claude_pid = ?, convo_session_id = ?, room_id = ?,
			agent_metadata = ?, last_heartbeat = ?, updated_at = ?
		 WHERE id = ?`,
		m.AgentName, m.AgentType, m.Status, m.Capabilities,
		m.DependsOn, m.ClaudePID, m.ConvoSessionID, m.RoomID,
		m.Metadata, m.LastHeartbeat, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return zerr.New(zerr.KindNotFound, "agent %s", a.ID)
	}
	return nil
}

// TouchHeartbeat bumps last_heartbeat and updated_at without rewriting the row.
func (r *AgentRepository) TouchHeartbeat(id string) error {
	now := nowMillis()
	result, err := r.db.Exec(
		`UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("touching agent heartbeat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return zerr.New(zerr.KindNotFound, "agent %s", id)
	}
	return nil
}

// Delete removes an agent row. Returns false when no row matched.
func (r *AgentRepository) Delete(id string) (bool, error) {
	result, err := r.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// FindActiveAgents returns agents in {active, idle}, optionally scoped to
// a repository path.
func (r *AgentRepository) FindActiveAgents(repositoryPath string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE status IN ('active', 'idle')`
	args := []any{}
	if repositoryPath != "" {
		query += ` AND repository_path = ?`
		args = append(args, repositoryPath)
	}
	query += ` ORDER BY last_heartbeat DESC`
	return r.queryAgents(query, args...)
}

// FindNonTerminal returns agents whose status is not sticky, for the
// liveness reconciliation loop.
func (r *AgentRepository) FindNonTerminal() ([]*Agent, error) {
	return r.queryAgents(
		`SELECT ` + agentColumns + ` FROM agents
		 WHERE status NOT IN ('completed', 'terminated', 'failed')
		 ORDER BY last_heartbeat DESC`,
	)
}

// AgentFilter narrows FindFiltered results. Zero fields are ignored.
type AgentFilter struct {
	Status         AgentStatus
	RepositoryPath string
	Limit          int
	Offset         int
}

// FindFiltered returns agents matching the filter, ordered by
// last_heartbeat descending.
func (r *AgentRepository) FindFiltered(filter AgentFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RepositoryPath != "" {
		query += ` AND repository_path = ?`
		args = append(args, filter.RepositoryPath)
	}
	query += ` ORDER BY last_heartbeat DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	return r.queryAgents(query, args...)
}

// FindStale returns agents in {active, idle} whose last heartbeat is older
// than the cutoff.
func (r *AgentRepository) FindStale(cutoff time.Time) ([]*Agent, error) {
	return r.queryAgents(
		`SELECT `+agentColumns+` FROM agents
		 WHERE status IN ('active', 'idle') AND last_heartbeat < ?
		 ORDER BY last_heartbeat ASC`,
		cutoff.UnixMilli(),
	)
}

func (r *AgentRepository) queryAgents(query string, args ...any) ([]*Agent, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		m, err := scanAgent(rows)
		if err != nil {
			return nil, corrupt("agent", err)
		}
		a, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}
