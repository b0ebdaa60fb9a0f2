package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// roomColumns is the list of columns to select for room queries.
const roomColumns = `id, name, description, repository_path, room_metadata, created_at, closed_at`

// messageColumns is the list of columns to select for message queries.
const messageColumns = `id, room_id, agent_name, message, message_type, timestamp`

// RoomRepository persists rooms, their messages, and participants.
type RoomRepository struct {
	db *sql.DB
}

func scanRoom(scanner interface{ Scan(...any) error }) (*RoomModel, error) {
	var m RoomModel
	err := scanner.Scan(
		&m.ID, &m.Name, &m.Description, &m.RepositoryPath, &m.Metadata, &m.CreatedAt, &m.ClosedAt,
	)
	return &m, err
}

// Create inserts a new room. Returns AlreadyExists when a room with the
// same name exists for the repository path.
func (r *RoomRepository) Create(room *Room) error {
	m, err := toRoomModel(room)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, m.RepositoryPath, m.Metadata, m.CreatedAt, m.ClosedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return zerr.New(zerr.KindAlreadyExists, "room %q in %s", room.Name, room.RepositoryPath)
		}
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

// FindByID retrieves a room by id.
func (r *RoomRepository) FindByID(id string) (*Room, error) {
	row := r.db.QueryRow(`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	m, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "room %s", id)
	}
	if err != nil {
		return nil, corrupt("room", err)
	}
	return m.toDomain()
}

// FindByName retrieves a room by (name, repository_path).
func (r *RoomRepository) FindByName(name, repositoryPath string) (*Room, error) {
	row := r.db.QueryRow(
		`SELECT `+roomColumns+` FROM rooms WHERE name = ? AND repository_path = ?`,
		name, repositoryPath,
	)
	m, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "room %q in %s", name, repositoryPath)
	}
	if err != nil {
		return nil, corrupt("room", err)
	}
	return m.toDomain()
}

// Close soft-closes a room: the row is kept with closed_at stamped.
// Idempotent on already-closed rooms.
func (r *RoomRepository) Close(id string) error {
	result, err := r.db.Exec(
		`UPDATE rooms SET closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("closing room: %w", err)
	}
	_, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	return nil
}

// ListOpen returns open rooms, optionally scoped to a repository path.
func (r *RoomRepository) ListOpen(repositoryPath string) ([]*Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE closed_at IS NULL`
	args := []any{}
	if repositoryPath != "" {
		query += ` AND repository_path = ?`
		args = append(args, repositoryPath)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Room
	for rows.Next() {
		m, err := scanRoom(rows)
		if err != nil {
			return nil, corrupt("room", err)
		}
		room, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room rows: %w", err)
	}
	return out, nil
}

// AppendMessage inserts a message row.
func (r *RoomRepository) AppendMessage(m *Message) error {
	_, err := r.db.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.AgentName, m.Message, string(m.MessageType), m.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessages returns room messages ascending by timestamp, tie-broken by
// insertion id. A limit of 0 returns everything.
func (r *RoomRepository) GetMessages(roomID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? ORDER BY timestamp ASC, id ASC`
	args := []any{roomID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		var msgType string
		var ts int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AgentName, &m.Message, &msgType, &ts); err != nil {
			return nil, corrupt("message", err)
		}
		m.MessageType = MessageType(msgType)
		m.Timestamp = millisToTime(ts)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// LastMessageAt returns the timestamp of the newest message in a room, or
// the zero time when the room has none.
func (r *RoomRepository) LastMessageAt(roomID string) (time.Time, error) {
	var ms sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(timestamp) FROM messages WHERE room_id = ?`, roomID,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying last message: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return millisToTime(ms.Int64), nil
}

// AddParticipant records room membership. Idempotent: re-joining an
// existing membership reactivates it and reports joined=false.
func (r *RoomRepository) AddParticipant(roomID, agentID string) (joined bool, err error) {
	var exists bool
	err = r.db.QueryRow(
		`SELECT COUNT(*) > 0 FROM participants WHERE room_id = ? AND agent_id = ?`,
		roomID, agentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	if exists {
		if err := r.SetParticipantStatus(roomID, agentID, ParticipantActive); err != nil {
			return false, err
		}
		return false, nil
	}

	_, err = r.db.Exec(
		`INSERT INTO participants (room_id, agent_id, status) VALUES (?, ?, 'active')`,
		roomID, agentID,
	)
	if err != nil {
		return false, fmt.Errorf("adding participant: %w", err)
	}
	return true, nil
}

// SetParticipantStatus updates a membership status.
func (r *RoomRepository) SetParticipantStatus(roomID, agentID string, status ParticipantStatus) error {
	_, err := r.db.Exec(
		`UPDATE participants SET status = ? WHERE room_id = ? AND agent_id = ?`,
		string(status), roomID, agentID,
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	return nil
}

// ListParticipants returns the memberships of a room.
func (r *RoomRepository) ListParticipants(roomID string) ([]*Participant, error) {
	rows, err := r.db.Query(
		`SELECT room_id, agent_id, status FROM participants WHERE room_id = ? ORDER BY agent_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		var status string
		if err := rows.Scan(&p.RoomID, &p.AgentID, &status); err != nil {
			return nil, corrupt("participant", err)
		}
		p.Status = ParticipantStatus(status)
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return participants, nil
}
