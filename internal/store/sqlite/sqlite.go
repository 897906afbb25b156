package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wasta-market/wasta-chat/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps
	// ":memory:" databases alive across queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// New creates a new SQLite store.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without the migrate command.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate applies the schema to the opened database.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

const userColumns = `id, username, display_name, avatar_url, role, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	query := `
		INSERT INTO users (username, display_name, avatar_url, role, password_hash)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, u.Username, u.DisplayName, u.AvatarURL, string(u.Role), u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// ==== ServiceStore implementation ====

// CreateService creates a service listing owned by a freelancer.
func (s *SQLiteStore) CreateService(ctx context.Context, freelancerID int64, title string) (*store.Service, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO services (freelancer_id, title) VALUES (?, ?)`, freelancerID, title)
	if err != nil {
		return nil, fmt.Errorf("insert service: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetServiceByID(ctx, id)
}

// GetServiceByID retrieves a service listing by ID.
func (s *SQLiteStore) GetServiceByID(ctx context.Context, id int64) (*store.Service, error) {
	query := `SELECT id, freelancer_id, title, created_at FROM services WHERE id = ?`
	var svc store.Service
	err := s.db.QueryRowContext(ctx, query, id).Scan(&svc.ID, &svc.FreelancerID, &svc.Title, &svc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("service %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query service: %w", err)
	}
	return &svc, nil
}

// ==== RoomStore implementation ====

// CreateRoom creates a room between a client and a freelancer.
// An existing room for the same pair and service is returned as is.
func (s *SQLiteStore) CreateRoom(ctx context.Context, clientID, freelancerID int64, serviceID *int64) (*store.Room, error) {
	var svcKey int64
	if serviceID != nil {
		svcKey = *serviceID
	}

	var existingID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM chat_rooms
		WHERE client_id = ? AND freelancer_id = ? AND IFNULL(service_id, 0) = ?
	`, clientID, freelancerID, svcKey).Scan(&existingID)
	switch {
	case err == nil:
		return s.GetRoomByID(ctx, existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check existing room: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_rooms (client_id, freelancer_id, service_id, created_at)
		VALUES (?, ?, ?, ?)
	`, clientID, freelancerID, serviceID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetRoomByID(ctx, id)
}

// GetRoomByID retrieves a room by ID.
func (s *SQLiteStore) GetRoomByID(ctx context.Context, id int64) (*store.Room, error) {
	query := `
		SELECT id, client_id, freelancer_id, service_id, created_at
		FROM chat_rooms
		WHERE id = ?
	`
	var room store.Room
	var serviceID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&room.ID,
		&room.ClientID,
		&room.FreelancerID,
		&serviceID,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}

	if serviceID.Valid {
		room.ServiceID = &serviceID.Int64
	}
	return &room, nil
}

// ListRoomsForUser lists rooms where the user is either participant.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID int64) ([]*store.RoomDetail, error) {
	query := `
		SELECT r.id, r.client_id, r.freelancer_id, r.service_id, r.created_at,
		       c.display_name, c.avatar_url,
		       f.display_name, f.avatar_url,
		       COALESCE(s.title, '')
		FROM chat_rooms r
		JOIN users c ON c.id = r.client_id
		JOIN users f ON f.id = r.freelancer_id
		LEFT JOIN services s ON s.id = r.service_id
		WHERE r.client_id = ? OR r.freelancer_id = ?
		ORDER BY r.created_at DESC, r.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*store.RoomDetail
	for rows.Next() {
		var d store.RoomDetail
		var serviceID sql.NullInt64
		if err := rows.Scan(
			&d.ID, &d.ClientID, &d.FreelancerID, &serviceID, &d.CreatedAt,
			&d.Client.DisplayName, &d.Client.AvatarURL,
			&d.Freelancer.DisplayName, &d.Freelancer.AvatarURL,
			&d.ServiceTitle,
		); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if serviceID.Valid {
			d.ServiceID = &serviceID.Int64
		}
		d.Client.ID = d.ClientID
		d.Freelancer.ID = d.FreelancerID
		rooms = append(rooms, &d)
	}

	return rooms, rows.Err()
}

// ==== MessageStore implementation ====

const messageColumns = `id, room_id, sender_id, message_text, is_read, sent_at`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.IsRead, &m.SentAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMessage persists a message to storage.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()

	query := `
		INSERT INTO messages (room_id, sender_id, message_text, is_read, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, msg.RoomID, msg.SenderID, msg.Text, msg.IsRead, msg.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	msg.ID = id
	return nil
}

// ListMessages retrieves messages from a room in ascending order.
// Paged reads use the message id as cursor; ids follow insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	var query string
	var args []any

	switch {
	case limit <= 0 && beforeID == nil:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? ORDER BY sent_at ASC, id ASC`
		args = []any{roomID}
	case beforeID != nil:
		if limit <= 0 {
			limit = -1 // no limit in SQLite
		}
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? AND id < ? ORDER BY id DESC LIMIT ?`
		args = []any{roomID, *beforeID, limit}
	default:
		query = `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?`
		args = []any{roomID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 || beforeID != nil {
		// Paged reads come back newest first.
		for i := range len(messages) / 2 {
			messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
		}
	}

	return messages, nil
}

// LatestMessage returns the most recent message of a room, or nil if the room is empty.
func (s *SQLiteStore) LatestMessage(ctx context.Context, roomID int64) (*store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? ORDER BY sent_at DESC, id DESC LIMIT 1`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest message: %w", err)
	}
	return msg, nil
}

// CountUnread counts unread messages in a room sent by someone other than userID.
func (s *SQLiteStore) CountUnread(ctx context.Context, roomID, userID int64) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE room_id = ? AND is_read = 0 AND sender_id != ?`
	var n int
	if err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead marks the other participant's unread messages in a room as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, roomID, readerID int64) (int64, error) {
	query := `UPDATE messages SET is_read = 1 WHERE room_id = ? AND sender_id != ? AND is_read = 0`
	result, err := s.db.ExecContext(ctx, query, roomID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
