package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			provider_session_id TEXT NOT NULL,
			embed_url TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_owner_id ON rooms(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_active ON rooms(active)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS room_events (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			action TEXT NOT NULL,
			member_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_room_events_created_at ON room_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, owner_id, password, provider_session_id, embed_url, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.OwnerID, room.Password, room.ProviderSessionID, room.EmbedURL, room.Active, room.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE id = ?`, id,
	).Scan(&r.ID, &r.OwnerID, &r.Password, &r.ProviderSessionID, &r.EmbedURL, &r.Active, &r.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return &r, err
}

func (s *SQLiteStore) ListActiveRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (s *SQLiteStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func scanRooms(rows *sql.Rows) ([]Room, error) {
	var rooms []Room
	for rows.Next() {
		var r Room
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Password, &r.ProviderSessionID, &r.EmbedURL, &r.Active, &r.CreatedAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) SetRoomSession(ctx context.Context, id, providerSessionID, embedURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET provider_session_id = ?, embed_url = ?, active = 1, ended_at = NULL WHERE id = ?",
		providerSessionID, embedURL, id,
	)
	return err
}

func (s *SQLiteStore) EndRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET active = 0, ended_at = ? WHERE id = ? AND active = 1",
		time.Now(), id,
	)
	return err
}

// --- Users ---

func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, avatar=excluded.avatar, updated_at=excluded.updated_at`,
		user.ID, user.Username, user.Avatar, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, avatar, created_at, updated_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Room events ---

func (s *SQLiteStore) LogRoomEvent(ctx context.Context, event *RoomEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_events (id, room_id, action, member_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RoomID, event.Action, event.MemberID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListRoomEvents(ctx context.Context, roomID string, limit int) ([]RoomEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, action, member_id, detail, created_at
		 FROM room_events WHERE room_id = ? ORDER BY created_at DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RoomEvent
	for rows.Next() {
		var e RoomEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Action, &e.MemberID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM room_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
