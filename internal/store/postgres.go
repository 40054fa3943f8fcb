package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			provider_session_id TEXT NOT NULL,
			embed_url TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_owner_id ON rooms(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_active ON rooms(active)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS room_events (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			action TEXT NOT NULL,
			member_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, owner_id, password, provider_session_id, embed_url, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		room.ID, room.OwnerID, room.Password, room.ProviderSessionID, room.EmbedURL, room.Active, room.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE id = $1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.Password, &r.ProviderSessionID, &r.EmbedURL, &r.Active, &r.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return &r, err
}

func (s *PostgresStore) ListActiveRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (s *PostgresStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, password, provider_session_id, embed_url, active, created_at, ended_at
		 FROM rooms WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (s *PostgresStore) SetRoomSession(ctx context.Context, id, providerSessionID, embedURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET provider_session_id = $1, embed_url = $2, active = TRUE, ended_at = NULL WHERE id = $3",
		providerSessionID, embedURL, id,
	)
	return err
}

func (s *PostgresStore) EndRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET active = FALSE, ended_at = $1 WHERE id = $2 AND active",
		time.Now(), id,
	)
	return err
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, avatar=excluded.avatar, updated_at=excluded.updated_at`,
		user.ID, user.Username, user.Avatar, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, avatar, created_at, updated_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Room events ---

func (s *PostgresStore) LogRoomEvent(ctx context.Context, event *RoomEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_events (id, room_id, action, member_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.RoomID, event.Action, event.MemberID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListRoomEvents(ctx context.Context, roomID string, limit int) ([]RoomEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, action, member_id, detail, created_at
		 FROM room_events WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM room_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
