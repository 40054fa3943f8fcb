// Package store defines the persistence interface for tandemd and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListActiveRooms(ctx context.Context) ([]Room, error)
	ListRoomsByOwner(ctx context.Context, ownerID string) ([]Room, error)
	// SetRoomSession replaces the provider session backing a room and
	// marks the record active again.
	SetRoomSession(ctx context.Context, id, providerSessionID, embedURL string) error
	// EndRoom marks a room inactive. Ending an already-ended room is a no-op.
	EndRoom(ctx context.Context, id string) error

	// Users
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Room events
	LogRoomEvent(ctx context.Context, event *RoomEvent) error
	ListRoomEvents(ctx context.Context, roomID string, limit int) ([]RoomEvent, error)
	PurgeOldEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Room is the persisted record for a collaborative browser room.
type Room struct {
	ID                string     `json:"room_id"`
	OwnerID           string     `json:"owner_id"`
	Password          string     `json:"-"`
	ProviderSessionID string     `json:"provider_session_id"`
	EmbedURL          string     `json:"embed_url"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// User caches an externally authenticated identity for display purposes.
type User struct {
	ID        string    `json:"id"` // external identity subject
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomEvent is an operational log entry for a room.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Action    string          `json:"action"` // e.g. "room.created", "member.joined"
	MemberID  string          `json:"member_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
