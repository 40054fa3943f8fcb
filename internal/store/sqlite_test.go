package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRoom is a helper that inserts a room and returns it.
func createTestRoom(t *testing.T, s *SQLiteStore, ownerID, password string) *Room {
	t.Helper()
	r := &Room{
		ID:                uuid.New().String()[:8],
		OwnerID:           ownerID,
		Password:          password,
		ProviderSessionID: uuid.New().String(),
		EmbedURL:          "https://embed.example.com/" + uuid.New().String(),
		Active:            true,
		CreatedAt:         time.Now(),
	}
	if err := s.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("createTestRoom: %v", err)
	}
	return r
}

func TestRoomCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := createTestRoom(t, s, "owner-1", "hunter2")

	got, err := s.GetRoom(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got == nil {
		t.Fatal("expected room, got nil")
	}
	if got.OwnerID != "owner-1" {
		t.Errorf("owner_id: got %q, want %q", got.OwnerID, "owner-1")
	}
	if got.Password != "hunter2" {
		t.Errorf("password: got %q, want %q", got.Password, "hunter2")
	}
	if !got.Active {
		t.Error("expected room to be active")
	}
	if got.EndedAt != nil {
		t.Error("expected nil EndedAt for active room")
	}

	missing, err := s.GetRoom(ctx, "nope")
	if err != nil {
		t.Fatalf("GetRoom missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing room, got %+v", missing)
	}
}

func TestEndRoomIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := createTestRoom(t, s, "owner-1", "")

	if err := s.EndRoom(ctx, r.ID); err != nil {
		t.Fatalf("EndRoom: %v", err)
	}
	got, _ := s.GetRoom(ctx, r.ID)
	if got.Active {
		t.Error("expected room inactive after EndRoom")
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}
	firstEnded := *got.EndedAt

	// Ending again must not error or move the timestamp.
	if err := s.EndRoom(ctx, r.ID); err != nil {
		t.Fatalf("second EndRoom: %v", err)
	}
	got, _ = s.GetRoom(ctx, r.ID)
	if got.EndedAt == nil || !got.EndedAt.Equal(firstEnded) {
		t.Errorf("EndedAt moved on repeated EndRoom: got %v, want %v", got.EndedAt, firstEnded)
	}
}

func TestListActiveRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestRoom(t, s, "owner-1", "")
	b := createTestRoom(t, s, "owner-2", "")
	if err := s.EndRoom(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListActiveRooms(ctx)
	if err != nil {
		t.Fatalf("ListActiveRooms: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active rooms: got %d, want 1", len(active))
	}
	if active[0].ID != a.ID {
		t.Errorf("active room: got %q, want %q", active[0].ID, a.ID)
	}
}

func TestSetRoomSessionReplacesAndReactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := createTestRoom(t, s, "owner-1", "")
	if err := s.EndRoom(ctx, r.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.SetRoomSession(ctx, r.ID, "new-session", "https://embed.example.com/new"); err != nil {
		t.Fatalf("SetRoomSession: %v", err)
	}

	got, _ := s.GetRoom(ctx, r.ID)
	if got.ProviderSessionID != "new-session" {
		t.Errorf("provider_session_id: got %q, want %q", got.ProviderSessionID, "new-session")
	}
	if got.EmbedURL != "https://embed.example.com/new" {
		t.Errorf("embed_url: got %q", got.EmbedURL)
	}
	if !got.Active {
		t.Error("expected room active after SetRoomSession")
	}
	if got.EndedAt != nil {
		t.Error("expected EndedAt cleared after SetRoomSession")
	}

	// The record reflects only the latest session as active.
	active, _ := s.ListActiveRooms(ctx)
	if len(active) != 1 || active[0].ProviderSessionID != "new-session" {
		t.Errorf("active rooms after refresh: %+v", active)
	}
}

func TestListRoomsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestRoom(t, s, "owner-1", "")
	createTestRoom(t, s, "owner-1", "")
	createTestRoom(t, s, "owner-2", "")

	rooms, err := s.ListRoomsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListRoomsByOwner: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("rooms for owner-1: got %d, want 2", len(rooms))
	}
}

func TestUpsertUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:        "ext-123",
		Username:  "alex",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	u.Username = "alex2"
	u.UpdatedAt = time.Now()
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser update: %v", err)
	}

	got, err := s.GetUser(ctx, "ext-123")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil || got.Username != "alex2" {
		t.Errorf("GetUser after upsert: got %+v", got)
	}
}

func TestRoomEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := createTestRoom(t, s, "owner-1", "")
	for _, action := range []string{"room.created", "member.joined", "member.left"} {
		err := s.LogRoomEvent(ctx, &RoomEvent{
			ID:        uuid.New().String(),
			RoomID:    r.ID,
			Action:    action,
			MemberID:  "m-1",
			Detail:    []byte(`{"k":"v"}`),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("LogRoomEvent(%s): %v", action, err)
		}
	}

	events, err := s.ListRoomEvents(ctx, r.ID, 10)
	if err != nil {
		t.Fatalf("ListRoomEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events: got %d, want 3", len(events))
	}

	n, err := s.PurgeOldEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeOldEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("purged: got %d, want 3", n)
	}
}
