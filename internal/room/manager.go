package room

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tandembrowse/tandem/internal/config"
	"github.com/tandembrowse/tandem/internal/provider"
	"github.com/tandembrowse/tandem/internal/store"
)

// ErrRoomExists means the requested room ID is already in use.
var ErrRoomExists = errors.New("room already exists")

// ErrRoomNotFound means no live room has the given ID.
var ErrRoomNotFound = errors.New("room not found")

// roomIDAlphabet avoids look-alike characters and vowels so generated
// IDs are easy to read out and never spell words.
const roomIDAlphabet = "6789BCDFGHJKLMNPQRTWbcdfghjkmnpqrtwz"

const roomIDLength = 8

const searchHome = "https://duckduckgo.com/"

// Manager drives room lifecycle: create, restore after a restart,
// refresh dead provider sessions, and dispose.
type Manager struct {
	store      store.Store
	provider   provider.Client
	registry   *Registry
	logger     *slog.Logger
	roomCfg    config.RoomConfig
	createWait time.Duration
}

func NewManager(s store.Store, pc provider.Client, reg *Registry, logger *slog.Logger, roomCfg config.RoomConfig, createTimeout time.Duration) *Manager {
	return &Manager{
		store:      s,
		provider:   pc,
		registry:   reg,
		logger:     logger.With("component", "lifecycle"),
		roomCfg:    roomCfg,
		createWait: createTimeout,
	}
}

// CreateRequest describes a room to create. RoomID, Password,
// StartURL and Region are optional; an empty Region falls back to the
// provider's configured default.
type CreateRequest struct {
	RoomID   string
	OwnerID  string
	Password string
	StartURL string
	Region   string
}

// CreateRoom provisions a provider session and registers a live room.
// If the provider call fails nothing is persisted.
func (mgr *Manager) CreateRoom(ctx context.Context, req CreateRequest) (*Room, error) {
	roomID := req.RoomID
	if roomID == "" {
		var err error
		roomID, err = generateRoomID()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
	}
	if mgr.registry.Get(roomID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}

	startURL := normalizeStartURL(req.StartURL)

	ctx, cancel := context.WithTimeout(ctx, mgr.createWait)
	defer cancel()

	session, err := mgr.provider.CreateSession(ctx, startURL, req.Region)
	if err != nil {
		return nil, fmt.Errorf("create provider session: %w", err)
	}

	now := time.Now()
	if err := mgr.store.CreateRoom(ctx, &store.Room{
		ID:                roomID,
		OwnerID:           req.OwnerID,
		Password:          req.Password,
		ProviderSessionID: session.ID,
		EmbedURL:          session.EmbedURL,
		Active:            true,
		CreatedAt:         now,
	}); err != nil {
		// Best effort: don't leak the session we just made.
		if terr := mgr.provider.TerminateSession(context.Background(), session.ID); terr != nil {
			mgr.logger.Warn("terminate orphaned session failed", "session_id", session.ID, "error", terr)
		}
		return nil, fmt.Errorf("persist room: %w", err)
	}

	r := mgr.register(roomID, req.OwnerID, req.Password, session.ID, session.EmbedURL)
	mgr.logEvent(ctx, roomID, "room.created", req.OwnerID, nil)
	mgr.logger.Info("room created", "room_id", roomID, "owner_id", req.OwnerID, "session_id", session.ID)
	return r, nil
}

// RestoreActiveRooms reconciles persisted rooms with the live index
// after a restart. Safe to call repeatedly; rooms already in the index
// are left alone, and failures on one room never block the rest.
func (mgr *Manager) RestoreActiveRooms(ctx context.Context) error {
	rooms, err := mgr.store.ListActiveRooms(ctx)
	if err != nil {
		return fmt.Errorf("list active rooms: %w", err)
	}

	for _, rec := range rooms {
		if mgr.registry.Get(rec.ID) != nil {
			continue
		}
		if mgr.provider.ProbeSession(ctx, rec.EmbedURL) {
			mgr.register(rec.ID, rec.OwnerID, rec.Password, rec.ProviderSessionID, rec.EmbedURL)
			mgr.logEvent(ctx, rec.ID, "room.restored", "", nil)
			mgr.logger.Info("room restored", "room_id", rec.ID, "session_id", rec.ProviderSessionID)
			continue
		}
		if err := mgr.store.EndRoom(ctx, rec.ID); err != nil {
			mgr.logger.Warn("mark dead room ended failed", "room_id", rec.ID, "error", err)
			continue
		}
		mgr.logger.Info("room session dead, record ended", "room_id", rec.ID)
	}
	return nil
}

// RefreshSession probes the room's provider session and replaces it
// with a fresh one when dead. The persisted record follows, so exactly
// one session is ever associated with the room.
func (mgr *Manager) RefreshSession(ctx context.Context, roomID string) (*Room, error) {
	r := mgr.registry.Get(roomID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	// One refresh at a time per room; a racing caller re-probes the
	// replacement instead of creating a second session.
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	_, embedURL := r.Session()
	if mgr.provider.ProbeSession(ctx, embedURL) {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(ctx, mgr.createWait)
	defer cancel()

	session, err := mgr.provider.CreateSession(ctx, searchHome, "")
	if err != nil {
		return nil, fmt.Errorf("recreate provider session: %w", err)
	}

	if err := mgr.store.SetRoomSession(ctx, roomID, session.ID, session.EmbedURL); err != nil {
		return nil, fmt.Errorf("persist refreshed session: %w", err)
	}
	r.SetSession(session.ID, session.EmbedURL)
	mgr.logEvent(ctx, roomID, "room.session_refreshed", "", json.RawMessage(fmt.Sprintf(`{"session_id":%q}`, session.ID)))
	mgr.logger.Info("room session refreshed", "room_id", roomID, "session_id", session.ID)
	return r, nil
}

// DisposeRoom tears a room down: provider session terminated,
// persisted record ended, room deregistered. Concurrent and repeated
// calls collapse into one disposal.
func (mgr *Manager) DisposeRoom(ctx context.Context, roomID string) error {
	r := mgr.registry.Get(roomID)
	if r == nil {
		return nil
	}
	if !r.status.CompareAndSwap(StatusActive, StatusDisposing) {
		return nil
	}

	sessionID, _ := r.Session()
	if err := mgr.provider.TerminateSession(ctx, sessionID); err != nil {
		mgr.logger.Warn("terminate session failed", "room_id", roomID, "session_id", sessionID, "error", err)
	}
	if err := mgr.store.EndRoom(ctx, roomID); err != nil {
		mgr.logger.Warn("end room record failed", "room_id", roomID, "error", err)
	}

	r.Close("disposed")
	mgr.registry.Remove(roomID)
	r.status.Store(StatusDisposed)
	mgr.logEvent(ctx, roomID, "room.disposed", "", nil)
	mgr.logger.Info("room disposed", "room_id", roomID)
	return nil
}

func (mgr *Manager) register(roomID, ownerID, password, sessionID, embedURL string) *Room {
	opts := Options{
		MaxClients:    mgr.roomCfg.MaxClients,
		PatchInterval: mgr.roomCfg.PatchInterval.Duration,
		MemberGrace:   mgr.roomCfg.MemberGrace.Duration,
		EmptyTimeout:  mgr.roomCfg.EmptyTimeout.Duration,
		OnEmpty: func(id string) {
			if err := mgr.DisposeRoom(context.Background(), id); err != nil {
				mgr.logger.Warn("empty room disposal failed", "room_id", id, "error", err)
			}
		},
	}
	r := newRoom(newState(roomID, ownerID, password), sessionID, embedURL, mgr.provider, mgr.logger, opts)
	mgr.registry.Add(r)
	return r
}

func (mgr *Manager) logEvent(ctx context.Context, roomID, action, memberID string, detail json.RawMessage) {
	if err := mgr.store.LogRoomEvent(ctx, &store.RoomEvent{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Action:    action,
		MemberID:  memberID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		mgr.logger.Warn("log room event failed", "room_id", roomID, "action", action, "error", err)
	}
}

func generateRoomID() (string, error) {
	buf := make([]byte, roomIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := make([]byte, roomIDLength)
	for i, b := range buf {
		id[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(id), nil
}

// normalizeStartURL turns whatever the caller typed into something the
// provider can open. Absolute http(s) URLs pass through; anything else
// becomes a web search, and an empty value opens the search home page.
func normalizeStartURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return searchHome
	}
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return raw
	}
	return searchHome + "?q=" + url.QueryEscape(raw)
}
