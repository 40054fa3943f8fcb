// Package api provides the HTTP API for tandemd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tandembrowse/tandem/internal/auth"
	"github.com/tandembrowse/tandem/internal/config"
	"github.com/tandembrowse/tandem/internal/gateway"
	"github.com/tandembrowse/tandem/internal/provider"
	"github.com/tandembrowse/tandem/internal/relay"
	"github.com/tandembrowse/tandem/internal/room"
	"github.com/tandembrowse/tandem/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	manager      *room.Manager
	fanout       *relay.Fanout
	gateway      *gateway.Gateway
	logger       *slog.Logger
	mux          *chi.Mux
	baseURL      string
	startTime    time.Time
	maxBodyBytes int64
	publicRL     *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, mgr *room.Manager, f *relay.Fanout, gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		manager:      mgr,
		fanout:       f,
		gateway:      gw,
		logger:       logger.With("component", "api"),
		baseURL:      cfg.Server.BaseURL,
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Room WebSocket (auth handled inside; guests allowed)
	mux.Get("/ws/rooms/{roomID}", srv.handleRoomWS)

	// Public room info, rate limited per IP.
	srv.publicRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.With(ipRateLimitMiddleware(srv.publicRL)).Get("/api/rooms/{roomID}", srv.handleGetRoom)

	// Authenticated API routes, rate limited per user.
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/rooms", srv.handleCreateRoom)
		r.Get("/api/rooms", srv.handleListRooms)
		r.Delete("/api/rooms/{roomID}", srv.handleEndRoom)
		r.Get("/api/rooms/{roomID}/events", srv.handleListRoomEvents)
		r.Post("/api/rooms/{roomID}/listeners", srv.handleAddListener)
		r.Delete("/api/rooms/{roomID}/listeners", srv.handleRemoveListener)
		r.Post("/api/channels/{channelID}/events", srv.handleChannelEvent)
		r.Get("/api/me", srv.handleGetMe)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.publicRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
	})
}

// --- Room handlers ---

type roomResponse struct {
	RoomID            string `json:"room_id"`
	JoinURL           string `json:"join_url"`
	EmbedURL          string `json:"embed_url"`
	PasswordProtected bool   `json:"password_protected"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		RoomID   string `json:"room_id,omitempty"`
		Password string `json:"password,omitempty"`
		StartURL string `json:"start_url,omitempty"`
		Region   string `json:"region,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Region != "" && !provider.ValidRegion(req.Region) {
		writeError(w, http.StatusBadRequest, "region must be one of NA, EU, AS")
		return
	}

	// Cache the caller's identity for display in owner listings.
	if err := s.store.UpsertUser(r.Context(), &store.User{
		ID:       identity.UserID,
		Username: identity.Username,
	}); err != nil {
		s.logger.Warn("upsert user failed", "user_id", identity.UserID, "error", err)
	}

	rm, err := s.manager.CreateRoom(r.Context(), room.CreateRequest{
		RoomID:   req.RoomID,
		OwnerID:  identity.UserID,
		Password: req.Password,
		StartURL: req.StartURL,
		Region:   req.Region,
	})
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomExists):
			writeError(w, http.StatusConflict, "room already exists")
		case errors.Is(err, provider.ErrUnavailable):
			writeError(w, http.StatusBadGateway, "session provider unavailable")
		default:
			s.logger.Warn("create room failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create room")
		}
		return
	}

	_, embedURL := rm.Session()
	writeJSON(w, http.StatusCreated, roomResponse{
		RoomID:            rm.ID(),
		JoinURL:           s.baseURL + "/rooms/" + rm.ID(),
		EmbedURL:          embedURL,
		PasswordProtected: req.Password != "",
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	rooms, err := s.store.ListRoomsByOwner(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// handleGetRoom serves public room info. A room whose provider session
// has died gets a fresh one on the way out, so join links stay usable.
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	rm, err := s.manager.RefreshSession(r.Context(), roomID)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			writeError(w, http.StatusNotFound, "room not found")
		case errors.Is(err, provider.ErrUnavailable):
			writeError(w, http.StatusBadGateway, "session provider unavailable")
		default:
			s.logger.Warn("room refresh failed", "room_id", roomID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load room")
		}
		return
	}

	rec, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	_, embedURL := rm.Session()
	writeJSON(w, http.StatusOK, roomResponse{
		RoomID:            roomID,
		JoinURL:           s.baseURL + "/rooms/" + roomID,
		EmbedURL:          embedURL,
		PasswordProtected: rec.Password != "",
	})
}

func (s *Server) handleEndRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity := getIdentityFromContext(r.Context())

	rec, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if rec.OwnerID != identity.UserID {
		writeError(w, http.StatusForbidden, "not your room")
		return
	}

	if err := s.manager.DisposeRoom(r.Context(), roomID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to end room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleListRoomEvents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	identity := getIdentityFromContext(r.Context())

	rec, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if rec.OwnerID != identity.UserID {
		writeError(w, http.StatusForbidden, "not your room")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	events, err := s.store.ListRoomEvents(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.RoomEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Listener / channel handlers ---

func (s *Server) handleAddListener(w http.ResponseWriter, r *http.Request) {
	s.handleListenerChange(w, r, s.fanout.AddListener)
}

func (s *Server) handleRemoveListener(w http.ResponseWriter, r *http.Request) {
	s.handleListenerChange(w, r, s.fanout.RemoveListener)
}

func (s *Server) handleListenerChange(w http.ResponseWriter, r *http.Request, apply func(channelID, roomID string)) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	roomID := chi.URLParam(r, "roomID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	rec, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if rec.OwnerID != identity.UserID {
		writeError(w, http.StatusForbidden, "not your room")
		return
	}

	apply(req.ChannelID, roomID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannelEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	channelID := chi.URLParam(r, "channelID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Author  string          `json:"author,omitempty"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	author := req.Author
	if author == "" {
		author = identity.Username
	}
	s.fanout.Dispatch(channelID, author, req.Content)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// --- WebSocket ---

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	s.gateway.HandleRoomWS(w, r, chi.URLParam(r, "roomID"))
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
