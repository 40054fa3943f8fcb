// Package gateway accepts WebSocket connections from room clients,
// resolves their identity, and bridges frames into the room loop.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tandembrowse/tandem/internal/auth"
	"github.com/tandembrowse/tandem/internal/room"
	"github.com/tandembrowse/tandem/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// Gateway upgrades room client connections and pumps their messages
// into the room actor.
type Gateway struct {
	registry     *room.Registry
	authProvider auth.Provider
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxMessageBytes int64
}

func New(reg *room.Registry, ap auth.Provider, logger *slog.Logger, opts Options) *Gateway {
	limit := opts.MaxMessageBytes
	if limit == 0 {
		limit = 16 * 1024
	}
	return &Gateway{
		registry:        reg,
		authProvider:    ap,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: limit,
	}
}

// identity is the resolved caller: a token subject, or a device-bound
// guest when no valid token is presented.
type identity struct {
	memberID string
	name     string
	guest    bool
}

// resolveIdentity applies the admission policy: a valid bearer token
// wins; otherwise a device ID yields a guest identity; otherwise the
// caller is rejected before any upgrade happens.
func (g *Gateway) resolveIdentity(req *http.Request) (identity, bool) {
	// Browsers cannot set headers during the WebSocket handshake, so
	// the token is also accepted as a query parameter. Keep query
	// strings out of access logs.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
		}
	}

	if tokenStr != "" {
		if id, err := g.authProvider.ValidateToken(req.Context(), tokenStr); err == nil {
			return identity{memberID: id.UserID, name: id.Username}, true
		}
	}

	if deviceID := req.URL.Query().Get("device_id"); deviceID != "" {
		return identity{
			memberID: "guest:" + deviceID,
			name:     "guest-" + deviceID,
			guest:    true,
		}, true
	}

	return identity{}, false
}

// wsSender serializes writes on one WebSocket connection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) sendError(code, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = s.Send(data)
}

// HandleRoomWS handles a room client WebSocket connection. The room ID
// comes from the URL path.
func (g *Gateway) HandleRoomWS(w http.ResponseWriter, req *http.Request, roomID string) {
	id, ok := g.resolveIdentity(req)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r := g.registry.Get(roomID)
	if r == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "room_id", roomID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.maxMessageBytes)
	sender := &wsSender{conn: conn}

	connID, err := r.Join(room.JoinRequest{
		MemberID: id.memberID,
		Name:     id.name,
		Guest:    id.guest,
		Sender:   sender,
	})
	if err != nil {
		code := "join_failed"
		switch err {
		case room.ErrRoomFull:
			code = "room_full"
		case room.ErrRoomClosed:
			code = "room_closed"
		}
		sender.sendError(code, err.Error())
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
		return
	}

	g.logger.Info("client joined", "room_id", roomID, "member_id", id.memberID, "guest", id.guest)

	defer func() {
		r.Leave(connID)
		g.logger.Info("client left", "room_id", roomID, "member_id", id.memberID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "room_id", roomID, "member_id", id.memberID, "error", err)
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			g.logger.Warn("invalid message from client", "room_id", roomID, "member_id", id.memberID, "error", err)
			continue
		}

		r.Handle(id.memberID, msg)
	}
}
