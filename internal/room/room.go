package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tandembrowse/tandem/internal/provider"
	"github.com/tandembrowse/tandem/pkg/protocol"
)

var (
	// ErrRoomFull means the room is at its connection capacity.
	ErrRoomFull = errors.New("room full")

	// ErrRoomClosed means the room has been disposed.
	ErrRoomClosed = errors.New("room closed")
)

// Lifecycle states of a room.
const (
	StatusPending int32 = iota
	StatusActive
	StatusDisposing
	StatusDisposed
)

// Sender delivers an encoded message to one connection. The gateway's
// implementation serializes writes on the underlying WebSocket.
type Sender interface {
	Send(data []byte) error
}

// JoinRequest admits one connection into a room.
type JoinRequest struct {
	MemberID string
	Name     string
	Guest    bool
	Sender   Sender
}

// Options configures a room's runtime behavior.
type Options struct {
	MaxClients    int
	PatchInterval time.Duration
	MemberGrace   time.Duration
	EmptyTimeout  time.Duration

	// OnEmpty fires once when the room has had no connections for
	// EmptyTimeout. The manager uses it to trigger disposal.
	OnEmpty func(roomID string)
}

// Room is a live room. All state mutation happens on a single
// goroutine; public methods enqueue work onto it.
type Room struct {
	state    *State
	provider provider.Client
	logger   *slog.Logger
	opts     Options

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	status atomic.Int32

	// provider session descriptor, replaced on refresh. Guarded by
	// sessionMu because the manager reads it from outside the loop.
	sessionMu sync.RWMutex
	sessionID string
	embedURL  string

	// refreshMu serializes session refreshes so concurrent probes of
	// a dead session replace it at most once.
	refreshMu sync.Mutex

	// loop-owned
	conns      map[string]connEntry // conn id -> entry
	dirty      bool
	emptySince time.Time
	emptyFired bool
}

type connEntry struct {
	memberID string
	sender   Sender
}

func newRoom(state *State, sessionID, embedURL string, pc provider.Client, logger *slog.Logger, opts Options) *Room {
	r := &Room{
		state:     state,
		provider:  pc,
		logger:    logger.With("component", "room", "room_id", state.RoomID),
		opts:      opts,
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		sessionID: sessionID,
		embedURL:  embedURL,
		conns:     make(map[string]connEntry),
	}
	r.status.Store(StatusActive)
	go r.run()
	return r
}

func (r *Room) ID() string { return r.state.RoomID }

// Session returns the current provider session descriptor.
func (r *Room) Session() (sessionID, embedURL string) {
	r.sessionMu.RLock()
	defer r.sessionMu.RUnlock()
	return r.sessionID, r.embedURL
}

// SetSession swaps in a fresh provider session after a refresh.
func (r *Room) SetSession(sessionID, embedURL string) {
	r.sessionMu.Lock()
	r.sessionID = sessionID
	r.embedURL = embedURL
	r.sessionMu.Unlock()
}

// enqueue schedules fn on the room loop. After close it is a no-op.
func (r *Room) enqueue(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.done:
	}
}

func (r *Room) run() {
	patch := time.NewTicker(r.opts.PatchInterval)
	defer patch.Stop()
	housekeep := time.NewTicker(time.Second)
	defer housekeep.Stop()

	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-patch.C:
			if r.dirty {
				r.dirty = false
				r.broadcast(protocol.TypeRoomState, r.state.Snapshot())
			}
		case <-housekeep.C:
			r.housekeep(time.Now())
		case <-r.done:
			return
		}
	}
}

// Join admits a connection, waiting for the loop's verdict so the
// caller sees RoomFull synchronously.
func (r *Room) Join(req JoinRequest) (string, error) {
	type result struct {
		connID string
		err    error
	}
	reply := make(chan result, 1)

	r.enqueue(func() {
		if r.state.liveConns() >= r.opts.MaxClients {
			reply <- result{err: ErrRoomFull}
			return
		}

		m, existed := r.state.members[req.MemberID]
		if !existed {
			m = &Member{
				ID:      req.MemberID,
				Name:    req.Name,
				Guest:   req.Guest,
				Control: protocol.ControlDisabled,
			}
			r.state.members[req.MemberID] = m
		}
		m.conns++
		m.disconnectedAt = time.Time{}
		r.emptySince = time.Time{}
		r.emptyFired = false

		connID := uuid.New().String()
		r.conns[connID] = connEntry{memberID: req.MemberID, sender: req.Sender}

		_, embedURL := r.Session()
		r.sendTo(req.Sender, protocol.TypeJoined, protocol.Joined{
			MemberID: req.MemberID,
			RoomID:   r.state.RoomID,
			EmbedURL: embedURL,
		})
		r.sendTo(req.Sender, protocol.TypeRoomState, r.state.Snapshot())

		if !existed {
			r.broadcastExcept(connID, protocol.TypeMemberJoined, r.memberState(m))
		}
		reply <- result{connID: connID}
	})

	select {
	case res := <-reply:
		return res.connID, res.err
	case <-r.done:
		return "", ErrRoomClosed
	}
}

// Leave drops one connection. Guests vanish with their last
// connection; authenticated members linger for the grace window.
func (r *Room) Leave(connID string) {
	r.enqueue(func() {
		entry, ok := r.conns[connID]
		if !ok {
			return
		}
		delete(r.conns, connID)

		m, ok := r.state.members[entry.memberID]
		if !ok {
			return
		}
		m.conns--
		if m.conns > 0 {
			return
		}

		if m.Guest {
			delete(r.state.members, m.ID)
			r.broadcast(protocol.TypeMemberLeft, protocol.MemberRef{MemberID: m.ID})
		} else {
			m.disconnectedAt = time.Now()
		}
		r.dirty = true

		if r.state.liveConns() == 0 {
			r.emptySince = time.Now()
		}
	})
}

// Handle applies one client message on behalf of a member. Handler
// errors never propagate to the connection.
func (r *Room) Handle(memberID string, msg protocol.ClientMessage) {
	r.enqueue(func() {
		m, ok := r.state.members[memberID]
		if !ok {
			return
		}

		switch msg := msg.(type) {
		case *protocol.SetCursor:
			m.Cursor = protocol.Cursor{X: msg.X, Y: msg.Y, UpdatedAt: time.Now()}
			r.dirty = true

		case *protocol.SetControl:
			targetID := msg.TargetID
			if targetID == "" {
				targetID = memberID
			}
			target, ok := r.state.members[targetID]
			if !ok {
				return
			}
			if !r.state.setControl(target, msg.Control) {
				// Disallowed transitions drop without feedback.
				return
			}
			r.dirty = true
			r.broadcast(protocol.TypeMemberUpdated, r.memberState(target))

		case *protocol.ConnectHbUser:
			m.HbID = msg.HbID
			r.dirty = true

		case *protocol.AuthenticatePassword:
			if !r.state.checkPassword(msg.Password) {
				// Wrong password drops without feedback.
				return
			}
			if m.PasswordAuthenticated {
				return
			}
			m.PasswordAuthenticated = true
			r.state.setControl(m, protocol.ControlEnabled)
			r.dirty = true
			r.broadcast(protocol.TypeMemberUpdated, r.memberState(m))

			if m.HbID != "" {
				// Allow the provider user to take control. Runs off
				// the loop so a slow provider never stalls the room.
				hbID := m.HbID
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := r.provider.SetPermissions(ctx, hbID, provider.Permissions{ControlDisabled: false}); err != nil {
						r.logger.Warn("set permissions failed", "hb_id", hbID, "error", err)
					}
				}()
			}

		default:
			r.logger.Warn("unhandled client message", "member_id", memberID)
		}
	})
}

// DeliverChannelMessage fans an external channel event into the room.
func (r *Room) DeliverChannelMessage(msg protocol.ChannelMessage) {
	r.enqueue(func() {
		r.broadcast(protocol.TypeChannelMessage, msg)
	})
}

// Close stops the loop after notifying connections. Idempotent.
func (r *Room) Close(reason string) {
	r.closeOnce.Do(func() {
		fin := make(chan struct{})
		select {
		case r.ops <- func() {
			r.broadcast(protocol.TypeRoomClosed, protocol.RoomClosed{RoomID: r.state.RoomID, Reason: reason})
			close(fin)
		}:
			<-fin
		default:
		}
		close(r.done)
	})
}

func (r *Room) housekeep(now time.Time) {
	for id, m := range r.state.members {
		if m.Guest || m.conns > 0 || m.disconnectedAt.IsZero() {
			continue
		}
		if now.Sub(m.disconnectedAt) >= r.opts.MemberGrace {
			delete(r.state.members, id)
			r.broadcast(protocol.TypeMemberLeft, protocol.MemberRef{MemberID: id})
			r.dirty = true
		}
	}

	if !r.emptyFired && !r.emptySince.IsZero() && r.state.liveConns() == 0 &&
		now.Sub(r.emptySince) >= r.opts.EmptyTimeout {
		r.emptyFired = true
		if r.opts.OnEmpty != nil {
			go r.opts.OnEmpty(r.state.RoomID)
		}
	}
}

func (r *Room) memberState(m *Member) protocol.MemberState {
	return r.state.Snapshot().Members[m.ID]
}

func (r *Room) broadcast(msgType string, payload any) {
	for _, entry := range r.conns {
		r.sendTo(entry.sender, msgType, payload)
	}
}

func (r *Room) broadcastExcept(connID, msgType string, payload any) {
	for id, entry := range r.conns {
		if id == connID {
			continue
		}
		r.sendTo(entry.sender, msgType, payload)
	}
}

func (r *Room) sendTo(s Sender, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.logger.Warn("encode failed", "type", msgType, "error", err)
		return
	}
	if err := s.Send(data); err != nil {
		r.logger.Debug("send failed", "type", msgType, "error", err)
	}
}
