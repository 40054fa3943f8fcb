// Package room holds the live state of a shared-browser room, the
// per-room actor loop, the room index, and the lifecycle manager.
package room

import (
	"time"

	"github.com/tandembrowse/tandem/pkg/protocol"
)

// Member is one participant in a room, identified by a stable ID
// (token subject or guest:<deviceID>). A member may hold several
// concurrent connections.
type Member struct {
	ID                    string
	Name                  string
	Guest                 bool
	Cursor                protocol.Cursor
	Control               protocol.ControlState
	HbID                  string
	PasswordAuthenticated bool

	conns          int
	disconnectedAt time.Time
}

// State is a room's mutable state. It is owned by the room's actor
// loop and must only be touched from there.
type State struct {
	RoomID  string
	OwnerID string

	// password is never serialized. PasswordProtected is derived once
	// at construction and never changes for the lifetime of the room.
	password          string
	PasswordProtected bool

	members map[string]*Member
}

func newState(roomID, ownerID, password string) *State {
	return &State{
		RoomID:            roomID,
		OwnerID:           ownerID,
		password:          password,
		PasswordProtected: password != "",
		members:           make(map[string]*Member),
	}
}

// setControl is the single place control transitions happen. Enabling
// control on a password-protected room requires the target member to
// have authenticated; a disallowed transition reports false and
// changes nothing.
func (s *State) setControl(m *Member, control protocol.ControlState) bool {
	if !control.Valid() {
		return false
	}
	if control == protocol.ControlEnabled && s.PasswordProtected && !m.PasswordAuthenticated {
		return false
	}
	m.Control = control
	return true
}

// checkPassword reports whether attempt matches the room password.
// Rooms without a password reject all attempts.
func (s *State) checkPassword(attempt string) bool {
	return s.PasswordProtected && attempt == s.password
}

func (s *State) liveConns() int {
	n := 0
	for _, m := range s.members {
		n += m.conns
	}
	return n
}

// Snapshot renders the state for the wire. The password never leaves
// this package.
func (s *State) Snapshot() protocol.RoomState {
	members := make(map[string]protocol.MemberState, len(s.members))
	for id, m := range s.members {
		members[id] = protocol.MemberState{
			ID:                    m.ID,
			Name:                  m.Name,
			Guest:                 m.Guest,
			Cursor:                m.Cursor,
			Control:               m.Control,
			HbID:                  m.HbID,
			PasswordAuthenticated: m.PasswordAuthenticated,
			Connected:             m.conns > 0,
		}
	}
	return protocol.RoomState{
		RoomID:            s.RoomID,
		OwnerID:           s.OwnerID,
		PasswordProtected: s.PasswordProtected,
		Members:           members,
	}
}
