// Package protocol defines the wire protocol exchanged between the hub and
// room clients over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Server → client message types.
const (
	TypeJoined         = "joined"
	TypeRoomState      = "roomState"
	TypeMemberJoined   = "memberJoined"
	TypeMemberLeft     = "memberLeft"
	TypeMemberUpdated  = "memberUpdated"
	TypeChannelMessage = "channelMessage"
	TypeRoomClosed     = "roomClosed"
	TypeError          = "error"
)

// ControlState is a member's permission to drive the shared browser.
type ControlState string

const (
	ControlDisabled ControlState = "disabled"
	ControlEnabled  ControlState = "enabled"
	ControlPending  ControlState = "pending"
)

// Valid reports whether c is one of the known control states.
func (c ControlState) Valid() bool {
	switch c {
	case ControlDisabled, ControlEnabled, ControlPending:
		return true
	}
	return false
}

// Cursor is a member's pointer position. Advisory, last-write-wins.
type Cursor struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberState is the replicated view of one room member.
type MemberState struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	Guest                 bool         `json:"guest"`
	Cursor                Cursor       `json:"cursor"`
	Control               ControlState `json:"control"`
	HbID                  string       `json:"hb_id,omitempty"`
	PasswordAuthenticated bool         `json:"password_authenticated"`
	Connected             bool         `json:"connected"`
}

// RoomState is the replicated room snapshot pushed to every connection.
// The room password is never part of the replicated state.
type RoomState struct {
	RoomID            string                 `json:"room_id"`
	OwnerID           string                 `json:"owner_id"`
	PasswordProtected bool                   `json:"password_protected"`
	Members           map[string]MemberState `json:"members"`
}

// Joined is the private message sent to a connection after admission.
type Joined struct {
	MemberID string `json:"member_id"`
	RoomID   string `json:"room_id"`
	EmbedURL string `json:"embed_url"`
}

// MemberRef identifies a member in join/leave diff events.
type MemberRef struct {
	MemberID string `json:"member_id"`
}

// ChannelMessage is an external channel event fanned out into a room.
type ChannelMessage struct {
	ChannelID string          `json:"channel_id"`
	Author    string          `json:"author,omitempty"`
	Content   json.RawMessage `json:"content"`
}

// RoomClosed notifies connections that the room is shutting down.
type RoomClosed struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// ErrorMessage reports a pre-join failure to the connecting client.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}
