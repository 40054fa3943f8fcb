package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → room message types.
const (
	TypeSetCursor            = "setCursor"
	TypeSetControl           = "setControl"
	TypeConnectHbUser        = "connectHbUser"
	TypeAuthenticatePassword = "authenticateMemberPassword"
)

// ClientMessage is the closed set of messages a client may send to a room.
// Handlers dispatch over the concrete types; adding a message kind means
// adding a variant here and a case to every switch, checked at compile time.
type ClientMessage interface {
	clientMessage()
}

// SetCursor updates the sender's cursor position.
type SetCursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SetControl requests a control-state change for a member.
type SetControl struct {
	TargetID string       `json:"targetId"`
	Control  ControlState `json:"control"`
}

// ConnectHbUser links the sender to a remote browser target.
type ConnectHbUser struct {
	HbID string `json:"hbId"`
}

// AuthenticatePassword attempts the room's password gate.
type AuthenticatePassword struct {
	Password string `json:"password"`
}

func (SetCursor) clientMessage()            {}
func (SetControl) clientMessage()           {}
func (ConnectHbUser) clientMessage()        {}
func (AuthenticatePassword) clientMessage() {}

// DecodeClientMessage parses a raw WebSocket frame into one of the known
// client message variants. Unknown types are an error; callers drop them.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeSetCursor:
		msg = &SetCursor{}
	case TypeSetControl:
		msg = &SetControl{}
	case TypeConnectHbUser:
		msg = &ConnectHbUser{}
	case TypeAuthenticatePassword:
		msg = &AuthenticatePassword{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}
