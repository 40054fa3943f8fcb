// Package relay fans external channel events out to the rooms that
// listen on them.
package relay

import (
	"log/slog"
	"sync"

	"github.com/tandembrowse/tandem/internal/room"
	"github.com/tandembrowse/tandem/pkg/protocol"
)

// Fanout maps channel IDs to the rooms subscribed to them. Rooms are
// resolved through the live index at dispatch time, so a room that has
// been disposed simply stops receiving events.
type Fanout struct {
	registry *room.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[string][]string // channel id -> room ids, insertion order
}

func NewFanout(reg *room.Registry, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry:  reg,
		logger:    logger.With("component", "relay"),
		listeners: make(map[string][]string),
	}
}

// AddListener subscribes a room to a channel. Unknown rooms and
// duplicate subscriptions are no-ops.
func (f *Fanout) AddListener(channelID, roomID string) {
	if f.registry.Get(roomID) == nil {
		f.logger.Debug("listener for unknown room ignored", "channel_id", channelID, "room_id", roomID)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.listeners[channelID] {
		if id == roomID {
			return
		}
	}
	f.listeners[channelID] = append(f.listeners[channelID], roomID)
}

// RemoveListener unsubscribes a room from a channel. Removing a
// subscription that does not exist is a no-op.
func (f *Fanout) RemoveListener(channelID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.listeners[channelID]
	for i, id := range ids {
		if id == roomID {
			f.listeners[channelID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(f.listeners[channelID]) == 0 {
		delete(f.listeners, channelID)
	}
}

// Dispatch delivers one channel event to every live listening room.
// Rooms that have disappeared since subscribing are skipped.
func (f *Fanout) Dispatch(channelID, author string, content []byte) {
	f.mu.Lock()
	ids := append([]string(nil), f.listeners[channelID]...)
	f.mu.Unlock()

	msg := protocol.ChannelMessage{
		ChannelID: channelID,
		Author:    author,
		Content:   content,
	}
	for _, id := range ids {
		r := f.registry.Get(id)
		if r == nil {
			continue
		}
		r.DeliverChannelMessage(msg)
	}
}

// Listeners returns the room IDs subscribed to a channel.
func (f *Fanout) Listeners(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listeners[channelID]...)
}
