package room

import "sync"

// Registry is the index of live rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Get returns the live room with the given ID, or nil.
func (reg *Registry) Get(roomID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

// Add registers a room. It reports false if the ID is already taken.
func (reg *Registry) Add(r *Room) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.rooms[r.ID()]; ok {
		return false
	}
	reg.rooms[r.ID()] = r
	return true
}

// Remove drops a room from the index.
func (reg *Registry) Remove(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, roomID)
}

// List returns all live rooms.
func (reg *Registry) List() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Len reports the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
