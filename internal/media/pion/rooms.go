package pion

import "sync"

// Rooms tracks which transports are members of which room
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Transport
}

// NewRooms creates an empty registry
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Transport)}
}

// join adds t under uid and returns the members that were already present.
func (r *Rooms) join(token, uid string, t *Transport) []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[token]
	if !ok {
		members = make(map[string]*Transport)
		r.rooms[token] = members
	}
	existing := make([]*Transport, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	members[uid] = t
	return existing
}

// leave removes uid and returns the remaining members.
func (r *Rooms) leave(token, uid string) []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[token]
	delete(members, uid)
	if len(members) == 0 {
		delete(r.rooms, token)
		return nil
	}
	rest := make([]*Transport, 0, len(members))
	for _, m := range members {
		rest = append(rest, m)
	}
	return rest
}

func (r *Rooms) peers(token, uid string) []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Transport
	for id, m := range r.rooms[token] {
		if id != uid {
			out = append(out, m)
		}
	}
	return out
}

// Size returns the number of members in a room
func (r *Rooms) Size(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[token])
}
