package ws

import (
	"sort"
	"sync"
)

// Member is a participant in a room.
type Member struct {
	UserID   string     `json:"userId"`
	UserName string     `json:"userName"`
	Email    string     `json:"email,omitempty"`
	Conn     Subscriber `json:"-"`
}

// Rooms relays messages between members joined to the same room id.
// Delivery is best effort: a member whose Send fails is dropped.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]Member
}

// NewRooms creates an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[Subscriber]Member)}
}

// Join adds m to room and returns the members that were already present.
func (r *Rooms) Join(room string, m Member) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[Subscriber]Member)
		r.rooms[room] = members
	}
	existing := sortedMembers(members)
	members[m.Conn] = m
	return existing
}

// Leave removes the connection from room and reports whether it was present.
func (r *Rooms) Leave(room string, conn Subscriber) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return Member{}, false
	}
	m, ok := members[conn]
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return m, ok
}

// Members lists the members of room ordered by user id.
func (r *Rooms) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.rooms[room])
}

// Broadcast sends payload to every member of room except skip, which may be nil.
func (r *Rooms) Broadcast(room string, payload []byte, skip Subscriber) {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.rooms[room]))
	for conn := range r.rooms[room] {
		if conn != skip {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			conn.Close()
			r.Leave(room, conn)
		}
	}
}

func sortedMembers(members map[Subscriber]Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
