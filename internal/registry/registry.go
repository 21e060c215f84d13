// Package registry tracks live signaling connections, the identity each one
// announced, and the room it is paired in.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/mossy-p/callrelay/internal/models"
)

var (
	ErrUnknownTarget = errors.New("unknown target connection")
	ErrInvalidJoin   = errors.New("email and room are required")
	ErrInvalidSearch = errors.New("email is required")
	ErrRoomFull      = errors.New("room is full")
)

// Endpoint is the outbound side of a connection. Send must not block; it
// reports false when the message could not be queued.
type Endpoint interface {
	Send(data []byte) bool
	Close()
}

type connection struct {
	id       string
	email    string
	room     string
	endpoint Endpoint
}

// JoinResult lists who must hear about a successful join.
type JoinResult struct {
	// Peers are the other members of the joined room.
	Peers []models.Member
	// Departed is set when the connection switched rooms; it describes the
	// room that was left behind.
	Departed *Departure
	// Replaced is set when the join took over the seat of an older
	// connection with the same email. That connection is forgotten; its
	// endpoint is returned so the caller can close it.
	Replaced *Departure
	Stale    Endpoint
}

// Departure describes a connection leaving a room.
type Departure struct {
	ConnID string
	Email  string
	Rooms  []string
	// Peers are the former co-members still connected.
	Peers []models.Member
}

// Registry maps connection ids to identities and rooms. All mutation happens
// under mu.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]struct{}
	// searching holds connections waiting to be paired, oldest first.
	searching []string
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Connect registers a new transport endpoint under connID.
func (r *Registry) Connect(connID string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connection{id: connID, endpoint: ep}
}

// Join records connID as email and places it in room. Joining the same room
// again only refreshes the email. Joining another room leaves the previous
// one first. A member of room with the same email is a connection the
// transport has not noticed is dead yet; the join replaces it.
func (r *Registry) Join(connID, email, room string) (JoinResult, error) {
	if email == "" || room == "" {
		return JoinResult{}, ErrInvalidJoin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return JoinResult{}, ErrUnknownTarget
	}

	var res JoinResult
	members := r.rooms[room]
	if _, already := members[connID]; !already {
		for id := range members {
			old := r.conns[id]
			if old == nil || old.email != email {
				continue
			}
			delete(r.conns, id)
			r.dequeueLocked(id)
			res.Replaced = &Departure{
				ConnID: id,
				Email:  old.email,
				Rooms:  []string{room},
				Peers:  r.removeFromRoomLocked(room, id),
			}
			res.Stale = old.endpoint
			members = r.rooms[room]
			break
		}
		if len(members) >= models.RoomCapacity {
			return JoinResult{}, ErrRoomFull
		}
	}

	if c.room != "" && c.room != room {
		res.Departed = &Departure{
			ConnID: connID,
			Email:  c.email,
			Rooms:  []string{c.room},
			Peers:  r.removeFromRoomLocked(c.room, connID),
		}
	}

	r.dequeueLocked(connID)
	c.email = email
	c.room = room
	if members == nil {
		members = make(map[string]struct{}, models.RoomCapacity)
		r.rooms[room] = members
	}
	members[connID] = struct{}{}

	res.Peers = r.membersLocked(room, connID)
	return res, nil
}

// Leave forgets connID entirely. The second call for the same connection
// returns ok=false.
func (r *Registry) Leave(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.conns, connID)
	r.dequeueLocked(connID)

	dep := Departure{ConnID: connID, Email: c.email}
	if c.room != "" {
		dep.Rooms = []string{c.room}
		dep.Peers = r.removeFromRoomLocked(c.room, connID)
	}
	return dep, true
}

// Search queues connID for pairing under email. When another connection
// with a different email is already waiting, both leave the queue and that
// connection is returned as the partner. Searching again while queued is a
// no-op.
func (r *Registry) Search(connID, email string) (models.Member, bool, error) {
	if email == "" {
		return models.Member{}, false, ErrInvalidSearch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return models.Member{}, false, ErrUnknownTarget
	}
	c.email = email

	for _, id := range r.searching {
		if id == connID {
			return models.Member{}, false, nil
		}
	}
	for i, id := range r.searching {
		p := r.conns[id]
		if p == nil || p.email == email {
			continue
		}
		r.searching = append(r.searching[:i:i], r.searching[i+1:]...)
		return models.Member{ConnID: id, Email: p.email}, true, nil
	}
	r.searching = append(r.searching, connID)
	return models.Member{}, false, nil
}

// Searching counts connections waiting to be paired.
func (r *Registry) Searching() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.searching)
}

// Resolve returns the email connID joined with, if any.
func (r *Registry) Resolve(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || c.email == "" {
		return "", false
	}
	return c.email, true
}

// Route returns the endpoint for connID.
func (r *Registry) Route(connID string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownTarget
	}
	return c.endpoint, nil
}

// RoomOf returns the room connID is in.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || c.room == "" {
		return "", false
	}
	return c.room, true
}

// Members lists the connections in room ordered by id.
func (r *Registry) Members(room string) []models.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(room, "")
}

// Connections counts live connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Rooms counts rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) dequeueLocked(connID string) {
	for i, id := range r.searching {
		if id == connID {
			r.searching = append(r.searching[:i:i], r.searching[i+1:]...)
			return
		}
	}
}

func (r *Registry) removeFromRoomLocked(room, connID string) []models.Member {
	members := r.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
		return nil
	}
	return r.membersLocked(room, connID)
}

func (r *Registry) membersLocked(room, exclude string) []models.Member {
	var out []models.Member
	for id := range r.rooms[room] {
		if id == exclude {
			continue
		}
		m := models.Member{ConnID: id}
		if c, ok := r.conns[id]; ok {
			m.Email = c.email
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}
