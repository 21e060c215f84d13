package models

import "time"

// RoomCapacity is the number of participants a room pairs for one call.
const RoomCapacity = 2

// Member is one connection present in a room.
type Member struct {
	ConnID string `json:"id"`
	Email  string `json:"email"`
}

// RoomInfo is the occupancy view served by the rooms API.
type RoomInfo struct {
	Room     string   `json:"room"`
	Members  []Member `json:"members"`
	Capacity int      `json:"capacity"`
}

// PresenceStatus mirrors a participant's availability.
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceSearching PresenceStatus = "isSearching"
	PresenceInCall    PresenceStatus = "inCall"
	PresenceOffline   PresenceStatus = "offline"
)

// Presence is the last known status of an email identity.
type Presence struct {
	Email      string         `json:"email"`
	Status     PresenceStatus `json:"status"`
	ConnID     string         `json:"connId,omitempty"`
	LastActive time.Time      `json:"lastActive"`
}
