package negotiation

import "fmt"

// CallStatus is what the user sees of a call.
type CallStatus int

const (
	Waiting CallStatus = iota
	RingingOut
	RingingIn
	Connected
)

func (s CallStatus) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case RingingOut:
		return "ringing-out"
	case RingingIn:
		return "ringing-in"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("CallStatus(%d)", int(s))
}

// transitions lists every legal status change. Returning to Waiting is
// always allowed because teardown can happen at any point.
var transitions = map[CallStatus][]CallStatus{
	Waiting:    {RingingOut, RingingIn},
	RingingOut: {Connected, RingingIn, Waiting},
	RingingIn:  {Connected, Waiting},
	Connected:  {Waiting},
}

// CanTransition reports whether from → to is a defined transition.
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnState is the negotiation state of the connectivity object.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnNegotiating
	ConnStable
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnNegotiating:
		return "negotiating"
	case ConnStable:
		return "stable"
	case ConnConnected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Settled reports whether no offer/answer exchange is outstanding.
func (s ConnState) Settled() bool {
	return s == ConnStable || s == ConnConnected
}

// State is a point-in-time view of a session.
type State struct {
	Status       CallStatus
	Conn         ConnState
	SelfID       string
	RemoteID     string
	RemoteEmail  string
	Generation   uint64
	HasMedia     bool
	AudioEnabled bool
	VideoEnabled bool
	RemoteTracks []RemoteTrack
	MakingOffer  bool
}
