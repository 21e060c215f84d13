package negotiation

import (
	"context"

	"github.com/mossy-p/callrelay/internal/models"
)

// TrackKind is the media type of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local media track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream is the handle returned by a successful media acquisition.
type MediaStream interface {
	ID() string
	Tracks() []Track
}

// MediaSource acquires local audio and video. Acquire may block on hardware
// or permission prompts.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// RemoteTrack describes a track received from the remote peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// LinkState is the transport-level state of a connectivity object.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
)

// Connectivity is one peer connection. Implementations must not call the
// registered events synchronously from Close.
type Connectivity interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	// CreateAnswer applies offer as the remote description, then creates and
	// applies an answer.
	CreateAnswer(ctx context.Context, offer models.SessionDescription) (models.SessionDescription, error)
	// SetRemoteDescription applies the answer to a local offer.
	SetRemoteDescription(ctx context.Context, answer models.SessionDescription) error
	// Rollback discards an unanswered local offer.
	Rollback() error
	AddICECandidate(c models.ICECandidate) error
	HasRemoteDescription() bool
	// AttachTrack adds track for sending unless the same track is already
	// attached. It reports whether a sender was added.
	AttachTrack(stream MediaStream, track Track) (bool, error)
	// Stable reports whether no offer/answer exchange is in progress.
	Stable() bool
	Close() error
}

// ConnectivityEvents are the callbacks a Connectivity raises.
type ConnectivityEvents struct {
	OnICECandidate      func(c models.ICECandidate)
	OnTrack             func(t RemoteTrack)
	OnNegotiationNeeded func()
	OnLinkState         func(s LinkState)
}

// ConnectivityFactory builds a fresh Connectivity bound to events.
type ConnectivityFactory interface {
	NewConnectivity(events ConnectivityEvents) (Connectivity, error)
}

// Signaler carries messages to the relay. Close disconnects the transport,
// which the relay reports to the remote peer as user:left.
type Signaler interface {
	Send(msg models.SignalMessage) error
	Close() error
}

// Observer is the user-facing layer. Callbacks run on the session goroutine
// and must not block; they may issue further commands.
type Observer interface {
	StatusChanged(status CallStatus)
	PeerJoined(connID, email string)
	PeerLeft(connID string)
	IncomingCall(from, email string)
	LocalMedia(stream MediaStream)
	RemoteTrack(t RemoteTrack)
	Failed(err error)
}

// NopObserver ignores every callback. Embed it to implement only some.
type NopObserver struct{}

func (NopObserver) StatusChanged(CallStatus) {}
func (NopObserver) PeerJoined(string, string) {}
func (NopObserver) PeerLeft(string) {}
func (NopObserver) IncomingCall(string, string) {}
func (NopObserver) LocalMedia(MediaStream) {}
func (NopObserver) RemoteTrack(RemoteTrack) {}
func (NopObserver) Failed(error) {}
