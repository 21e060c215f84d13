// Package negotiationtest provides in-memory fakes for the negotiation ports.
//
// The fake connectivity follows the offer/answer rules a real peer
// connection enforces: it refuses to answer while holding a local offer,
// tracks which attached senders still need negotiating, and raises
// negotiation-needed again once it returns to stable with work pending.
package negotiationtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiation"
)

var (
	ErrClosed      = errors.New("connectivity closed")
	ErrWrongState  = errors.New("invalid signaling state")
	ErrNoRemoteSDP = errors.New("remote description not set")
)

type signalingState int

const (
	stable signalingState = iota
	haveLocalOffer
)

// Connectivity is a fake negotiation.Connectivity.
type Connectivity struct {
	mu sync.Mutex

	events    negotiation.ConnectivityEvents
	state     signalingState
	remoteSet bool
	closed    bool

	senders   map[string]negotiation.Track
	pending   map[string]bool
	offered   []string
	remote    map[string]bool
	added     []models.ICECandidate
	offers    int
	answers   int
	rollbacks int
	// overlapping counts offers created while a local offer was outstanding.
	overlapping int

	// CandidateErr is returned from AddICECandidate when set.
	CandidateErr error
	// OfferErr is returned from CreateOffer when set.
	OfferErr error
}

// NewConnectivity returns a fake bound to events.
func NewConnectivity(events negotiation.ConnectivityEvents) *Connectivity {
	return &Connectivity{
		events:  events,
		senders: make(map[string]negotiation.Track),
		pending: make(map[string]bool),
		remote:  make(map[string]bool),
	}
}

func (c *Connectivity) CreateOffer(_ context.Context) (models.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.SessionDescription{}, ErrClosed
	}
	if c.OfferErr != nil {
		return models.SessionDescription{}, c.OfferErr
	}
	if c.state == haveLocalOffer {
		c.overlapping++
	}
	c.state = haveLocalOffer
	c.offered = c.offered[:0]
	for id := range c.pending {
		c.offered = append(c.offered, id)
	}
	c.offers++
	return models.SessionDescription{Type: "offer", SDP: c.describe()}, nil
}

func (c *Connectivity) CreateAnswer(_ context.Context, offer models.SessionDescription) (models.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.SessionDescription{}, ErrClosed
	}
	if c.state != stable {
		c.mu.Unlock()
		return models.SessionDescription{}, fmt.Errorf("%w: answer while holding local offer", ErrWrongState)
	}
	if offer.Type != "offer" {
		c.mu.Unlock()
		return models.SessionDescription{}, fmt.Errorf("%w: expected offer, got %q", ErrWrongState, offer.Type)
	}
	c.remoteSet = true
	c.answers++
	tracks := c.learnRemote(offer.SDP)
	answer := models.SessionDescription{Type: "answer", SDP: c.describe()}
	renegotiate := len(c.pending) > 0
	c.mu.Unlock()

	c.raise(tracks, renegotiate)
	return answer, nil
}

func (c *Connectivity) SetRemoteDescription(_ context.Context, answer models.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != haveLocalOffer || answer.Type != "answer" {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q without local offer", ErrWrongState, answer.Type)
	}
	c.state = stable
	c.remoteSet = true
	for _, id := range c.offered {
		delete(c.pending, id)
	}
	c.offered = c.offered[:0]
	tracks := c.learnRemote(answer.SDP)
	renegotiate := len(c.pending) > 0
	c.mu.Unlock()

	c.raise(tracks, renegotiate)
	return nil
}

func (c *Connectivity) Rollback() error {
	c.mu.Lock()
	if c.state != haveLocalOffer {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to roll back", ErrWrongState)
	}
	c.state = stable
	c.offered = c.offered[:0]
	c.rollbacks++
	renegotiate := len(c.pending) > 0
	c.mu.Unlock()

	c.raise(nil, renegotiate)
	return nil
}

func (c *Connectivity) AddICECandidate(cand models.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return ErrNoRemoteSDP
	}
	if c.CandidateErr != nil {
		return c.CandidateErr
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *Connectivity) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *Connectivity) AttachTrack(_ negotiation.MediaStream, track negotiation.Track) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := c.senders[track.ID()]; ok {
		c.mu.Unlock()
		return false, nil
	}
	c.senders[track.ID()] = track
	c.pending[track.ID()] = true
	renegotiate := c.state == stable
	c.mu.Unlock()

	c.raise(nil, renegotiate)
	return true, nil
}

func (c *Connectivity) Stable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stable
}

func (c *Connectivity) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// EmitCandidate raises a local candidate as the ICE agent would.
func (c *Connectivity) EmitCandidate(cand models.ICECandidate) {
	if c.events.OnICECandidate != nil {
		c.events.OnICECandidate(cand)
	}
}

// EmitLinkState raises a transport state change.
func (c *Connectivity) EmitLinkState(s negotiation.LinkState) {
	if c.events.OnLinkState != nil {
		c.events.OnLinkState(s)
	}
}

// EmitNegotiationNeeded raises negotiation-needed unconditionally.
func (c *Connectivity) EmitNegotiationNeeded() {
	if c.events.OnNegotiationNeeded != nil {
		c.events.OnNegotiationNeeded()
	}
}

// Stats is a snapshot of what the fake has seen.
type Stats struct {
	Offers    int
	Answers   int
	Rollbacks int
	// Overlapping counts offers created on top of an unanswered one.
	Overlapping int
	Senders     int
	Pending     int
	Remote      int
	Candidates  []models.ICECandidate
	Closed      bool
	Stable      bool
}

func (c *Connectivity) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Offers:      c.offers,
		Answers:     c.answers,
		Rollbacks:   c.rollbacks,
		Overlapping: c.overlapping,
		Senders:     len(c.senders),
		Pending:     len(c.pending),
		Remote:      len(c.remote),
		Candidates:  append([]models.ICECandidate(nil), c.added...),
		Closed:      c.closed,
		Stable:      c.state == stable,
	}
}

// describe lists the attached senders, one "track:<id>:<kind>" line each.
// Must be called with mu held.
func (c *Connectivity) describe() string {
	ids := make([]string, 0, len(c.senders))
	for id := range c.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("v=0\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "track:%s:%s\n", id, c.senders[id].Kind())
	}
	return b.String()
}

// learnRemote returns tracks in sdp not seen before. Must be called with mu held.
func (c *Connectivity) learnRemote(sdp string) []negotiation.RemoteTrack {
	var fresh []negotiation.RemoteTrack
	for _, line := range strings.Split(sdp, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) != 3 || parts[0] != "track" || c.remote[parts[1]] {
			continue
		}
		c.remote[parts[1]] = true
		fresh = append(fresh, negotiation.RemoteTrack{ID: parts[1], Kind: negotiation.TrackKind(parts[2])})
	}
	return fresh
}

func (c *Connectivity) raise(tracks []negotiation.RemoteTrack, renegotiate bool) {
	if c.events.OnTrack != nil {
		for _, t := range tracks {
			c.events.OnTrack(t)
		}
	}
	if renegotiate {
		c.EmitNegotiationNeeded()
	}
}

// Factory records every connectivity it builds.
type Factory struct {
	mu    sync.Mutex
	conns []*Connectivity
	// Err fails NewConnectivity when set.
	Err error
}

func (f *Factory) NewConnectivity(events negotiation.ConnectivityEvents) (negotiation.Connectivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConnectivity(events)
	f.conns = append(f.conns, c)
	return c, nil
}

// Current returns the most recently built connectivity.
func (f *Factory) Current() *Connectivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// All returns every connectivity built so far, oldest first.
func (f *Factory) All() []*Connectivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connectivity(nil), f.conns...)
}
