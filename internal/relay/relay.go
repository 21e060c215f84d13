// Package relay routes signaling messages between the two members of a room.
// It never inspects offers, answers or candidates; it only stamps the sender
// and picks the target connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/registry"
)

var ErrInvalidMessage = errors.New("invalid message")

const (
	presenceTimeout = 2 * time.Second
	presenceQueue   = 256
)

// Presence mirrors participant status somewhere outside the process.
type Presence interface {
	Joined(ctx context.Context, room string, m models.Member) error
	Left(ctx context.Context, room string, m models.Member) error
	SetStatus(ctx context.Context, email string, status models.PresenceStatus) error
}

// Relay dispatches inbound messages by type.
type Relay struct {
	registry *registry.Registry
	presence Presence
	metrics  *metrics.Metrics
	log      *zap.Logger

	// Presence writes run on one worker, in order, off the read pumps.
	updates   chan func(ctx context.Context) error
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a relay and starts its presence worker. Close stops it.
func New(reg *registry.Registry, presence Presence, m *metrics.Metrics, log *zap.Logger) *Relay {
	if presence == nil {
		presence = NopPresence{}
	}
	r := &Relay{
		registry: reg,
		presence: presence,
		metrics:  m,
		log:      log,
		updates:  make(chan func(ctx context.Context) error, presenceQueue),
		done:     make(chan struct{}),
	}
	go r.presenceLoop()
	return r
}

// Close stops the presence worker. Queued updates are discarded.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Connect registers a freshly accepted transport endpoint.
func (r *Relay) Connect(connID string, ep registry.Endpoint) {
	r.registry.Connect(connID, ep)
	r.observeOccupancy()
	r.log.Debug("connection registered", zap.String("conn", connID))
}

// Relay handles one message from sender. Returned errors describe messages
// the sender should be told about; undeliverable targets are not errors.
func (r *Relay) Relay(sender string, msg models.SignalMessage) error {
	switch {
	case msg.Type == models.SignalTypeJoin:
		return r.join(sender, msg)
	case msg.Type == models.SignalTypeSearch:
		return r.search(sender, msg)
	case msg.Type.Addressed():
		return r.forward(sender, msg)
	default:
		r.metrics.Dropped(metrics.DropInvalid)
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
}

// Disconnect removes sender from the registry and tells its former
// co-members it left.
func (r *Relay) Disconnect(connID string) {
	dep, ok := r.registry.Leave(connID)
	if !ok {
		return
	}
	r.observeOccupancy()
	r.announceDeparture(dep)

	r.log.Info("connection left",
		zap.String("conn", connID),
		zap.String("email", dep.Email),
		zap.Strings("rooms", dep.Rooms))
}

// Evict closes every connection in room and returns how many were closed.
// The transport's close path reports each departure.
func (r *Relay) Evict(room string) int {
	members := r.registry.Members(room)
	for _, m := range members {
		if ep, err := r.registry.Route(m.ConnID); err == nil {
			ep.Close()
		}
	}
	if len(members) > 0 {
		r.log.Info("room evicted", zap.String("room", room), zap.Int("members", len(members)))
	}
	return len(members)
}

// Room returns the members of room.
func (r *Relay) Room(room string) models.RoomInfo {
	members := r.registry.Members(room)
	if members == nil {
		members = []models.Member{}
	}
	return models.RoomInfo{Room: room, Members: members, Capacity: models.RoomCapacity}
}

func (r *Relay) join(sender string, msg models.SignalMessage) error {
	res, err := r.registry.Join(sender, msg.Email, msg.Room)
	if err != nil {
		return err
	}
	r.observeOccupancy()

	if res.Replaced != nil {
		r.log.Info("join replaced stale connection",
			zap.String("conn", sender),
			zap.String("stale", res.Replaced.ConnID),
			zap.String("room", msg.Room))
		r.announceDeparture(*res.Replaced)
		if res.Stale != nil {
			res.Stale.Close()
		}
	}
	if res.Departed != nil {
		r.announceDeparture(*res.Departed)
	}

	joined := models.SignalMessage{
		Type:  models.SignalTypeUserJoined,
		Email: msg.Email,
		ID:    sender,
	}
	for _, peer := range res.Peers {
		r.deliver(peer.ConnID, joined)
	}

	r.deliver(sender, models.SignalMessage{
		Type:  models.SignalTypeJoin,
		Email: msg.Email,
		Room:  msg.Room,
		ID:    sender,
	})

	r.withPresence(func(ctx context.Context) error {
		if err := r.presence.Joined(ctx, msg.Room, models.Member{ConnID: sender, Email: msg.Email}); err != nil {
			return err
		}
		return r.presence.SetStatus(ctx, msg.Email, models.PresenceOnline)
	})

	r.log.Info("joined room",
		zap.String("conn", sender),
		zap.String("email", msg.Email),
		zap.String("room", msg.Room),
		zap.Int("peers", len(res.Peers)))
	return nil
}

// search queues sender for matchmaking. Once a partner is found both get
// pairing:start with a fresh room and join it like any other room.
func (r *Relay) search(sender string, msg models.SignalMessage) error {
	partner, ok, err := r.registry.Search(sender, msg.Email)
	if err != nil {
		return err
	}
	if !ok {
		r.withPresence(func(ctx context.Context) error {
			return r.presence.SetStatus(ctx, msg.Email, models.PresenceSearching)
		})
		r.log.Debug("searching for a partner", zap.String("conn", sender), zap.String("email", msg.Email))
		return nil
	}

	pairing := models.SignalMessage{Type: models.SignalTypePairing, Room: uuid.NewString()}
	r.deliver(partner.ConnID, pairing)
	r.deliver(sender, pairing)

	r.log.Info("paired",
		zap.String("room", pairing.Room),
		zap.String("conn", sender),
		zap.String("partner", partner.ConnID))
	return nil
}

func (r *Relay) forward(sender string, msg models.SignalMessage) error {
	if msg.To == "" {
		r.metrics.Dropped(metrics.DropInvalid)
		return fmt.Errorf("%w: %s without target", ErrInvalidMessage, msg.Type)
	}
	if msg.Type.HasPayload() && (len(msg.Payload()) == 0 || !json.Valid(msg.Payload())) {
		r.metrics.Dropped(metrics.DropInvalid)
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, msg.Type)
	}

	// Addressed traffic never leaves the sender's room.
	room, ok := r.registry.RoomOf(sender)
	if target, found := r.registry.RoomOf(msg.To); !ok || !found || room != target {
		r.metrics.Dropped(metrics.DropUnknownTarget)
		r.log.Debug("target not in sender's room, dropping message",
			zap.String("from", sender),
			zap.String("to", msg.To),
			zap.String("type", string(msg.Type)))
		return nil
	}

	out := models.SignalMessage{
		Type:      msg.Type.Outbound(),
		From:      sender,
		Offer:     msg.Offer,
		Answer:    msg.Answer,
		Candidate: msg.Candidate,
	}
	if !r.deliver(msg.To, out) {
		return nil
	}

	switch msg.Type {
	case models.SignalTypeCallAccepted:
		r.markStatus(models.PresenceInCall, sender, msg.To)
	case models.SignalTypeHangup:
		r.markStatus(models.PresenceOnline, sender, msg.To)
	}
	return nil
}

// deliver queues msg for connID without blocking. It reports whether the
// message was queued.
func (r *Relay) deliver(connID string, msg models.SignalMessage) bool {
	ep, err := r.registry.Route(connID)
	if err != nil {
		r.metrics.Dropped(metrics.DropUnknownTarget)
		r.log.Debug("target gone, dropping message",
			zap.String("to", connID),
			zap.String("type", string(msg.Type)))
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("failed to marshal message", zap.Error(err))
		return false
	}

	if !ep.Send(data) {
		r.metrics.Dropped(metrics.DropBufferFull)
		r.log.Warn("send buffer full, dropping message",
			zap.String("to", connID),
			zap.String("type", string(msg.Type)))
		return false
	}
	r.metrics.Relayed(string(msg.Type))
	return true
}

func (r *Relay) announceDeparture(dep registry.Departure) {
	left := models.SignalMessage{Type: models.SignalTypeUserLeft, ID: dep.ConnID}
	for _, peer := range dep.Peers {
		r.deliver(peer.ConnID, left)
	}

	r.withPresence(func(ctx context.Context) error {
		for _, room := range dep.Rooms {
			if err := r.presence.Left(ctx, room, models.Member{ConnID: dep.ConnID, Email: dep.Email}); err != nil {
				return err
			}
		}
		if dep.Email != "" {
			if err := r.presence.SetStatus(ctx, dep.Email, models.PresenceOffline); err != nil {
				return err
			}
		}
		for _, peer := range dep.Peers {
			if peer.Email == "" {
				continue
			}
			if err := r.presence.SetStatus(ctx, peer.Email, models.PresenceOnline); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Relay) markStatus(status models.PresenceStatus, connIDs ...string) {
	var emails []string
	for _, id := range connIDs {
		if email, ok := r.registry.Resolve(id); ok {
			emails = append(emails, email)
		}
	}
	r.withPresence(func(ctx context.Context) error {
		for _, email := range emails {
			if err := r.presence.SetStatus(ctx, email, status); err != nil {
				return err
			}
		}
		return nil
	})
}

// withPresence queues a presence write. A full queue drops the write rather
// than stall the sender.
func (r *Relay) withPresence(fn func(ctx context.Context) error) {
	select {
	case r.updates <- fn:
	default:
		r.metrics.Dropped(metrics.DropPresenceQueue)
		r.log.Warn("presence queue full, dropping update")
	}
}

func (r *Relay) presenceLoop() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.updates:
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := fn(ctx); err != nil {
				r.log.Warn("presence update failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *Relay) observeOccupancy() {
	r.metrics.Occupancy(r.registry.Connections(), r.registry.Rooms())
}

// NopPresence discards presence updates.
type NopPresence struct{}

func (NopPresence) Joined(context.Context, string, models.Member) error { return nil }
func (NopPresence) Left(context.Context, string, models.Member) error   { return nil }
func (NopPresence) SetStatus(context.Context, string, models.PresenceStatus) error {
	return nil
}
