package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/models"
)

const eventBuffer = 256

// Session drives one participant's side of a call with one remote peer.
//
// All state is owned by the goroutine running Run. Commands, inbound
// messages and connectivity callbacks are queued as events and applied in
// order, so no handler ever observes a half-applied transition.
type Session struct {
	factory  ConnectivityFactory
	media    MediaSource
	observer Observer
	signaler Signaler
	log      *zap.Logger

	events chan event
	done   chan struct{}

	// overflow holds posted events while events is full, in posting order.
	overflowMu sync.Mutex
	overflow   []event
	draining   bool

	selfID      string
	remoteID    string
	remoteEmail string
	status      CallStatus
	connState   ConnState
	linkUp      bool
	makingOffer bool

	// standby is a peer that joined while a call with another was up.
	standby *models.Member

	conn Connectivity
	// gen is bumped every time conn is replaced; callbacks from an older
	// connectivity carry a stale generation and are ignored.
	gen uint64

	local         MediaStream
	remoteTracks  []RemoteTrack
	pendingOffer  *models.SessionDescription
	pendingRemote []models.ICECandidate
}

// New creates a session. SetSignaler must be called before Run.
func New(factory ConnectivityFactory, media MediaSource, observer Observer, log *zap.Logger) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	s := &Session{
		factory:  factory,
		media:    media,
		observer: observer,
		log:      log,
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
	}
	s.replaceConnectivity()
	return s
}

// SetSignaler sets the transport used to reach the relay.
func (s *Session) SetSignaler(sig Signaler) {
	s.signaler = sig
}

// Run processes events until ctx is cancelled. On return the connectivity
// is closed and local media is released.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

// Call starts an outgoing call to the known remote peer.
func (s *Session) Call() { s.post(cmdCall{}) }

// Accept answers the pending incoming call.
func (s *Session) Accept() { s.post(cmdAccept{}) }

// Decline discards the pending incoming call without messaging the caller.
func (s *Session) Decline() { s.post(cmdDecline{}) }

// Hangup ends the current call and tells the remote peer, while both stay
// in the room.
func (s *Session) Hangup() { s.post(cmdHangup{}) }

// Leave ends the call and disconnects from the relay.
func (s *Session) Leave() { s.post(cmdLeave{}) }

// Reset tears the call down and prepares a fresh connectivity object while
// staying in the room.
func (s *Session) Reset() { s.post(cmdReset{}) }

// ToggleAudio flips the enabled flag of the local audio tracks.
func (s *Session) ToggleAudio() { s.post(cmdToggle{kind: KindAudio}) }

// ToggleVideo flips the enabled flag of the local video tracks.
func (s *Session) ToggleVideo() { s.post(cmdToggle{kind: KindVideo}) }

// HandleMessage queues a message received from the relay.
func (s *Session) HandleMessage(msg models.SignalMessage) {
	select {
	case s.events <- evMessage{msg: msg}:
	case <-s.done:
	}
}

// HandleReconnect is called by the transport after it re-established the
// relay connection. Any call in progress is gone: the relay already told the
// remote peer we left.
func (s *Session) HandleReconnect() {
	select {
	case s.events <- evReconnect{}:
	case <-s.done:
	}
}

// Snapshot returns the current state. It must not be called from an
// Observer callback.
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case s.events <- evSnapshot{reply: reply}:
	case <-s.done:
		return State{}, ErrSessionClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return State{}, ErrSessionClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// post queues an event without ever blocking the caller, which may be the
// session goroutine itself. When events is full the event waits in overflow
// and a single goroutine feeds it in, so posted events keep their order.
func (s *Session) post(ev event) {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.events <- ev:
			return
		case <-s.done:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, ev)
	if !s.draining {
		s.draining = true
		go s.drainOverflow()
	}
}

func (s *Session) drainOverflow() {
	for {
		s.overflowMu.Lock()
		if len(s.overflow) == 0 {
			s.draining = false
			s.overflowMu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.overflowMu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}

		s.overflowMu.Lock()
		s.overflow = s.overflow[1:]
		s.overflowMu.Unlock()
	}
}

func (s *Session) shutdown() {
	close(s.done)
	s.releaseMedia()
	s.closeConnectivity()
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case evMessage:
		s.onMessage(ctx, ev.msg)
	case evReconnect:
		s.log.Info("relay reconnected, resetting call")
		s.selfID = ""
		s.teardown()
	case cmdCall:
		s.call(ctx)
	case cmdAccept:
		s.accept(ctx)
	case cmdDecline:
		s.decline()
	case cmdHangup:
		s.hangup()
	case cmdLeave:
		s.leave()
	case cmdReset:
		s.teardown()
	case cmdToggle:
		s.toggle(ev.kind)
	case evSnapshot:
		ev.reply <- s.snapshot()
	case connEvent:
		if ev.gen != s.gen {
			s.log.Debug("dropping event from replaced connectivity",
				zap.Uint64("gen", ev.gen), zap.Uint64("current", s.gen))
			return
		}
		s.onConnEvent(ctx, ev)
	}
}

func (s *Session) onMessage(ctx context.Context, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeJoin:
		s.selfID = msg.ID
		s.log.Debug("joined room", zap.String("room", msg.Room), zap.String("id", msg.ID))
	case models.SignalTypeUserJoined:
		s.peerJoined(msg.ID, msg.Email)
	case models.SignalTypeIncomingCall:
		var offer models.SessionDescription
		if !s.decode(msg, msg.Offer, &offer) {
			return
		}
		s.incomingCall(msg.From, msg.Email, offer)
	case models.SignalTypeCallAccepted:
		var answer models.SessionDescription
		if !s.decode(msg, msg.Answer, &answer) {
			return
		}
		s.callAccepted(ctx, msg.From, answer)
	case models.SignalTypeNegoNeeded:
		var offer models.SessionDescription
		if !s.decode(msg, msg.Offer, &offer) {
			return
		}
		s.remoteOffer(ctx, msg.From, offer)
	case models.SignalTypeNegoFinal:
		var answer models.SessionDescription
		if !s.decode(msg, msg.Answer, &answer) {
			return
		}
		s.remoteAnswer(ctx, msg.From, answer)
	case models.SignalTypeCandidate:
		var c models.ICECandidate
		if !s.decode(msg, msg.Candidate, &c) {
			return
		}
		s.remoteCandidate(msg.From, c)
	case models.SignalTypeCallEnded:
		s.callEnded(msg.From)
	case models.SignalTypeUserLeft:
		s.peerLeft(msg.ID)
	case models.SignalTypeError:
		s.observer.Failed(fmt.Errorf("%w: %s: %s", ErrRelayRejected, msg.Code, msg.Error))
	default:
		s.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) decode(msg models.SignalMessage, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("malformed payload",
			zap.String("type", string(msg.Type)),
			zap.String("from", msg.From),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Session) peerJoined(id, email string) {
	if s.remoteID != "" && s.remoteID != id && s.status != Waiting {
		s.log.Info("peer joined while busy", zap.String("id", id))
		s.standby = &models.Member{ConnID: id, Email: email}
		return
	}
	s.remoteID, s.remoteEmail = id, email
	s.observer.PeerJoined(id, email)
}

func (s *Session) peerLeft(id string) {
	if s.standby != nil && s.standby.ConnID == id {
		s.standby = nil
		return
	}
	if id == "" || id != s.remoteID {
		return
	}
	s.log.Info("peer left", zap.String("id", id), zap.Stringer("status", s.status))
	s.teardown()
	s.remoteID, s.remoteEmail = "", ""
	s.observer.PeerLeft(id)

	if next := s.standby; next != nil {
		s.standby = nil
		s.peerJoined(next.ConnID, next.Email)
	}
}

func (s *Session) call(ctx context.Context) {
	if s.remoteID == "" {
		s.observer.Failed(ErrNoPeer)
		return
	}
	if !CanTransition(s.status, RingingOut) {
		s.observer.Failed(fmt.Errorf("%w: call from %s", ErrInvalidTransition, s.status))
		return
	}
	if err := s.acquireMedia(ctx); err != nil {
		s.observer.Failed(err)
		return
	}
	conn, err := s.connectivity()
	if err != nil {
		s.observer.Failed(err)
		return
	}
	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		s.log.Error("create offer", zap.Error(err))
		s.observer.Failed(err)
		s.teardown()
		return
	}
	s.makingOffer = true
	s.connState = ConnNegotiating
	s.sendPayload(models.SignalTypeCall, s.remoteID, offer)
	s.setStatus(RingingOut)
}

func (s *Session) incomingCall(from, email string, offer models.SessionDescription) {
	if from == "" {
		return
	}
	if s.remoteID != "" && from != s.remoteID && s.status != Waiting {
		s.log.Warn("call from unexpected peer", zap.String("from", from))
		return
	}

	switch s.status {
	case RingingOut:
		// Both sides called at once. The polite side drops its own offer
		// and answers; the other keeps waiting for its answer.
		if !s.polite() {
			s.log.Debug("ignoring colliding call", zap.String("from", from))
			return
		}
		// Nothing was negotiated yet: drop the offer together with its
		// connectivity and answer on a fresh one, as a plain callee would.
		s.closeConnectivity()
		s.replaceConnectivity()
		s.makingOffer = false
		s.connState = ConnNew
	case Connected:
		s.log.Debug("ignoring call while connected", zap.String("from", from))
		return
	}

	if s.remoteID != from {
		s.remoteID, s.remoteEmail = from, email
	}
	if email != "" {
		s.remoteEmail = email
	}
	s.pendingOffer = &offer
	s.setStatus(RingingIn)
	s.observer.IncomingCall(from, s.remoteEmail)
}

func (s *Session) accept(ctx context.Context) {
	if s.status != RingingIn || s.pendingOffer == nil {
		s.observer.Failed(fmt.Errorf("%w: accept from %s", ErrInvalidTransition, s.status))
		return
	}
	if err := s.acquireMedia(ctx); err != nil {
		s.pendingOffer = nil
		s.pendingRemote = nil
		s.setStatus(Waiting)
		s.observer.Failed(err)
		return
	}
	conn, err := s.connectivity()
	if err != nil {
		s.observer.Failed(err)
		return
	}
	answer, err := conn.CreateAnswer(ctx, *s.pendingOffer)
	s.pendingOffer = nil
	if err != nil {
		s.log.Error("answer incoming call", zap.Error(err))
		s.observer.Failed(err)
		s.teardown()
		return
	}
	s.settle()
	s.sendPayload(models.SignalTypeCallAccepted, s.remoteID, answer)
	s.flushCandidates()
	s.setStatus(Connected)
	s.attachTracks()
}

func (s *Session) decline() {
	if s.status != RingingIn {
		return
	}
	s.pendingOffer = nil
	s.pendingRemote = nil
	s.setStatus(Waiting)
}

func (s *Session) hangup() {
	if s.status == Waiting || s.remoteID == "" {
		return
	}
	s.send(models.SignalMessage{Type: models.SignalTypeHangup, To: s.remoteID})
	s.teardown()
}

// callEnded runs when the remote peer hung up. The peer stays known so
// either side can call again.
func (s *Session) callEnded(from string) {
	if from == "" || from != s.remoteID || s.status == Waiting {
		return
	}
	s.log.Info("call ended by peer", zap.String("from", from), zap.Stringer("status", s.status))
	s.teardown()
}

func (s *Session) callAccepted(ctx context.Context, from string, answer models.SessionDescription) {
	if from != s.remoteID || s.status != RingingOut {
		s.log.Debug("ignoring unexpected answer", zap.String("from", from), zap.Stringer("status", s.status))
		return
	}
	if err := s.conn.SetRemoteDescription(ctx, answer); err != nil {
		s.log.Error("apply answer", zap.Error(err))
		s.observer.Failed(err)
		s.teardown()
		return
	}
	s.makingOffer = false
	s.settle()
	s.flushCandidates()
	s.setStatus(Connected)
	s.attachTracks()
}

// negotiationNeeded runs when the connectivity asks for a new offer, most
// often after tracks were attached. Requests arriving mid-exchange are
// dropped; the connectivity raises them again once it is stable.
func (s *Session) negotiationNeeded(ctx context.Context) {
	if s.status != Connected {
		return
	}
	if s.makingOffer || !s.conn.Stable() {
		s.log.Debug("renegotiation suppressed", zap.Bool("makingOffer", s.makingOffer))
		return
	}
	offer, err := s.conn.CreateOffer(ctx)
	if err != nil {
		s.log.Warn("create renegotiation offer", zap.Error(err))
		return
	}
	s.makingOffer = true
	s.connState = ConnNegotiating
	s.sendPayload(models.SignalTypeNegoNeeded, s.remoteID, offer)
}

func (s *Session) remoteOffer(ctx context.Context, from string, offer models.SessionDescription) {
	if from != s.remoteID || s.status != Connected {
		s.log.Debug("ignoring renegotiation offer", zap.String("from", from), zap.Stringer("status", s.status))
		return
	}
	if s.makingOffer || !s.conn.Stable() {
		if !s.polite() {
			s.log.Debug("ignoring colliding offer", zap.String("from", from))
			return
		}
		if err := s.conn.Rollback(); err != nil {
			s.log.Warn("rollback local offer", zap.Error(err))
		}
		s.makingOffer = false
	}
	answer, err := s.conn.CreateAnswer(ctx, offer)
	if err != nil {
		s.log.Warn("answer renegotiation", zap.Error(err))
		return
	}
	s.settle()
	s.sendPayload(models.SignalTypeNegoDone, from, answer)
	s.flushCandidates()
}

func (s *Session) remoteAnswer(ctx context.Context, from string, answer models.SessionDescription) {
	if from != s.remoteID || !s.makingOffer {
		s.log.Debug("ignoring stale answer", zap.String("from", from))
		return
	}
	if err := s.conn.SetRemoteDescription(ctx, answer); err != nil {
		s.log.Warn("apply renegotiation answer", zap.Error(err))
		return
	}
	s.makingOffer = false
	s.settle()
	s.flushCandidates()
}

func (s *Session) remoteCandidate(from string, c models.ICECandidate) {
	if from == "" || from != s.remoteID {
		return
	}
	if s.conn == nil || !s.conn.HasRemoteDescription() {
		s.pendingRemote = append(s.pendingRemote, c)
		return
	}
	s.addCandidate(c)
}

func (s *Session) flushCandidates() {
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c models.ICECandidate) {
	if err := s.conn.AddICECandidate(c); err != nil {
		s.log.Warn("add remote candidate",
			zap.Error(fmt.Errorf("%w: %v", ErrStaleCandidate, err)),
			zap.String("candidate", c.Candidate))
	}
}

func (s *Session) leave() {
	s.teardown()
	s.remoteID, s.remoteEmail = "", ""
	s.standby = nil
	if s.signaler != nil {
		if err := s.signaler.Close(); err != nil {
			s.log.Debug("close signaler", zap.Error(err))
		}
	}
}

func (s *Session) toggle(kind TrackKind) {
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(!t.Enabled())
		}
	}
}

// teardown releases media and replaces the connectivity with a fresh one.
// The remote peer is kept so the user can call again.
func (s *Session) teardown() {
	s.releaseMedia()
	s.remoteTracks = nil
	s.pendingOffer = nil
	s.pendingRemote = nil
	s.makingOffer = false
	s.linkUp = false
	s.closeConnectivity()
	s.replaceConnectivity()
	s.connState = ConnNew
	s.setStatus(Waiting)
}

func (s *Session) closeConnectivity() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("close connectivity", zap.Error(err))
	}
	s.conn = nil
}

func (s *Session) replaceConnectivity() {
	s.gen++
	gen := s.gen
	conn, err := s.factory.NewConnectivity(ConnectivityEvents{
		OnICECandidate:      func(c models.ICECandidate) { s.post(connEvent{gen: gen, candidate: &c}) },
		OnTrack:             func(t RemoteTrack) { s.post(connEvent{gen: gen, track: &t}) },
		OnNegotiationNeeded: func() { s.post(connEvent{gen: gen, negotiationNeeded: true}) },
		OnLinkState:         func(st LinkState) { s.post(connEvent{gen: gen, link: &st}) },
	})
	if err != nil {
		// Retried lazily by connectivity().
		s.log.Error("create connectivity", zap.Error(err))
		return
	}
	s.conn = conn
}

func (s *Session) connectivity() (Connectivity, error) {
	if s.conn == nil {
		s.replaceConnectivity()
	}
	if s.conn == nil {
		return nil, fmt.Errorf("create connectivity for %s", s.remoteID)
	}
	return s.conn, nil
}

func (s *Session) onConnEvent(ctx context.Context, ev connEvent) {
	switch {
	case ev.candidate != nil:
		if s.remoteID == "" {
			return
		}
		s.sendPayload(models.SignalTypeCandidate, s.remoteID, *ev.candidate)
	case ev.track != nil:
		s.remoteTracks = append(s.remoteTracks, *ev.track)
		s.observer.RemoteTrack(*ev.track)
	case ev.negotiationNeeded:
		s.negotiationNeeded(ctx)
	case ev.link != nil:
		switch *ev.link {
		case LinkConnected:
			s.linkUp = true
		case LinkDisconnected, LinkFailed:
			s.linkUp = false
		}
		if s.connState.Settled() {
			s.settle()
		}
	}
}

// settle marks the offer/answer exchange as complete.
func (s *Session) settle() {
	if s.linkUp {
		s.connState = ConnConnected
		return
	}
	s.connState = ConnStable
}

func (s *Session) acquireMedia(ctx context.Context) error {
	if s.local != nil {
		return nil
	}
	stream, err := s.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if ctx.Err() != nil {
		for _, t := range stream.Tracks() {
			t.Stop()
		}
		return ctx.Err()
	}
	s.local = stream
	s.observer.LocalMedia(stream)
	return nil
}

func (s *Session) releaseMedia() {
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		t.Stop()
	}
	s.local = nil
}

// attachTracks adds every local track to the connectivity. Tracks already
// attached are skipped by the connectivity itself.
func (s *Session) attachTracks() {
	if s.local == nil || s.conn == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		if _, err := s.conn.AttachTrack(s.local, t); err != nil {
			s.log.Warn("attach track", zap.String("track", t.ID()), zap.Error(err))
		}
	}
}

func (s *Session) setStatus(next CallStatus) {
	if s.status == next {
		return
	}
	if !CanTransition(s.status, next) {
		s.log.Error("refusing status change",
			zap.Stringer("from", s.status), zap.Stringer("to", next))
		return
	}
	if next == Connected && !s.connState.Settled() {
		s.log.Error("refusing connected status before negotiation settled",
			zap.Stringer("conn", s.connState))
		return
	}
	s.log.Info("call status", zap.Stringer("from", s.status), zap.Stringer("to", next))
	s.status = next
	s.observer.StatusChanged(next)
}

// polite reports whether this side yields when offers collide. The side
// with the lower connection id is polite, so exactly one side yields.
func (s *Session) polite() bool {
	return s.selfID < s.remoteID
}

func (s *Session) send(msg models.SignalMessage) {
	if s.signaler == nil {
		s.log.Error("no signaler set", zap.String("type", string(msg.Type)))
		return
	}
	if err := s.signaler.Send(msg); err != nil {
		s.log.Warn("send signal", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// sendPayload sends an addressed message whose payload is v.
func (s *Session) sendPayload(typ models.SignalType, to string, v any) {
	msg, err := models.NewAddressed(typ, to, v)
	if err != nil {
		s.log.Error("build signal", zap.String("type", string(typ)), zap.Error(err))
		s.observer.Failed(err)
		return
	}
	s.send(msg)
}

func (s *Session) snapshot() State {
	st := State{
		Status:      s.status,
		Conn:        s.connState,
		SelfID:      s.selfID,
		RemoteID:    s.remoteID,
		RemoteEmail: s.remoteEmail,
		Generation:  s.gen,
		HasMedia:    s.local != nil,
		MakingOffer: s.makingOffer,
	}
	st.RemoteTracks = append(st.RemoteTracks, s.remoteTracks...)
	if s.local != nil {
		for _, t := range s.local.Tracks() {
			switch t.Kind() {
			case KindAudio:
				st.AudioEnabled = st.AudioEnabled || t.Enabled()
			case KindVideo:
				st.VideoEnabled = st.VideoEnabled || t.Enabled()
			}
		}
	}
	return st
}
