package negotiation_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiation"
	"github.com/mossy-p/callrelay/internal/negotiation/negotiationtest"
)

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	negotiation.NopObserver
	session    *negotiation.Session
	autoAccept bool

	statuses []negotiation.CallStatus
	joined   []string
	left     []string
	incoming []string
	tracks   []negotiation.RemoteTrack
	failures []error
}

func (r *recorder) StatusChanged(s negotiation.CallStatus) { r.statuses = append(r.statuses, s) }
func (r *recorder) PeerJoined(id, _ string)                { r.joined = append(r.joined, id) }
func (r *recorder) PeerLeft(id string)                     { r.left = append(r.left, id) }
func (r *recorder) RemoteTrack(t negotiation.RemoteTrack)  { r.tracks = append(r.tracks, t) }
func (r *recorder) Failed(err error)                       { r.failures = append(r.failures, err) }

func (r *recorder) IncomingCall(from, _ string) {
	r.incoming = append(r.incoming, from)
	if r.autoAccept {
		r.session.Accept()
	}
}

type envelope struct {
	from string
	msg  models.SignalMessage
}

// wire is an in-memory relay between sessions driven from the test
// goroutine. It renames and stamps messages the way the relay server does.
type wire struct {
	t       *testing.T
	ctx     context.Context
	parties map[string]*party
	joined  []string
	queue   []envelope
	sent    []envelope
}

type party struct {
	id      string
	email   string
	session *negotiation.Session
	factory *negotiationtest.Factory
	media   *negotiationtest.Media
	obs     *recorder
	sig     *wireSignaler
}

type wireSignaler struct {
	w      *wire
	id     string
	closed bool
}

func (s *wireSignaler) Send(msg models.SignalMessage) error {
	if s.closed {
		return errors.New("signaler closed")
	}
	s.w.queue = append(s.w.queue, envelope{from: s.id, msg: msg})
	s.w.sent = append(s.w.sent, envelope{from: s.id, msg: msg})
	return nil
}

func (s *wireSignaler) Close() error {
	if !s.closed {
		s.closed = true
		s.w.queue = append(s.w.queue, envelope{from: s.id, msg: models.SignalMessage{Type: models.SignalTypeUserLeft}})
	}
	return nil
}

func newWire(t *testing.T) *wire {
	return &wire{t: t, ctx: context.Background(), parties: make(map[string]*party)}
}

func (w *wire) add(id, email string, log *zap.Logger) *party {
	if log == nil {
		log = zap.NewNop()
	}
	p := &party{
		id:      id,
		email:   email,
		factory: &negotiationtest.Factory{},
		media:   &negotiationtest.Media{Prefix: id + "-"},
		obs:     &recorder{},
		sig:     &wireSignaler{w: w, id: id},
	}
	p.session = negotiation.New(p.factory, p.media, p.obs, log)
	p.session.SetSignaler(p.sig)
	p.obs.session = p.session
	w.parties[id] = p
	return p
}

// join delivers the join echo and notifies members already present.
func (w *wire) join(p *party, room string) {
	p.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeJoin, ID: p.id, Email: p.email, Room: room})
	for _, id := range w.joined {
		w.parties[id].session.HandleMessage(models.SignalMessage{Type: models.SignalTypeUserJoined, ID: p.id, Email: p.email})
	}
	w.joined = append(w.joined, p.id)
	w.settle()
}

// settle runs sessions and delivers messages until nothing moves.
func (w *wire) settle() {
	ids := make([]string, 0, len(w.parties))
	for id := range w.parties {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for round := 0; round < 100; round++ {
		progressed := false
		for _, id := range ids {
			if w.parties[id].session.Drain(w.ctx) > 0 {
				progressed = true
			}
		}
		queue := w.queue
		w.queue = nil
		for _, env := range queue {
			progressed = true
			w.deliver(env)
		}
		if !progressed {
			return
		}
	}
	w.t.Fatal("signaling did not settle")
}

func (w *wire) deliver(env envelope) {
	if env.msg.Type == models.SignalTypeUserLeft {
		for id, p := range w.parties {
			if id != env.from {
				p.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeUserLeft, ID: env.from})
			}
		}
		return
	}
	target, ok := w.parties[env.msg.To]
	if !ok {
		return
	}
	out := env.msg
	out.Type = out.Type.Outbound()
	out.From = env.from
	out.To = ""
	target.session.HandleMessage(out)
}

func (w *wire) count(from string, typ models.SignalType) int {
	n := 0
	for _, env := range w.sent {
		if env.from == from && env.msg.Type == typ {
			n++
		}
	}
	return n
}

func (p *party) state(t *testing.T) negotiation.State {
	t.Helper()
	// Snapshot goes through the event queue, so drain it alongside.
	done := make(chan negotiation.State, 1)
	go func() {
		st, err := p.session.Snapshot(context.Background())
		assert.NoError(t, err)
		done <- st
	}()
	for {
		p.session.Drain(context.Background())
		select {
		case st := <-done:
			return st
		default:
		}
	}
}

// connect runs a full call setup between a and b.
func connect(t *testing.T, w *wire, a, b *party) {
	t.Helper()
	w.join(a, "r1")
	w.join(b, "r1")
	a.session.Call()
	w.settle()
	b.session.Accept()
	w.settle()
	require.Equal(t, negotiation.Connected, a.state(t).Status)
	require.Equal(t, negotiation.Connected, b.state(t).Status)
}

func TestSession_CallEndToEnd(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)

	w.join(a, "r1")
	w.join(b, "r1")
	assert.Equal(t, []string{"b-2"}, a.obs.joined)

	a.session.Call()
	w.settle()
	assert.Equal(t, negotiation.RingingOut, a.state(t).Status)
	assert.Equal(t, negotiation.RingingIn, b.state(t).Status)
	assert.Equal(t, []string{"a-1"}, b.obs.incoming)

	b.session.Accept()
	w.settle()

	for _, p := range []*party{a, b} {
		st := p.state(t)
		assert.Equal(t, negotiation.Connected, st.Status, p.id)
		assert.True(t, st.Conn.Settled(), p.id)
		assert.False(t, st.MakingOffer, p.id)
		assert.Len(t, st.RemoteTracks, 2, p.id)

		stats := p.factory.Current().Stats()
		assert.Equal(t, 2, stats.Senders, p.id)
		assert.Zero(t, stats.Pending, p.id)
		assert.True(t, stats.Stable, p.id)
		assert.Zero(t, stats.Overlapping, p.id)
	}
	assert.Equal(t, []negotiation.CallStatus{negotiation.RingingOut, negotiation.Connected}, a.obs.statuses)
	assert.Equal(t, []negotiation.CallStatus{negotiation.RingingIn, negotiation.Connected}, b.obs.statuses)

	// Two tracks attached on accept, one renegotiation offer.
	assert.Equal(t, 1, w.count("b-2", models.SignalTypeNegoNeeded))

	sent := len(w.sent)
	a.session.ToggleVideo()
	w.settle()
	st := a.state(t)
	assert.False(t, st.VideoEnabled)
	assert.True(t, st.AudioEnabled)
	assert.Len(t, w.sent, sent, "toggling media must not signal")

	b.session.Leave()
	w.settle()
	assert.True(t, b.sig.closed)
	assert.Equal(t, []string{"b-2"}, a.obs.left)

	st = a.state(t)
	assert.Equal(t, negotiation.Waiting, st.Status)
	assert.Equal(t, negotiation.ConnNew, st.Conn)
	assert.Empty(t, st.RemoteID)
	assert.False(t, st.HasMedia)
	assert.True(t, a.media.Acquired()[0].Stopped())

	conns := a.factory.All()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Stats().Closed)
	assert.False(t, conns[1].Stats().Closed)
}

func TestSession_DuplicateNegotiationNeededSendsOneOffer(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	before := w.count("a-1", models.SignalTypeNegoNeeded)
	conn := a.factory.Current()
	conn.EmitNegotiationNeeded()
	conn.EmitNegotiationNeeded()
	w.settle()

	assert.Equal(t, before+1, w.count("a-1", models.SignalTypeNegoNeeded))
	assert.Zero(t, conn.Stats().Overlapping)
	assert.False(t, a.state(t).MakingOffer)
}

func TestSession_GlareOnInitialCall(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	a.obs.autoAccept = true
	b.obs.autoAccept = true
	w.join(a, "r1")
	w.join(b, "r1")

	// b learns a's id from its incoming call in the normal flow; here both
	// dial at once, so seed b with a's identity the way user:joined would.
	b.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeUserJoined, ID: "a-1", Email: "a@example.com"})
	w.settle()

	a.session.Call()
	b.session.Call()
	w.settle()

	for _, p := range []*party{a, b} {
		st := p.state(t)
		assert.Equal(t, negotiation.Connected, st.Status, p.id)
		assert.False(t, st.MakingOffer, p.id)
		assert.Len(t, st.RemoteTracks, 2, p.id)
		for _, c := range p.factory.All() {
			assert.Zero(t, c.Stats().Overlapping, p.id)
		}
	}
	// The lower id yields: its unanswered offer goes away with the
	// connectivity that made it, and the answer comes from a fresh one.
	conns := a.factory.All()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Stats().Closed)
	assert.Zero(t, conns[1].Stats().Rollbacks)
	assert.Len(t, b.factory.All(), 1)
	assert.Zero(t, b.factory.Current().Stats().Rollbacks)
	assert.Equal(t, 1, w.count("a-1", models.SignalTypeCallAccepted))
	assert.Zero(t, w.count("b-2", models.SignalTypeCallAccepted))
}

func TestSession_GlareOnRenegotiation(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	a.factory.Current().EmitNegotiationNeeded()
	b.factory.Current().EmitNegotiationNeeded()
	w.settle()

	for _, p := range []*party{a, b} {
		st := p.state(t)
		assert.Equal(t, negotiation.Connected, st.Status, p.id)
		assert.False(t, st.MakingOffer, p.id)
		stats := p.factory.Current().Stats()
		assert.True(t, stats.Stable, p.id)
		assert.Zero(t, stats.Overlapping, p.id)
	}
	assert.Equal(t, 1, a.factory.Current().Stats().Rollbacks)
	assert.Zero(t, b.factory.Current().Stats().Rollbacks)
}

func TestSession_HangupKeepsBothInRoom(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	a.session.Hangup()
	w.settle()

	assert.Equal(t, 1, w.count("a-1", models.SignalTypeHangup))
	for _, p := range []*party{a, b} {
		st := p.state(t)
		assert.Equal(t, negotiation.Waiting, st.Status, p.id)
		assert.Equal(t, negotiation.ConnNew, st.Conn, p.id)
		assert.False(t, st.HasMedia, p.id)
		assert.NotEmpty(t, st.RemoteID, p.id)
		assert.Len(t, p.factory.All(), 2, p.id)
	}
	assert.False(t, a.sig.closed)
	assert.Empty(t, b.obs.left)

	// Either side can call again.
	b.session.Call()
	w.settle()
	assert.Equal(t, negotiation.RingingIn, a.state(t).Status)

	// Hanging up while idle sends nothing.
	idle := newWire(t)
	c := idle.add("c-3", "c@example.com", nil)
	idle.join(c, "r2")
	c.session.Hangup()
	idle.settle()
	assert.Empty(t, idle.sent)
}

func TestSession_CallEndedFromStrangerIgnored(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	a.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeCallEnded, From: "z-9"})
	w.settle()

	assert.Equal(t, negotiation.Connected, a.state(t).Status)
}

func TestSession_CallWithoutPeer(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	w.join(a, "r1")

	a.session.Call()
	w.settle()

	require.Len(t, a.obs.failures, 1)
	assert.ErrorIs(t, a.obs.failures[0], negotiation.ErrNoPeer)
	assert.Empty(t, w.sent)
}

func TestSession_CallMediaUnavailable(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	w.join(a, "r1")
	w.join(b, "r1")
	a.media.Err = errors.New("permission denied")

	a.session.Call()
	w.settle()

	require.Len(t, a.obs.failures, 1)
	assert.ErrorIs(t, a.obs.failures[0], negotiation.ErrMediaUnavailable)
	assert.Equal(t, negotiation.Waiting, a.state(t).Status)
	assert.Empty(t, w.sent)
}

func TestSession_AcceptMediaUnavailable(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	w.join(a, "r1")
	w.join(b, "r1")
	b.media.Err = errors.New("no camera")

	a.session.Call()
	w.settle()
	b.session.Accept()
	w.settle()

	require.Len(t, b.obs.failures, 1)
	assert.ErrorIs(t, b.obs.failures[0], negotiation.ErrMediaUnavailable)
	assert.Equal(t, negotiation.Waiting, b.state(t).Status)
	assert.Zero(t, w.count("b-2", models.SignalTypeCallAccepted))
	assert.Equal(t, negotiation.RingingOut, a.state(t).Status)
}

func TestSession_Decline(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	w.join(a, "r1")
	w.join(b, "r1")

	a.session.Call()
	w.settle()
	b.session.Decline()
	w.settle()

	assert.Equal(t, negotiation.Waiting, b.state(t).Status)
	assert.Empty(t, b.media.Acquired())
	assert.Zero(t, w.count("b-2", models.SignalTypeCallAccepted))

	b.session.Accept()
	w.settle()
	require.Len(t, b.obs.failures, 1)
	assert.ErrorIs(t, b.obs.failures[0], negotiation.ErrInvalidTransition)
}

func TestSession_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	w.join(a, "r1")
	w.join(b, "r1")

	a.session.Call()
	w.settle()
	cand := models.ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}
	a.factory.Current().EmitCandidate(cand)
	w.settle()
	assert.Equal(t, 1, w.count("a-1", models.SignalTypeCandidate))
	assert.Empty(t, b.factory.Current().Stats().Candidates)

	b.session.Accept()
	w.settle()
	assert.Equal(t, []models.ICECandidate{cand}, b.factory.Current().Stats().Candidates)
}

func TestSession_RejectedCandidateIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", zap.New(core))
	connect(t, w, a, b)

	b.factory.Current().CandidateErr = errors.New("unknown ufrag")
	a.factory.Current().EmitCandidate(models.ICECandidate{Candidate: "candidate:2 1 udp 1 10.0.0.2 1 typ host"})
	w.settle()

	entries := logs.FilterMessage("add remote candidate").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], negotiation.ErrStaleCandidate.Error())
	assert.Equal(t, negotiation.Connected, b.state(t).Status)
}

func TestSession_StaleGenerationIgnored(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	old := a.factory.Current()
	a.session.Reset()
	w.settle()
	require.NotSame(t, old, a.factory.Current())

	before := w.count("a-1", models.SignalTypeCandidate)
	old.EmitCandidate(models.ICECandidate{Candidate: "candidate:stale"})
	old.EmitNegotiationNeeded()
	w.settle()
	assert.Equal(t, before, w.count("a-1", models.SignalTypeCandidate))

	a.factory.Current().EmitCandidate(models.ICECandidate{Candidate: "candidate:fresh"})
	w.settle()
	assert.Equal(t, before+1, w.count("a-1", models.SignalTypeCandidate))

	st := a.state(t)
	assert.Equal(t, negotiation.Waiting, st.Status)
	assert.Equal(t, "b-2", st.RemoteID, "reset keeps the peer so it can be called again")
}

func TestSession_LinkStateMarksConnected(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	a.factory.Current().EmitLinkState(negotiation.LinkConnected)
	w.settle()
	assert.Equal(t, negotiation.ConnConnected, a.state(t).Conn)

	a.factory.Current().EmitLinkState(negotiation.LinkDisconnected)
	w.settle()
	assert.Equal(t, negotiation.ConnStable, a.state(t).Conn)
}

func TestSession_ReconnectResetsCall(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	b := w.add("b-2", "b@example.com", nil)
	connect(t, w, a, b)

	a.session.HandleReconnect()
	w.settle()

	st := a.state(t)
	assert.Equal(t, negotiation.Waiting, st.Status)
	assert.Empty(t, st.SelfID)
	assert.Equal(t, "b-2", st.RemoteID)
	assert.False(t, st.HasMedia)
}

func TestSession_RelayErrorReported(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)

	a.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeError, Code: models.ErrCodeRoomFull, Error: "room r1 is full"})
	w.settle()

	require.Len(t, a.obs.failures, 1)
	assert.ErrorIs(t, a.obs.failures[0], negotiation.ErrRelayRejected)
	assert.Contains(t, a.obs.failures[0].Error(), "ROOM_FULL")
}

func TestSession_MalformedPayloadIgnored(t *testing.T) {
	w := newWire(t)
	a := w.add("a-1", "a@example.com", nil)
	w.join(a, "r1")

	a.session.HandleMessage(models.SignalMessage{Type: models.SignalTypeIncomingCall, From: "x", Offer: []byte(`"nope"`)})
	w.settle()
	assert.Equal(t, negotiation.Waiting, a.state(t).Status)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to negotiation.CallStatus
		want     bool
	}{
		{negotiation.Waiting, negotiation.RingingOut, true},
		{negotiation.Waiting, negotiation.RingingIn, true},
		{negotiation.Waiting, negotiation.Connected, false},
		{negotiation.RingingOut, negotiation.Connected, true},
		{negotiation.RingingOut, negotiation.RingingIn, true},
		{negotiation.RingingIn, negotiation.RingingOut, false},
		{negotiation.RingingIn, negotiation.Connected, true},
		{negotiation.Connected, negotiation.RingingOut, false},
		{negotiation.Connected, negotiation.Waiting, true},
		{negotiation.RingingIn, negotiation.Waiting, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, negotiation.CanTransition(tt.from, tt.to))
		})
	}
}
