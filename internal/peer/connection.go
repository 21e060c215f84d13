package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiation"
)

var ErrForeignTrack = errors.New("track was not produced by this package")

// Connection wraps a pion PeerConnection.
type Connection struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func newConnection(pc *webrtc.PeerConnection, events negotiation.ConnectivityEvents, log *zap.Logger) *Connection {
	c := &Connection{
		pc:      pc,
		log:     log,
		senders: make(map[string]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || events.OnICECandidate == nil {
			return
		}
		init := cand.ToJSON()
		events.OnICECandidate(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if events.OnTrack != nil {
			events.OnTrack(negotiation.RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     negotiation.TrackKind(track.Kind().String()),
			})
		}
		// Nobody renders media here; keep the jitter buffers empty.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	pc.OnNegotiationNeeded(func() {
		if events.OnNegotiationNeeded != nil {
			events.OnNegotiationNeeded()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", zap.String("state", state.String()))
		if events.OnLinkState == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			events.OnLinkState(negotiation.LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			events.OnLinkState(negotiation.LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			events.OnLinkState(negotiation.LinkFailed)
		case webrtc.PeerConnectionStateConnecting:
			events.OnLinkState(negotiation.LinkConnecting)
		}
	})

	return c
}

// CreateOffer makes an offer and applies it locally. A connection with no
// transceivers yet asks for remote audio and video with receive-only ones;
// an answering connection takes its transceivers from the remote offer.
func (c *Connection) CreateOffer(_ context.Context) (models.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return models.SessionDescription{}, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return fromPion(offer), nil
}

func (c *Connection) CreateAnswer(_ context.Context, offer models.SessionDescription) (models.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(toPion(offer)); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return fromPion(answer), nil
}

func (c *Connection) SetRemoteDescription(_ context.Context, answer models.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(toPion(answer)); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *Connection) Rollback() error {
	if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (c *Connection) AddICECandidate(cand models.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

// AttachTrack adds a sender for track. A track already attached, by id or by
// an existing sender carrying it, is left alone.
func (c *Connection) AttachTrack(_ negotiation.MediaStream, track negotiation.Track) (bool, error) {
	local, ok := track.(*Track)
	if !ok {
		return false, fmt.Errorf("%w: %T", ErrForeignTrack, track)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[track.ID()]; ok {
		return false, nil
	}
	for _, s := range c.pc.GetSenders() {
		if t := s.Track(); t != nil && t.ID() == track.ID() {
			c.senders[track.ID()] = s
			return false, nil
		}
	}

	sender, err := c.pc.AddTrack(local.sample)
	if err != nil {
		return false, fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	c.senders[track.ID()] = sender

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return true, nil
}

func (c *Connection) Stable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

func (c *Connection) Close() error {
	return c.pc.Close()
}

// Senders returns how many senders carry a track.
func (c *Connection) Senders() int {
	n := 0
	for _, s := range c.pc.GetSenders() {
		if s.Track() != nil {
			n++
		}
	}
	return n
}

func toPion(d models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPion(d webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}
