package peer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/callrelay/internal/negotiation"
)

// Source produces local tracks fed by WriteSample instead of a capture
// device. A headless participant has no camera or microphone.
type Source struct{}

func NewSource() *Source { return &Source{} }

// Acquire creates one opus audio and one VP8 video track in a new stream.
func (s *Source) Acquire(ctx context.Context) (negotiation.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()

	audio, err := newTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		negotiation.KindAudio, streamID)
	if err != nil {
		return nil, err
	}
	video, err := newTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		negotiation.KindVideo, streamID)
	if err != nil {
		return nil, err
	}
	return &Stream{id: streamID, tracks: []*Track{audio, video}}, nil
}

// Stream is a set of local tracks sharing a stream id.
type Stream struct {
	id     string
	tracks []*Track
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []negotiation.Track {
	out := make([]negotiation.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Track is a local sample track with an enabled flag.
type Track struct {
	sample  *webrtc.TrackLocalStaticSample
	kind    negotiation.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(c webrtc.RTPCodecCapability, kind negotiation.TrackKind, streamID string) (*Track, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(c, fmt.Sprintf("%s-%s", kind, uuid.NewString()), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{sample: sample, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                  { return t.sample.ID() }
func (t *Track) Kind() negotiation.TrackKind { return t.kind }
func (t *Track) Enabled() bool               { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *Track) Stop()                       { t.stopped.Store(true) }
func (t *Track) Stopped() bool               { return t.stopped.Load() }

// WriteSample sends one media sample. Disabled or stopped tracks drop it.
func (t *Track) WriteSample(data []byte, d time.Duration) error {
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}
	return t.sample.WriteSample(media.Sample{Data: data, Duration: d})
}
