package negotiationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/callrelay/internal/negotiation"
)

// Media is a fake negotiation.MediaSource producing one audio and one video
// track per acquisition.
type Media struct {
	mu      sync.Mutex
	streams []*Stream

	// Err fails Acquire when set.
	Err error
	// Prefix distinguishes track ids of different participants.
	Prefix string
}

func (m *Media) Acquire(ctx context.Context) (negotiation.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	n := len(m.streams) + 1
	s := &Stream{
		id: fmt.Sprintf("%sstream-%d", m.Prefix, n),
		tracks: []*Track{
			NewTrack(fmt.Sprintf("%saudio-%d", m.Prefix, n), negotiation.KindAudio),
			NewTrack(fmt.Sprintf("%svideo-%d", m.Prefix, n), negotiation.KindVideo),
		},
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Acquired returns every stream handed out, oldest first.
func (m *Media) Acquired() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}

// Stream is a fake negotiation.MediaStream.
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

// Stopped reports whether every track of the stream was stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// Track is a fake negotiation.Track.
type Track struct {
	mu      sync.Mutex
	id      string
	kind    negotiation.TrackKind
	enabled bool
	stopped bool
}

func NewTrack(id string, kind negotiation.TrackKind) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                  { return t.id }
func (t *Track) Kind() negotiation.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
