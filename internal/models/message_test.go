package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalType_Outbound(t *testing.T) {
	tests := []struct {
		in   SignalType
		want SignalType
	}{
		{SignalTypeCall, SignalTypeIncomingCall},
		{SignalTypeNegoDone, SignalTypeNegoFinal},
		{SignalTypeCallAccepted, SignalTypeCallAccepted},
		{SignalTypeNegoNeeded, SignalTypeNegoNeeded},
		{SignalTypeCandidate, SignalTypeCandidate},
		{SignalTypeHangup, SignalTypeCallEnded},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Outbound())
			assert.True(t, tt.in.Addressed())
		})
	}

	assert.False(t, SignalTypeJoin.Addressed())
	assert.False(t, SignalTypeUserLeft.Addressed())
	assert.False(t, SignalTypeSearch.Addressed())
	assert.False(t, SignalTypeCallEnded.Addressed())

	assert.True(t, SignalTypeCandidate.HasPayload())
	assert.False(t, SignalTypeHangup.HasPayload())
}

func TestSignalMessage_WireNames(t *testing.T) {
	raw := []byte(`{"type":"call:accepted","to":"b","ans":{"type":"answer","sdp":"v=0"}}`)

	var msg SignalMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	assert.Equal(t, SignalTypeCallAccepted, msg.Type)
	assert.Equal(t, "b", msg.To)

	var desc SessionDescription
	require.NoError(t, json.Unmarshal(msg.Payload(), &desc))
	assert.Equal(t, SessionDescription{Type: "answer", SDP: "v=0"}, desc)
}

func TestSignalMessage_PayloadMissing(t *testing.T) {
	msg := SignalMessage{Type: SignalTypeCandidate, To: "b"}
	assert.Empty(t, msg.Payload())
}

func TestNewAddressed(t *testing.T) {
	msg, err := NewAddressed(SignalTypeNegoDone, "a", SessionDescription{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	assert.Equal(t, "a", msg.To)
	assert.Empty(t, msg.Offer)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(msg.Payload()))

	msg, err = NewAddressed(SignalTypeCandidate, "a", ICECandidate{Candidate: "candidate:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(msg.Candidate))
}

func TestNewAddressed_Errors(t *testing.T) {
	_, err := NewAddressed(SignalTypeCall, "b", make(chan int))
	var unsupported *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &unsupported)

	_, err = NewAddressed(SignalTypeHangup, "b", struct{}{})
	assert.Error(t, err)

	_, err = Encode(func() {})
	assert.Error(t, err)
}
