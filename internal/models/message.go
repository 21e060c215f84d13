package models

import (
	"encoding/json"
	"fmt"
)

// SignalType names a signaling message on the wire.
type SignalType string

const (
	SignalTypeJoin         SignalType = "room:join"
	SignalTypeUserJoined   SignalType = "user:joined"
	SignalTypeCall         SignalType = "user:call"
	SignalTypeIncomingCall SignalType = "incomming:call"
	SignalTypeCallAccepted SignalType = "call:accepted"
	SignalTypeNegoNeeded   SignalType = "peer:nego:needed"
	SignalTypeNegoDone     SignalType = "peer:nego:done"
	SignalTypeNegoFinal    SignalType = "peer:nego:final"
	SignalTypeCandidate    SignalType = "ice:candidate"
	SignalTypeHangup       SignalType = "call:end"
	SignalTypeCallEnded    SignalType = "call:ended"
	SignalTypeUserLeft     SignalType = "user:left"
	SignalTypeSearch       SignalType = "match:search"
	SignalTypePairing      SignalType = "pairing:start"
	SignalTypeError        SignalType = "error"
)

// Addressed reports whether messages of this type carry a "to" connection
// and are forwarded point to point.
func (t SignalType) Addressed() bool {
	switch t {
	case SignalTypeCall, SignalTypeCallAccepted, SignalTypeNegoNeeded, SignalTypeNegoDone, SignalTypeCandidate,
		SignalTypeHangup:
		return true
	}
	return false
}

// HasPayload reports whether messages of this type carry an opaque body.
func (t SignalType) HasPayload() bool {
	return t.Addressed() && t != SignalTypeHangup
}

// Outbound is the name a forwarded message carries when delivered to its target.
func (t SignalType) Outbound() SignalType {
	switch t {
	case SignalTypeCall:
		return SignalTypeIncomingCall
	case SignalTypeNegoDone:
		return SignalTypeNegoFinal
	case SignalTypeHangup:
		return SignalTypeCallEnded
	}
	return t
}

// ErrorCode classifies an error message sent back to a client.
type ErrorCode string

const (
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrCodeRoomFull       ErrorCode = "ROOM_FULL"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
)

// SignalMessage is the single envelope for every signaling message. Which
// fields are set depends on Type; payloads stay opaque to the relay.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	ID        string          `json:"id,omitempty"`
	Email     string          `json:"email,omitempty"`
	Room      string          `json:"room,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"ans,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Payload returns the opaque body an addressed message must carry.
func (m SignalMessage) Payload() json.RawMessage {
	switch m.Type {
	case SignalTypeCall, SignalTypeIncomingCall, SignalTypeNegoNeeded:
		return m.Offer
	case SignalTypeCallAccepted, SignalTypeNegoDone, SignalTypeNegoFinal:
		return m.Answer
	case SignalTypeCandidate:
		return m.Candidate
	}
	return nil
}

// SessionDescription is an offer or answer as exchanged by browsers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled connectivity candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Encode marshals v into a raw payload.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// NewAddressed builds a message of type t for connection to, with v encoded
// into the payload field t uses.
func NewAddressed(t SignalType, to string, v any) (SignalMessage, error) {
	raw, err := Encode(v)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("%s: %w", t, err)
	}
	msg := SignalMessage{Type: t, To: to}
	switch t {
	case SignalTypeCall, SignalTypeIncomingCall, SignalTypeNegoNeeded:
		msg.Offer = raw
	case SignalTypeCallAccepted, SignalTypeNegoDone, SignalTypeNegoFinal:
		msg.Answer = raw
	case SignalTypeCandidate:
		msg.Candidate = raw
	default:
		return SignalMessage{}, fmt.Errorf("%s carries no payload", t)
	}
	return msg, nil
}
