package negotiation

import "errors"

var (
	ErrMediaUnavailable  = errors.New("local media unavailable")
	ErrStaleCandidate    = errors.New("ice candidate rejected")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrNoPeer            = errors.New("no remote peer in room")
	ErrRelayRejected     = errors.New("relay rejected message")
	ErrSessionClosed     = errors.New("session closed")
)
