package negotiation

import "github.com/mossy-p/callrelay/internal/models"

type event interface{}

type (
	evMessage   struct{ msg models.SignalMessage }
	evReconnect struct{}
	evSnapshot  struct{ reply chan State }

	cmdCall    struct{}
	cmdAccept  struct{}
	cmdDecline struct{}
	cmdHangup  struct{}
	cmdLeave   struct{}
	cmdReset   struct{}
	cmdToggle  struct{ kind TrackKind }
)

// connEvent is raised by a connectivity object. gen identifies which one.
type connEvent struct {
	gen               uint64
	candidate         *models.ICECandidate
	track             *RemoteTrack
	negotiationNeeded bool
	link              *LinkState
}
