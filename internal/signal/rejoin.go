package signal

import (
	"errors"
	"sync"

	"github.com/mossy-p/callrelay/internal/models"
)

// rejoiner remembers the last room join, or a pending matchmaking search, so
// it can be replayed on a new connection. An interrupted call is not resumed.
//
// Every method holds one lock across its send, so a join racing a fresh
// connection is sent exactly once.
type rejoiner struct {
	mu    sync.Mutex
	email string
	room  string
	// searching is set between a search and the pairing that ends it.
	searching bool
}

// join records the pair and sends it if a connection is up.
func (r *rejoiner) join(email, room string, send func(models.SignalMessage) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(email, room, send)
}

func (r *rejoiner) joinLocked(email, room string, send func(models.SignalMessage) error) error {
	r.email, r.room, r.searching = email, room, false
	return deferred(send(joinMessage(email, room)))
}

// search records a matchmaking request and sends it if a connection is up.
func (r *rejoiner) search(email string, send func(models.SignalMessage) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.email, r.room, r.searching = email, "", true
	return deferred(send(searchMessage(email)))
}

// paired joins the room the relay picked for a pending search.
func (r *rejoiner) paired(room string, send func(models.SignalMessage) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.searching || room == "" {
		return nil
	}
	return r.joinLocked(r.email, room, send)
}

// attach installs a new connection and replays the remembered join or search
// on it.
func (r *rejoiner) attach(install func(), send func(models.SignalMessage) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	install()
	switch {
	case r.room != "":
		return send(joinMessage(r.email, r.room))
	case r.searching:
		return send(searchMessage(r.email))
	}
	return nil
}

// deferred treats a missing connection as success: attach sends later.
func deferred(err error) error {
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func joinMessage(email, room string) models.SignalMessage {
	return models.SignalMessage{Type: models.SignalTypeJoin, Email: email, Room: room}
}

func searchMessage(email string) models.SignalMessage {
	return models.SignalMessage{Type: models.SignalTypeSearch, Email: email}
}
