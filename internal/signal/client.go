// Package signal is the participant side of the relay WebSocket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/models"
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrClosed       = errors.New("signaling client closed")
)

// Handler receives what the relay sends.
type Handler interface {
	HandleMessage(msg models.SignalMessage)
	// HandleReconnect runs after a dropped connection was re-established,
	// before any message of the new connection is delivered.
	HandleReconnect()
}

// Options tune the client. Zero values take defaults.
type Options struct {
	PingInterval time.Duration
	WriteWait    time.Duration
	// NewBackOff builds the redial policy for one outage.
	NewBackOff func() backoff.BackOff
}

// Client keeps one WebSocket to the relay alive and rejoins the last room
// after every reconnect.
type Client struct {
	url     string
	handler Handler
	log     *zap.Logger
	opts    Options
	dialer  *websocket.Dialer
	rejoin  rejoiner

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(url string, handler Handler, opts Options, log *zap.Logger) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Client{
		url:     url,
		handler: handler,
		log:     log,
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:    make(chan struct{}),
	}
}

// Run dials the relay and serves the connection, redialing with backoff
// whenever it drops. It returns nil after Close, or ctx's error.
func (c *Client) Run(ctx context.Context) error {
	b := c.opts.NewBackOff()
	connected := false

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() {
				return nil
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("dial %s: %w", c.url, err)
			}
			c.log.Warn("dial relay failed", zap.Error(err), zap.Duration("retry", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			}
		}
		b.Reset()

		if connected {
			c.log.Info("reconnected to relay")
			c.handler.HandleReconnect()
		} else {
			c.log.Info("connected to relay", zap.String("url", c.url))
		}
		connected = true

		if err := c.rejoin.attach(func() { c.setConn(conn) }, c.Send); err != nil {
			c.log.Warn("rejoin room", zap.Error(err))
		}

		err = c.serve(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("relay connection lost: %w", err)
		}
		// Give the relay time to notice the old socket is gone, or the
		// rejoin can find the room still full.
		c.log.Warn("relay connection lost", zap.Error(err), zap.Duration("retry", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

// Join enters room as email and remembers both for later reconnects. When
// not connected yet, the join is sent as soon as the connection is up.
func (c *Client) Join(email, room string) error {
	return c.rejoin.join(email, room, c.Send)
}

// Search asks the relay to pair email with another searching participant.
// The client joins the room from the relay's pairing:start on its own.
func (c *Client) Search(email string) error {
	return c.rejoin.search(email, c.Send)
}

// Send writes one message to the relay.
func (c *Client) Send(msg models.SignalMessage) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close stops redialing and closes the connection. The relay reports the
// departure to the rest of the room.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		c.writeMu.Unlock()
		conn.Close()
	})
	return nil
}

// serve reads until the connection fails. The ping loop and the shutdown
// watcher end with it.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(conn, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-stop:
			return
		}
		conn.Close()
	}()
	defer func() {
		close(stop)
		conn.Close()
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("malformed relay message", zap.Error(err))
			continue
		}
		if msg.Type == models.SignalTypePairing {
			c.log.Info("paired", zap.String("room", msg.Room))
			if err := c.rejoin.paired(msg.Room, c.Send); err != nil {
				c.log.Warn("join paired room", zap.Error(err))
			}
		}
		c.handler.HandleMessage(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
