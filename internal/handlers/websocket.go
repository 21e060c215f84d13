package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/registry"
	"github.com/mossy-p/callrelay/internal/relay"
)

// Signaling upgrades HTTP requests to signaling connections and pumps their
// messages through the relay.
type Signaling struct {
	relay    *relay.Relay
	cfg      config.WebSocketConfig
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewSignaling(r *relay.Relay, cfg config.WebSocketConfig, m *metrics.Metrics, log *zap.Logger) *Signaling {
	return &Signaling{
		relay:   r,
		cfg:     cfg,
		metrics: m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// Client is one signaling connection. It implements registry.Endpoint.
type Client struct {
	ID   string
	Conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues data for the write pump without blocking.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close asks the write pump to close the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Handle serves GET /ws/signal.
func (s *Signaling) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	s.relay.Connect(client.ID, client)
	s.log.Info("peer connected", zap.String("conn", client.ID), zap.String("remote", c.Request.RemoteAddr))

	go s.writePump(client)
	s.readPump(client)
}

func (s *Signaling) readPump(c *Client) {
	defer func() {
		s.relay.Disconnect(c.ID)
		c.Close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(s.cfg.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			s.metrics.Dropped(metrics.DropRateLimited)
			s.log.Warn("signaling rate exceeded, closing", zap.String("conn", c.ID))
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(models.ErrCodeRateLimited)),
				time.Now().Add(s.cfg.WriteWait))
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.Dropped(metrics.DropInvalid)
			s.reject(c, models.ErrCodeInvalidMessage, "malformed message")
			continue
		}

		if err := s.relay.Relay(c.ID, msg); err != nil {
			s.log.Debug("message rejected",
				zap.String("conn", c.ID),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
			s.reject(c, errorCode(err), err.Error())
		}
	}
}

func (s *Signaling) writePump(c *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("failed to write message", zap.String("conn", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Signaling) reject(c *Client, code models.ErrorCode, reason string) {
	data, err := json.Marshal(models.SignalMessage{
		Type:  models.SignalTypeError,
		Code:  code,
		Error: reason,
	})
	if err != nil {
		return
	}
	if !c.Send(data) {
		s.metrics.Dropped(metrics.DropBufferFull)
	}
}

func errorCode(err error) models.ErrorCode {
	if errors.Is(err, registry.ErrRoomFull) {
		return models.ErrCodeRoomFull
	}
	return models.ErrCodeInvalidMessage
}
