package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"radiochat/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound messages queued per connection before it is considered slow.
	sendBufferSize = 256
)

// ConnConfig holds per-connection limits.
type ConnConfig struct {
	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64
	// RateBurst frames may be sent at once; the bucket refills completely
	// every RateInterval.
	RateBurst    int
	RateInterval time.Duration
}

// Conn is a websocket connection with a read pump feeding a Router and a
// write pump draining a bounded send queue. It implements Peer.
type Conn struct {
	id      string
	addr    string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	cfg     ConnConfig

	mu     sync.Mutex
	closed bool
}

var _ Peer = (*Conn)(nil)

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn, addr string, cfg ConnConfig) *Conn {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = time.Second
	}

	every := rate.Limit(float64(cfg.RateBurst) / cfg.RateInterval.Seconds())

	return &Conn{
		id:      uuid.NewString(),
		addr:    addr,
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(every, cfg.RateBurst),
		cfg:     cfg,
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Send queues msg for the write pump.
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrPeerClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting messages. The write pump flushes what is queued,
// sends a close frame and closes the socket.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Run serves the connection until it closes or ctx is cancelled. Frames are
// handed to r one at a time in arrival order.
func (c *Conn) Run(ctx context.Context, r *Router) {
	metrics.WebSocketConnectionsTotal.Inc()
	log.Debug().Str("peer", c.id).Str("addr", c.addr).Msg("chat: connection opened")

	done := make(chan struct{})
	defer close(done)

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	sess := r.Open(c)
	defer func() {
		r.Closed(sess)
		c.Close()
		log.Debug().Str("peer", c.id).Str("addr", c.addr).Msg("chat: connection closed")
	}()

	c.readPump(ctx, r, sess)
}

func (c *Conn) readPump(ctx context.Context, r *Router, sess *Session) {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn().Err(err).Str("peer", c.id).Msg("chat: failed to set read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.Allow() {
			metrics.FramesTotal.WithLabelValues("any", "rate_limited").Inc()
			log.Warn().
				Str("peer", c.id).
				Str("addr", c.addr).
				Int("burst", c.cfg.RateBurst).
				Dur("interval", c.cfg.RateInterval).
				Msg("chat: rate limit exceeded, discarding frame")
			continue
		}

		r.Handle(ctx, sess, data)
	}
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Str("peer", c.id).Int64("limit", c.cfg.MaxMessageSize).Msg("chat: frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug().Str("peer", c.id).Msg("chat: client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug().Str("peer", c.id).Err(err).Msg("chat: connection closed")
	default:
		log.Warn().Str("peer", c.id).Err(err).Msg("chat: read error")
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			log.Debug().Err(err).Str("peer", c.id).Msg("chat: error closing socket")
		}
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("peer", c.id).Msg("chat: write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
