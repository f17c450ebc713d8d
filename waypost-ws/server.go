package waypostws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/waypost-live/waypost-go/presence"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSlowConsumer       = errors.New("send queue full")
)

const (
	DefaultSendQueue  = 16
	DefaultPingPeriod = 54 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
	claimAttempts  = 3
)

// PingPeriodFor returns the ping period that keeps an idle but healthy
// client inside threshold: at most half of it, never more than
// DefaultPingPeriod.
func PingPeriodFor(threshold time.Duration) time.Duration {
	if threshold <= 0 || threshold/2 >= DefaultPingPeriod {
		return DefaultPingPeriod
	}
	return threshold / 2
}

// ConnectionHandler is the part of Handler the Server drives.
type ConnectionHandler interface {
	HandleConnect(ctx context.Context, id presence.ConnectionID) error
	HandleMessage(ctx context.Context, id presence.ConnectionID, data []byte)
	HandleHeartbeat(ctx context.Context, id presence.ConnectionID)
	HandleClose(ctx context.Context, id presence.ConnectionID, reason string)
}

// Server upgrades HTTP requests to WebSocket connections and implements
// Transport over them.
type Server struct {
	Handler    ConnectionHandler
	Logger     zerolog.Logger
	SendQueue  int           // per-connection outbound queue length (default 16)
	PingPeriod time.Duration // default DefaultPingPeriod; see PingPeriodFor

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[presence.ConnectionID]*conn
}

type conn struct {
	id        presence.ConnectionID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewServer returns a Server accepting the given origins. "*" accepts any
// origin; requests without an Origin header are always accepted.
func NewServer(logger zerolog.Logger, sendQueue int, allowedOrigins ...string) *Server {
	if sendQueue <= 0 {
		sendQueue = DefaultSendQueue
	}
	s := &Server{
		Logger:     logger,
		SendQueue:  sendQueue,
		PingPeriod: DefaultPingPeriod,
		conns:      make(map[presence.ConnectionID]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return s
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, req.Host)
		}
		return false
	}
}

// ServeHTTP upgrades the request. A client may reclaim an earlier id with
// ?id=; otherwise a new one is assigned and sent back in connection-ack. A
// socket still open under the reclaimed id is closed and its close handled
// before the new socket registers.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := presence.ConnectionID(strings.TrimSpace(req.URL.Query().Get("id")))
	if id == "" {
		id = presence.ConnectionID(uuid.NewString())
	}

	c := &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, s.SendQueue),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: s.Logger.With().Str("connection_id", string(id)).Logger(),
	}

	if !s.claim(c) {
		c.logger.Warn().Msg("rejecting connection id still in use")
		s.reject(ws, "connection id already in use")
		return
	}
	defer close(c.exited)

	ctx := c.logger.WithContext(context.Background())
	go s.writePump(c)

	if err := s.Handler.HandleConnect(ctx, id); err != nil {
		c.logger.Warn().Err(err).Msg("failed to register connection")
		s.remove(c)
		c.close()
		return
	}

	s.readPump(ctx, c)
}

// Send queues data for id without blocking. A full queue drops data.
func (s *Server) Send(_ context.Context, id presence.ConnectionID, data []byte) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %v: %w", id, ErrConnectionNotFound)
	}

	select {
	case <-c.done:
		return fmt.Errorf("send to %v: %w", id, ErrConnectionNotFound)
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send to %v: %w", id, ErrSlowConsumer)
	}
}

// Close asks the connection for id to shut down. The read loop reports the
// close to the Handler asynchronously.
func (s *Server) Close(id presence.ConnectionID) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("close %v: %w", id, ErrConnectionNotFound)
	}
	c.close()
	return nil
}

func (s *Server) Connected() []presence.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]presence.ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conns {
		c.close()
	}
}

// claim adds c to the connection table, first closing any socket that
// holds the same id and waiting for its read loop to finish.
func (s *Server) claim(c *conn) bool {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		previous := s.add(c)
		if previous == nil {
			return true
		}

		c.logger.Info().Msg("taking over connection id from previous socket")
		previous.close()
		select {
		case <-previous.exited:
		case <-time.After(writeWait):
			return false
		}
	}
	return false
}

// add stores c unless the id is taken, in which case it returns the holder.
func (s *Server) add(c *conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.conns[c.id]; ok {
		return previous
	}
	s.conns[c.id] = c
	return nil
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
}

func (s *Server) reject(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (s *Server) readPump(ctx context.Context, c *conn) {
	reason := "client closed"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("recovered from panic in read loop")
			reason = "internal error"
		}
		s.Handler.HandleClose(ctx, c.id, reason)
		s.remove(c)
		c.close()
	}()

	pongWait := s.pongWait()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		s.Handler.HandleHeartbeat(ctx, c.id)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				reason = "server closed"
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Debug().Err(err).Msg("unexpected close")
				}
				reason = err.Error()
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.Handler.HandleMessage(ctx, c.id, data)
	}
}

func (s *Server) pingPeriod() time.Duration {
	if s.PingPeriod > 0 {
		return s.PingPeriod
	}
	return DefaultPingPeriod
}

// pongWait is how long a read may block before the peer counts as gone.
func (s *Server) pongWait() time.Duration {
	return s.pingPeriod() * 10 / 9
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
