// Package relay carries the cross-context change signal between tabs
// whose storage backend has no native change notification. A small
// websocket hub broadcasts each published key change to every connected
// tab except the writer, matching the platform contract that a context
// never observes its own write as a change event.
package relay

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tabpulse/tabpulse/pkg/logger"
)

// message is one key-change announcement on the wire.
type message struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// sendBuffer bounds the per-connection outbound queue; a consumer that
// falls further behind loses events, which the eventually-consistent
// store reads absorb.
const sendBuffer = 64

// Server is the relay hub. It implements http.Handler: every request is
// upgraded to a websocket session.
type Server struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]bool
	closed   bool
}

type session struct {
	conn *websocket.Conn
	send chan message
}

// NewServer creates a relay hub.
func NewServer(log *logger.Logger) *Server {
	return &Server{
		log: log.WithComponent("relay-server"),
		upgrader: websocket.Upgrader{
			// Tabs of any origin of the deployment may connect; the relay
			// carries opaque key changes, not authority.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]bool),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", err, "remote_addr", r.RemoteAddr)
		return
	}

	sess := &session{
		conn: conn,
		send: make(chan message, sendBuffer),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = true
	s.mu.Unlock()

	s.log.Debug("tab connected", "remote_addr", r.RemoteAddr)

	go s.writeLoop(sess)
	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	close(sess.send)
	conn.Close()

	s.log.Debug("tab disconnected", "remote_addr", r.RemoteAddr)
}

func (s *Server) readLoop(sess *session) {
	for {
		var msg message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Error("error reading message", err)
			}
			return
		}
		s.log.RelayEvent("broadcast", msg.Key)
		s.broadcast(sess, msg)
	}
}

func (s *Server) writeLoop(sess *session) {
	for msg := range sess.send {
		if err := sess.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// broadcast fans msg out to every session except the sender. A full
// outbound queue drops the event rather than stalling the hub.
func (s *Server) broadcast(from *session, msg message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess == from {
			continue
		}
		select {
		case sess.send <- msg:
		default:
			s.log.Warn("dropping change event for slow consumer", "key", msg.Key)
		}
	}
}

// Close disconnects every session. The server accepts no new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}
