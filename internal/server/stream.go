package server

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmarket/onechat/internal/events"
)

// Build WebSocket upgrader with origin validation. In production
// (ONECHAT_ENV=production), only origins listed in
// ONECHAT_ALLOWED_ORIGINS are accepted. In dev, all origins pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	sendBuffer = 64               // Per-client outbound channel buffer
)

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("ONECHAT_ENV")
	allowedRaw := os.Getenv("ONECHAT_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}

	return func(r *http.Request) bool {
		return true
	}
}

// sessionStream is one connected transcript subscriber. All writes go
// through the send channel into writePump, so ping frames and event
// frames never race on the connection.
type sessionStream struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (st *sessionStream) close() {
	st.once.Do(func() {
		close(st.done)
		st.conn.Close()
	})
}

func (st *sessionStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		st.close()
	}()

	for {
		select {
		case message, ok := <-st.send:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				st.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := st.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-st.done:
			return
		}
	}
}

// readPump drains the connection. The feed is one-way; reads exist to
// process pongs and notice the client going away.
func (st *sessionStream) readPump() {
	defer st.close()

	st.conn.SetReadLimit(1024)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		st.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleSessionStream feeds one session's transcript over WebSocket:
// the existing messages first, then chat events as they happen.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	st := &sessionStream{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	ch := s.events.Subscribe(events.TypeChatMessage)
	s.metrics.StreamClients.Inc()
	defer func() {
		s.events.Unsubscribe(ch)
		s.metrics.StreamClients.Dec()
	}()

	go st.writePump()
	go st.readPump()

	// Replay what the session already holds so late joiners see the
	// whole conversation.
	if transcript, ok := s.sessions.Get(sessionID); ok {
		for _, msg := range transcript.Messages() {
			ev := events.NewCloudEvent(events.TypeChatMessage, "/ws/sessions", sessionID, map[string]interface{}{
				"messageId": msg.ID,
				"role":      string(msg.Role),
				"content":   msg.Content,
			})
			if raw, err := ev.JSON(); err == nil {
				select {
				case st.send <- raw:
				case <-st.done:
					return
				}
			}
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				st.close()
				return
			}
			if ev.Subject != sessionID {
				continue
			}
			raw, err := ev.JSON()
			if err != nil {
				continue
			}
			select {
			case st.send <- raw:
			default:
				// Slow client, drop the frame.
			}

		case <-st.done:
			return
		}
	}
}
