package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/athanor-ai/athanor"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// authUpgrade upgrades the connection and authenticates the token query
// parameter. A failed authentication closes with policy code 1008.
func (s *Server) authUpgrade(w http.ResponseWriter, r *http.Request) (*wsConn, athanor.User, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil, athanor.User{}, false
	}
	user, err := s.auth(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return nil, athanor.User{}, false
	}
	return &wsConn{conn: conn}, user, true
}

// councilCommand is one client frame on the council socket.
type councilCommand struct {
	Type      string   `json:"type"`
	Topic     string   `json:"topic,omitempty"`
	Agents    []string `json:"agents,omitempty"`
	MaxRounds int      `json:"max_rounds,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     bool     `json:"tools,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// handleCouncilWS drives one deliberation session per socket. Session
// progress events relay from the session's bus topic; commands flow in the
// other direction.
func (s *Server) handleCouncilWS(w http.ResponseWriter, r *http.Request) {
	wc, user, ok := s.authUpgrade(w, r)
	if !ok {
		return
	}
	defer wc.conn.Close()

	var (
		session *athanor.CouncilSession
		busSub  *athanor.BusSubscriber
		pumped  sync.WaitGroup
	)
	defer func() {
		if session != nil {
			_ = session.Stop()
		}
		if busSub != nil {
			s.bus.Unsubscribe(busSub)
		}
		pumped.Wait()
	}()

	for {
		var cmd councilCommand
		if err := wc.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("council socket read failed", "user", user.ID, "error", err)
			}
			return
		}

		switch cmd.Type {
		case "start":
			if s.council == nil {
				s.sendWSError(wc, athanor.E(athanor.KindInternal, "council is not enabled"))
				continue
			}
			if session != nil && !terminal(session.State()) {
				s.sendWSError(wc, athanor.E(athanor.KindValidationError, "a session is already running on this connection"))
				continue
			}
			if busSub != nil {
				s.bus.Unsubscribe(busSub)
				pumped.Wait()
				busSub = nil
			}
			started, err := s.council.Start(r.Context(), user, athanor.CouncilConfig{
				Topic:     cmd.Topic,
				Agents:    cmd.Agents,
				MaxRounds: cmd.MaxRounds,
				Model:     cmd.Model,
				Tools:     cmd.Tools,
			})
			if err != nil {
				s.sendWSError(wc, err)
				continue
			}
			session = started
			busSub = s.bus.Subscribe(athanor.CouncilTopic(session.ID))
			pumped.Add(1)
			go func(sub *athanor.BusSubscriber) {
				defer pumped.Done()
				for ev := range sub.Events() {
					if err := wc.writeJSON(ev); err != nil {
						return
					}
				}
			}(busSub)
			_ = wc.writeJSON(athanor.StreamEvent{
				Type:      athanor.EventConnection,
				SessionID: session.ID,
				UserID:    user.ID,
			})

		case "pause":
			s.withSession(wc, session, func() error { return session.Pause() })
		case "resume":
			s.withSession(wc, session, func() error { return session.Resume() })
		case "stop":
			s.withSession(wc, session, func() error { return session.Stop() })
		case "butt_in":
			s.withSession(wc, session, func() error { return session.ButtIn(cmd.Text) })
		case "ping":
			_ = wc.writeJSON(map[string]string{"type": "pong"})
		default:
			s.sendWSError(wc, athanor.E(athanor.KindValidationError, "unknown command %q", cmd.Type))
		}
	}
}

func (s *Server) withSession(wc *wsConn, session *athanor.CouncilSession, op func() error) {
	if session == nil {
		s.sendWSError(wc, athanor.E(athanor.KindValidationError, "no session on this connection"))
		return
	}
	if err := op(); err != nil {
		s.sendWSError(wc, err)
	}
}

func (s *Server) sendWSError(wc *wsConn, err error) {
	_ = wc.writeJSON(athanor.ErrorEvent(err))
}

func terminal(st athanor.CouncilState) bool {
	return st == athanor.StateStopped || st == athanor.StateCompleted
}
