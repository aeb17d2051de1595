package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/athanor-ai/athanor"
)

// observerCommand is one client frame on the observer socket. The socket is
// read-mostly: the only accepted commands are approval verdicts and pings.
type observerCommand struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// handleObserverWS relays the user's tool lifecycle topic to the client:
// tool_start, tool_complete, tool_error, approval_needed, and input_needed
// events from every conversation the user is running. The first frame is
// always a connection hello carrying the user id.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	wc, user, ok := s.authUpgrade(w, r)
	if !ok {
		return
	}
	defer wc.conn.Close()

	if err := wc.writeJSON(athanor.StreamEvent{Type: athanor.EventConnection, UserID: user.ID}); err != nil {
		return
	}

	busSub := s.bus.Subscribe(athanor.VillageTopic(user.ID))
	defer s.bus.Unsubscribe(busSub)

	// The read loop exists to observe disconnects and to accept approval
	// verdicts without a second HTTP round trip.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			var cmd observerCommand
			if err := wc.conn.ReadJSON(&cmd); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("observer socket read failed", "user", user.ID, "error", err)
				}
				return
			}
			switch cmd.Type {
			case "resolve":
				s.resolveApproval(user.ID, cmd.CallID, cmd.Approved)
			case "ping":
				_ = wc.writeJSON(map[string]string{"type": "pong"})
			}
		}
	}()

	for {
		select {
		case ev, open := <-busSub.Events():
			if !open {
				return
			}
			if err := wc.writeJSON(ev); err != nil {
				return
			}
			if ev.Type == athanor.EventLagged {
				return
			}
		case <-readDone:
			return
		}
	}
}
