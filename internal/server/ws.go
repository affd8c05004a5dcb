package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is token-authenticated; origin enforcement belongs to a
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProgressWS streams progress events for one job (?job_id=...) or
// every job (?job_id=*) over a websocket.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request, p types.Principal) error {
	if p.IsAnonymous() {
		return apperr.New(apperr.Unauthorized, "progress_unauthorized", "progress feed requires authentication")
	}
	topic := r.URL.Query().Get("job_id")
	if topic == "" {
		topic = progress.AllJobs
	}
	if topic == progress.AllJobs && !p.IsAdmin() {
		return apperr.New(apperr.Forbidden, "progress_forbidden", "the all-jobs feed requires the admin role")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}
	sub := s.broadcaster.Subscribe(topic)

	go s.wsRead(conn, sub)
	s.wsWrite(conn, sub)
	return nil
}

// wsRead drains client frames; any read error means the peer went away.
func (s *Server) wsRead(conn *websocket.Conn, sub *progress.Subscription) {
	defer sub.Close()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWrite pumps events until the subscription closes or a write fails.
func (s *Server) wsWrite(conn *websocket.Conn, sub *progress.Subscription) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
