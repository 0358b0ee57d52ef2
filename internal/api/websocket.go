package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rtxbridge/internal/httpapi"
	"rtxbridge/internal/live"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsEvent is the JSON frame written for each notification.
type wsEvent struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
	Flag string    `json:"flag,omitempty"`
}

// handleStream upgrades to a websocket and streams hub notifications.
// Query parameters: flags (comma separated) selects flagged notifications,
// replay=true sends retained history first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !httpapi.Authorized(r, s.cfg.Auth) {
		w.Header().Set("WWW-Authenticate", `Basic realm="rtxbridge"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var flags []string
	if v := r.URL.Query().Get("flags"); v != "" {
		flags = strings.Split(v, ",")
	}
	replay, _ := strconv.ParseBool(r.URL.Query().Get("replay"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := live.FlagFilter(flags)
	subID, ch := s.hub.Subscribe(4096, filter)
	defer s.hub.Unsubscribe(subID)
	s.log.Info("websocket client subscribed", "subID", subID, "remote", r.RemoteAddr, "flags", flags)

	// Reader goroutine: consumes control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(evt live.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsEvent{Seq: evt.Seq, Time: evt.Time, Text: evt.Text, Flag: evt.Flag})
	}

	var last uint64
	if replay {
		for _, evt := range s.hub.History() {
			if !filter(evt.Flag) {
				continue
			}
			if err := write(evt); err != nil {
				return
			}
			last = evt.Seq
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			s.log.Info("websocket client disconnected", "subID", subID)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= last {
				continue
			}
			if err := write(evt); err != nil {
				s.log.Warn("websocket write failed", "subID", subID, "error", err)
				return
			}
		}
	}
}
