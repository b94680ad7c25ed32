package api

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

type feedFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// handleFeed streams toast alerts and unread-count updates to one UI
// consumer. The durable inbox is not streamed; consumers read it over REST
// and only the ephemeral layer rides the socket.
func (s *Server) handleFeed(conn *websocket.Conn) {
	sess, ok := conn.Locals("session").(*Session)
	if !ok {
		_ = conn.Close()
		return
	}
	alerts, detach := sess.Center.SubscribeAlerts()
	defer detach()
	defer conn.Close()

	// reader only notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	write := func(f feedFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(f) == nil
	}
	if !write(feedFrame{Event: "unread_count", Data: map[string]int{"count": sess.Center.UnreadCount()}}) {
		return
	}

	for {
		select {
		case <-closed:
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			if !write(feedFrame{Event: "alert", Data: a}) {
				return
			}
			if !write(feedFrame{Event: "unread_count", Data: map[string]int{"count": sess.Center.UnreadCount()}}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
