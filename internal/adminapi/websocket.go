package adminapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket upgrades the request and streams session-lifecycle
// events to the client until it disconnects. The feed is one-way: admin
// clients never send anything meaningful back, so there is no read loop
// driving state the way the teacher's hello/inbound handshake does —
// only a read goroutine to notice the socket close.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.Events == nil {
		return nil
	}
	sub := s.Events.Subscribe(32)
	defer s.Events.Unsubscribe(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[adminapi] ws write error: %v", err)
				return nil
			}
		case <-closed:
			return nil
		}
	}
}
