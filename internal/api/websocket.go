package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"perp-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents is the set of bus events forwarded to websocket clients.
var streamedEvents = []events.Event{
	events.EventOrderAccepted,
	events.EventOrderFilled,
	events.EventOrderCancelled,
	events.EventOrderRejected,
	events.EventPositionUpdate,
	events.EventPositionClosed,
	events.EventDiscrepancy,
	events.EventCriticalDiscrep,
}

type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	done := c.Request.Context().Done()
	merged := make(chan wsMessage, 256)
	for _, e := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(e, 100)
		defer unsub()
		go func(name events.Event, stream <-chan any) {
			for {
				select {
				case <-done:
					return
				case payload, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- wsMessage{Event: string(name), Data: payload}:
					case <-done:
						return
					}
				}
			}
		}(e, stream)
	}

	for {
		select {
		case <-done:
			return
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
