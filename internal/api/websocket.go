package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"arb-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are the bus topics pushed to websocket clients.
var streamedEvents = []events.Event{
	events.EventPremiumSample,
	events.EventOrderTrigger,
	events.EventOrderExpired,
	events.EventTradeOpened,
	events.EventTradeClosed,
	events.EventOrphanLeg,
	events.EventRiskAlert,
}

type wsEnvelope struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Fan every streamed topic into one channel so a single writer owns
	// the connection.
	merged := make(chan wsEnvelope, 200)
	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(streamedEvents))

	for _, e := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(e, 100)
		unsubs = append(unsubs, unsub)

		wg.Add(1)
		go func(e events.Event, stream <-chan any) {
			defer wg.Done()
			for msg := range stream {
				select {
				case merged <- wsEnvelope{Event: e, Payload: msg}:
				default:
					// drop for a slow client, same policy as the bus
				}
			}
		}(e, stream)
	}

	// The read pump only notices the client going away; inbound frames are
	// discarded.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

writeLoop:
	for {
		select {
		case env := <-merged:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("api: ws write error: %v", err)
				break writeLoop
			}
		case <-clientGone:
			break writeLoop
		}
	}

	// Unsubscribing closes the streams, which ends the forwarders.
	for _, unsub := range unsubs {
		unsub()
	}
	wg.Wait()
}
