// Package ws implements the WebSocket hub: each
// connection gets its own bus subscription cursor, a sender goroutine
// draining it into JSON text frames, and a receiver goroutine that
// discards inbound frames until Close. Either goroutine finishing
// aborts the other and closes the socket.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stamon/stamon/bus"
)

// verifyPing is the 3-byte payload sent immediately after upgrade to
// verify the peer.
var verifyPing = []byte{1, 2, 3}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades incoming requests and fans out bus events to each
// connected operator.
type Hub struct {
	bus *bus.Bus
}

// New creates a Hub backed by b.
func New(b *bus.Bus) *Hub {
	return &Hub{bus: b}
}

// ServeHTTP implements the GET /ws endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	h.serve(conn)
}

func (h *Hub) serve(conn *websocket.Conn) {
	defer conn.Close()

	if err := conn.WriteMessage(websocket.PingMessage, verifyPing); err != nil {
		log.Printf("ws: initial ping: %v", err)
		return
	}

	sub := h.bus.Subscribe()
	defer sub.Close()

	stop := make(chan struct{})
	var stopOnce sync.Once
	abort := func() {
		stopOnce.Do(func() {
			close(stop)
			conn.Close() // unblocks whichever goroutine is mid-read/write
		})
	}

	done := make(chan struct{}, 2)
	go h.sender(conn, sub, stop, abort, done)
	go h.receiver(conn, abort, done)

	<-done
	<-done
}

// sender drains the subscription and writes each event as a JSON text
// frame, until stop fires. Any write error aborts the connection so
// the receiver goroutine unblocks too.
func (h *Hub) sender(conn *websocket.Conn, sub *bus.Subscription, stop <-chan struct{}, abort func(), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer abort()

	for {
		ev, ok := sub.Next(stop)
		if !ok {
			return
		}
		raw, err := encodeEvent(ev)
		if err != nil {
			log.Printf("ws: encode event: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// receiver discards inbound text frames and returns on any Close
// frame or read error, aborting the connection so the sender
// goroutine unblocks too.
func (h *Hub) receiver(conn *websocket.Conn, abort func(), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	defer abort()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		log.Printf("ws: received %d bytes from client (discarded)", len(msg))
	}
}

// wireEvent is the tagged-union JSON shape sent to clients.
type wireEvent struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type wireLog struct {
	ID        int64     `json:"id"`
	ServiceID uint32    `json:"service_id"`
	Status    int       `json:"status"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
	Duration  int64     `json:"duration"`
}

type wireNotification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

func encodeEvent(ev bus.Event) ([]byte, error) {
	switch {
	case ev.Log != nil:
		return json.Marshal(wireEvent{
			Type: "log",
			Value: wireLog{
				ID:        ev.Log.ID,
				ServiceID: ev.Log.ServiceID,
				Status:    int(ev.Log.Status),
				Message:   ev.Log.Message,
				Time:      ev.Log.Time,
				Duration:  ev.Log.Duration,
			},
		})
	case ev.Notification != nil:
		return json.Marshal(wireEvent{
			Type: "notification",
			Value: wireNotification{
				Title:   ev.Notification.Title,
				Message: ev.Notification.Message,
				Level:   string(ev.Notification.Level),
			},
		})
	default:
		return json.Marshal(wireEvent{Type: "unknown"})
	}
}
