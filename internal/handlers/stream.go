package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/offlinecore/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

const (
	EventConnectivity = "connectivity"
	EventOutcome      = "outcome"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Envelope wraps every frame written to /connectivity/ws.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// stream pushes connectivity changes and action outcomes to one websocket
// client. The first frame is always the current connectivity state.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	push := func(eventType string, data interface{}) {
		frame, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
		if err != nil {
			h.log.WithError(err).Warn("failed to marshal websocket frame")
			return
		}
		select {
		case send <- frame:
		case <-done:
		default:
			// Slow client, drop the frame rather than block the coordinator.
			h.log.WithField("event", eventType).Warn("websocket client too slow, frame dropped")
		}
	}

	unsubscribe := h.coordinator.Subscribe(func(connected bool) {
		push(EventConnectivity, connectivityBody{IsConnected: &connected})
	})
	stopOutcomes := h.coordinator.OnOutcome(func(outcome models.ActionOutcome) {
		push(EventOutcome, outcome)
	})

	go h.readPump(conn, done)
	h.writePump(conn, send, done)

	unsubscribe()
	stopOutcomes()
	conn.Close()
}

// readPump only watches for the client going away; incoming messages are
// discarded.
func (h *Handler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
