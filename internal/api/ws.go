package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tachyon/internal/eventbus"
)

// writeTimeout bounds one write to a connection's socket, grounded on
// NebulousLabs-Sia's api/websocket.go WebsocketHub (SocketWriter's
// SetWriteDeadline use).
const writeTimeout = 5 * time.Second

// pingInterval/pongTimeout implement spec §6's WebSocket heartbeat: the
// client is expected to send a {"type":"ping"} roughly every 30s; a
// connection that goes 60s without any inbound message (ping or
// subscribe) is considered dead and closed.
const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type clientMessage struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

type serverMessage struct {
	Type      string    `json:"type"`
	EventID   uint64    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Category  string    `json:"category,omitempty"`
	Event     any       `json:"event,omitempty"`
	Events    []any     `json:"events,omitempty"`
	Code      int       `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// wsConn is one live WebSocket client: a reader goroutine decoding
// subscribe/ping frames and a writer goroutine draining a buffered send
// channel, exactly the split of NebulousLabs-Sia's api/websocket.go Subscriber/
// SocketWriter, generalized from one fixed hub topic pair to the
// manager's dynamic per-group topic set.
type wsConn struct {
	conn *websocket.Conn
	sub  *eventbus.Subscription
	send chan serverMessage

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}

	sub := s.mgr.Events().Subscribe(eventbus.TopicFile, eventbus.TopicFolder)
	wc := &wsConn{conn: conn, sub: sub, send: make(chan serverMessage, 128), lastSeen: time.Now()}

	go wc.writePump()
	go wc.eventPump()
	wc.send <- serverMessage{Type: "connected"}

	wc.readLoop(s)

	sub.Close()
	close(wc.send)
	conn.Close()
}

func (wc *wsConn) readLoop(s *Server) {
	for {
		wc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		wc.mu.Lock()
		wc.lastSeen = time.Now()
		wc.mu.Unlock()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.trySend(serverMessage{Type: "error", Code: 1, Message: "invalid json"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			for _, topic := range msg.Subscriptions {
				wc.sub.AddTopic(topic)
			}
		case "ping":
			wc.trySend(serverMessage{Type: "pong"})
		default:
			wc.trySend(serverMessage{Type: "error", Code: 2, Message: "unknown message type: " + msg.Type})
		}
	}
}

// eventPump drains the bus subscription, batching whatever has queued up
// between ticks into one event_batch frame instead of one frame per
// event, the way the spec's event_batch message type implies.
func (wc *wsConn) eventPump() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var pending []any
	for {
		select {
		case ev, ok := <-wc.sub.Events():
			if !ok {
				return
			}
			pending = append(pending, eventDTO(ev))
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			if len(pending) == 1 {
				wc.trySend(serverMessage{Type: "event", Event: pending[0]})
			} else {
				wc.trySend(serverMessage{Type: "event_batch", Events: pending})
			}
			pending = nil
		}
	}
}

func eventDTO(ev eventbus.Event) map[string]any {
	return map[string]any{
		"event_id": ev.EventID, "timestamp": ev.Timestamp, "category": ev.Category,
		"kind": ev.Kind, "task_id": ev.TaskID, "group_id": ev.GroupID, "payload": ev.Payload,
	}
}

func (wc *wsConn) trySend(msg serverMessage) {
	select {
	case wc.send <- msg:
	default:
		// Writer is behind; dropping a heartbeat/ack frame is preferable to
		// blocking the reader or the event pump.
	}
}

func (wc *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-wc.send:
			if !ok {
				return
			}
			wc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			wc.mu.Lock()
			idle := time.Since(wc.lastSeen)
			wc.mu.Unlock()
			if idle > pongTimeout {
				wc.conn.Close()
				return
			}
		}
	}
}
