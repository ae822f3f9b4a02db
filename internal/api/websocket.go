package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"crowd-flow/internal/crowd"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxWSConnectionsTotal is the default cap on live websocket connections
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the default cap per client IP
	MaxWSConnectionsPerIP = 10

	// EventAgentsState is the event name of periodic agent frames.
	EventAgentsState = "agents:state"

	// EventFieldStats is the event name of field summaries sent with agent frames.
	EventFieldStats = "field:stats"

	wsWriteTimeout = 2 * time.Second
)

// Encoding selects the frame format of one client.
type Encoding uint8

const (
	EncodingJSON    Encoding = iota // text frames
	EncodingMsgpack                 // binary frames
)

// ParseEncoding maps the ?encoding= query value; unknown values mean JSON.
func ParseEncoding(s string) Encoding {
	if s == "msgpack" {
		return EncodingMsgpack
	}
	return EncodingJSON
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// Non-browser clients send no Origin
		if origin == "" || IsAllowedOrigin(origin) {
			return true
		}

		log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
		RecordConnectionRejected("origin")
		return false
	},
}

// wsClient tracks a WebSocket connection with its source IP
type wsClient struct {
	conn     *websocket.Conn
	ip       string
	encoding Encoding
}

// wsMessage is the envelope shared by both encodings.
type wsMessage struct {
	Event string      `json:"event" msgpack:"event"`
	Data  interface{} `json:"data" msgpack:"data"`
}

// EncodeMessage renders one event in the given encoding.
func EncodeMessage(enc Encoding, event string, data interface{}) ([]byte, error) {
	msg := wsMessage{Event: event, Data: data}
	if enc == EncodingMsgpack {
		return msgpack.Marshal(&msg)
	}
	return json.Marshal(&msg)
}

// WebSocketHub manages all WebSocket connections with DoS protection
type WebSocketHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	// Connection limiting
	maxTotal  int
	wsLimiter *WebSocketRateLimiter
}

// NewWebSocketHub creates a hub accepting at most maxTotal connections and
// maxPerIP per client address. Non-positive values take the defaults.
func NewWebSocketHub(maxTotal, maxPerIP int) *WebSocketHub {
	if maxTotal <= 0 {
		maxTotal = MaxWSConnectionsTotal
	}
	if maxPerIP <= 0 {
		maxPerIP = MaxWSConnectionsPerIP
	}
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan wsMessage, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		maxTotal:   maxTotal,
		wsLimiter:  NewWebSocketRateLimiter(maxPerIP),
	}
}

// Run starts the hub. It returns after Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client connected from %s (%d total)", client.ip, count)
			UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.mu.Lock()
			h.remove(conn)
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client disconnected (%d remaining)", count)
			UpdateWSConnections(count)

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// send writes msg to every client, encoding it at most once per format.
func (h *WebSocketHub) send(msg wsMessage) {
	var frames [2][]byte
	var failed []*websocket.Conn

	h.mu.RLock()
	for conn, client := range h.clients {
		enc := client.encoding
		if frames[enc] == nil {
			data, err := EncodeMessage(enc, msg.Event, msg.Data)
			if err != nil {
				log.Printf("⚠️ Failed to encode %s frame: %v", msg.Event, err)
				continue
			}
			frames[enc] = data
		}

		kind := websocket.TextMessage
		if enc == EncodingMsgpack {
			kind = websocket.BinaryMessage
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(kind, frames[enc]); err != nil {
			failed = append(failed, conn)
			continue
		}
		IncrementWSMessages()
	}
	h.mu.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range failed {
		h.remove(conn)
	}
	count := len(h.clients)
	h.mu.Unlock()
	UpdateWSConnections(count)
}

// remove drops conn and releases its IP slot. Caller holds h.mu.
func (h *WebSocketHub) remove(conn *websocket.Conn) {
	if client, ok := h.clients[conn]; ok {
		h.wsLimiter.Release(client.ip)
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	for conn := range h.clients {
		h.remove(conn)
	}
	h.mu.Unlock()
	UpdateWSConnections(0)
}

// Stop closes every connection and ends Run and the broadcast loop.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Broadcast queues an event for all connected clients
func (h *WebSocketHub) Broadcast(event string, data interface{}) {
	select {
	case h.broadcast <- wsMessage{Event: event, Data: data}:
	default:
		// Channel full, skip (backpressure)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartBroadcastLoop sends agent state perSecond times a second while
// clients are connected.
func (h *WebSocketHub) StartBroadcastLoop(engine EngineInterface, perSecond int) {
	if perSecond <= 0 {
		perSecond = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(perSecond))

	go func() {
		defer ticker.Stop()
		var lastTick uint64
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
			}

			if h.ClientCount() == 0 {
				continue
			}

			snap := engine.Snapshot()
			if snap.TickNumber == lastTick && lastTick != 0 {
				continue // Nothing new since the last frame
			}
			lastTick = snap.TickNumber

			h.Broadcast(EventAgentsState, &snap)
			h.Broadcast(EventFieldStats, engine.Field().Snapshot().Stats())
		}
	}()
}

// HandleWebSocket handles incoming WebSocket connections with DoS protection
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	// Check total connection limit
	if total := h.ClientCount(); total >= h.maxTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	// Check per-IP connection limit
	if !h.wsLimiter.Allow(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.wsLimiter.Release(ip) // Release the slot we reserved
		return
	}

	client := &wsClient{
		conn:     conn,
		ip:       ip,
		encoding: ParseEncoding(r.URL.Query().Get("encoding")),
	}
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		h.wsLimiter.Release(ip)
		return
	}

	// The read loop only detects disconnects; clients send commands over HTTP.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stop:
			}
		}()

		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// AgentFrame decodes a msgpack agents:state frame. Used by Go clients and tests.
func AgentFrame(data []byte) (string, crowd.AgentSnapshot, error) {
	var msg struct {
		Event string              `msgpack:"event"`
		Data  crowd.AgentSnapshot `msgpack:"data"`
	}
	err := msgpack.Unmarshal(data, &msg)
	return msg.Event, msg.Data, err
}
