package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/garnizeh/chainlance/internal/metrics"
)

// Feed message types.
const (
	MsgSession = "session"
	MsgView    = "view"
	MsgReload  = "reload"
	MsgReceipt = "receipt"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message is one frame of the live feed.
type Message struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Hub fans feed messages out to websocket subscribers. A subscriber that
// cannot keep up loses messages rather than slowing the others down.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[uint64]chan []byte
	nextID  uint64
	closed  bool

	// snapshot yields the messages a new subscriber starts with.
	snapshot func() []Message
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSnapshot installs the source of the initial messages.
func (h *Hub) SetSnapshot(fn func() []Message) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one message to every subscriber.
func (h *Hub) Broadcast(typ string, data any) {
	b, err := json.Marshal(Message{Type: typ, Data: data, At: time.Now().UTC()})
	if err != nil {
		h.logger.Error("encode feed message", slog.String("type", typ), slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- b:
		default:
			h.logger.Warn("feed subscriber lagging, message dropped", slog.Uint64("client", id), slog.String("type", typ))
		}
	}
}

func (h *Hub) register() (uint64, chan []byte, []Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, nil, false
	}
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, sendBuffer)
	h.clients[id] = ch
	metrics.WSClients.Inc()
	var initial []Message
	if h.snapshot != nil {
		initial = h.snapshot()
	}
	return id, ch, initial, true
}

func (h *Hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
		metrics.WSClients.Dec()
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
		metrics.WSClients.Dec()
	}
}

// ServeHTTP upgrades the request and streams feed messages until either side
// goes away. Messages from the client are read only to notice the close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch, initial, ok := h.register()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		return
	}
	defer h.unregister(id)
	log := h.logger.With(slog.Uint64("client", id))
	log.Debug("feed subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.write(conn, ch, initial, log)
	}()

	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(id)
	<-done
	log.Debug("feed subscriber gone")
}

func (h *Hub) write(conn *websocket.Conn, ch <-chan []byte, initial []Message, log *slog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for _, m := range initial {
		if m.At.IsZero() {
			m.At = time.Now().UTC()
		}
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			_ = conn.Close()
			return
		}
	}

	for {
		select {
		case b, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				// unblocks the reader
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("feed write failed", slog.Any("error", err))
				_ = conn.Close()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
