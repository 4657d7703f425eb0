package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBuffer = 64

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub keeps the set of connected websocket clients and broadcasts to them.
// A client whose send buffer is full is dropped.
type Hub struct {
	log zerolog.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	count int
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setCount()
			h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("websocket client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("websocket client unregistered")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn().Str("remote", client.conn.RemoteAddr().String()).Msg("websocket client too slow, removing")
					h.remove(client)
				}
			}

		case <-h.stop:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Broadcast wraps payload as {"type": event, "payload": payload} and queues it
// for every client. It does not block once the hub has been closed.
func (h *Hub) Broadcast(event string, payload any) error {
	b, err := json.Marshal(envelope{Type: event, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- b:
	case <-h.stop:
	}

	return nil
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
