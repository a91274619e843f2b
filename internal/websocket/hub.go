package websocket

import (
	"encoding/json"
	"log"
	"os"
	stdsync "sync"

	"github.com/xelth-com/girosync/internal/sync"
)

// Hub maintains the set of connected UI clients and fans sync events out to them
type Hub struct {
	// Registered clients map: ClientID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Outbound messages for every client
	broadcast chan []byte

	done     chan struct{}
	stopOnce stdsync.Once

	// Mutex for thread-safe access to clients map
	mu stdsync.RWMutex

	logger *log.Logger
}

var _ sync.Notifier = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.add(client)
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client.ID] == client {
				h.remove(client)
				h.logger.Printf("📴 Client disconnected: %s", client.ID)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Buffer full, the client stopped reading
					h.remove(client)
					h.logger.Printf("⚠️ Dropped slow client %s", client.ID)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for _, client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// add registers a client, replacing an older connection with the same id.
// Caller holds mu.
func (h *Hub) add(client *Client) {
	if old, ok := h.clients[client.ID]; ok && old != client {
		h.remove(old)
	}
	h.clients[client.ID] = client
	h.logger.Printf("🖥️ Client connected: %s", client.ID)
}

// remove drops a client and closes its send channel. Caller holds mu.
func (h *Hub) remove(client *Client) {
	delete(h.clients, client.ID)
	close(client.send)
}

// identify moves a client from its temporary id to the id it announced
func (h *Hub) identify(client *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.ID] == client {
		delete(h.clients, client.ID)
	}
	client.ID = id
	h.add(client)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every connected client. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(message interface{}) bool {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		h.logger.Printf("Error marshaling message: %v", err)
		return false
	}

	select {
	case h.broadcast <- jsonMsg:
		return true
	default:
		h.logger.Printf("⚠️ Broadcast queue full, dropping message")
		return false
	}
}

// Notify forwards a sync round event to the UI clients
func (h *Hub) Notify(event sync.RoundEvent) {
	h.Broadcast(event)
}

// SendToClient sends a message to a specific client
func (h *Hub) SendToClient(clientID string, message interface{}) bool {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		h.logger.Printf("Error marshaling message: %v", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	select {
	case client.send <- jsonMsg:
		return true
	default:
		// Buffer full or client dead
		return false
	}
}
