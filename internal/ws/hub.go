package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages board stream subscriptions by match ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with match identifier.
type message struct {
	matchID string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	matchID string
	client  Subscriber
}

// NewHub creates an initialized Hub. The broadcast channel is buffered so a
// slow fan-out does not stall the publishing request.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.matchID]; !ok {
				h.clients[sub.matchID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.matchID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.matchID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.matchID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.matchID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.matchID)
				}
			}
		}
	}
}

// Register adds a client to a match stream.
func (h *Hub) Register(matchID string, client Subscriber) {
	h.register <- subscription{matchID: matchID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(matchID string, client Subscriber) {
	h.unreg <- subscription{matchID: matchID, client: client}
}

// Broadcast sends payload to all match clients.
func (h *Hub) Broadcast(matchID string, payload []byte) {
	h.broadcast <- message{matchID: matchID, payload: payload}
}
