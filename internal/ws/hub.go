package ws


// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages deploy event subscriptions keyed by stack ref. The clients map
// is owned by the run loop; all access goes through the channels.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the stack it belongs to.
type message struct {
	stackKey string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	stackKey string
	client   Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.stackKey]; !ok {
				h.clients[sub.stackKey] = make(map[Subscriber]struct{})
			}
			h.clients[sub.stackKey][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.stackKey]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.stackKey)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.stackKey]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.stackKey)
				}
			}
		}
	}
}

// Register adds a client to a stack's event stream.
func (h *Hub) Register(stackKey string, client Subscriber) {
	h.register <- subscription{stackKey: stackKey, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(stackKey string, client Subscriber) {
	h.unreg <- subscription{stackKey: stackKey, client: client}
}

// Broadcast sends payload to every subscriber of a stack.
func (h *Hub) Broadcast(stackKey string, payload []byte) {
	h.broadcast <- message{stackKey: stackKey, payload: payload}
}
