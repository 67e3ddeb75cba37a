package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages proposal event subscriptions by multisig ID. The run loop
// owns the clients map; all access goes through the channels.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with multisig identifier.
type message struct {
	multisigID string
	payload    []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	multisigID string
	client     Subscriber
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
			if _, ok := h.clients[sub.multisigID]; !ok {
				h.clients[sub.multisigID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.multisigID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.multisigID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.multisigID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.multisigID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.multisigID)
				}
			}
		}
	}
}

// Register adds a client to a multisig's event stream.
func (h *Hub) Register(multisigID string, client Subscriber) {
	h.register <- subscription{multisigID: multisigID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(multisigID string, client Subscriber) {
	h.unreg <- subscription{multisigID: multisigID, client: client}
}

// Broadcast sends payload to all multisig subscribers.
func (h *Hub) Broadcast(multisigID string, payload []byte) {
	h.broadcast <- message{multisigID: multisigID, payload: payload}
}
