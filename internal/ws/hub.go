package ws

import "sync"

// AllThreads subscribes to replies on every support thread.
const AllThreads = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans support replies out to stream subscribers keyed by thread.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// message couples payload with the thread it belongs to.
type message struct {
	threadTS string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	threadTS string
	client   Subscriber
}

// NewHub creates an initialized Hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan chan int),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.threadTS]; !ok {
				h.clients[sub.threadTS] = make(map[Subscriber]struct{})
			}
			h.clients[sub.threadTS][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.threadTS, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.threadTS, msg.payload)
			if msg.threadTS != AllThreads {
				h.deliver(AllThreads, msg.payload)
			}
		case reply := <-h.count:
			total := 0
			for _, clients := range h.clients {
				total += len(clients)
			}
			reply <- total
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) deliver(threadTS string, payload []byte) {
	clients, ok := h.clients[threadTS]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, threadTS)
	}
}

func (h *Hub) remove(threadTS string, client Subscriber) {
	if clients, ok := h.clients[threadTS]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, threadTS)
		}
	}
}

// Register adds a client to a thread stream. An empty thread means AllThreads.
func (h *Hub) Register(threadTS string, client Subscriber) {
	select {
	case h.register <- subscription{threadTS: normalizeThread(threadTS), client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(threadTS string, client Subscriber) {
	select {
	case h.unreg <- subscription{threadTS: normalizeThread(threadTS), client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the thread's subscribers and to AllThreads listeners.
func (h *Hub) Broadcast(threadTS string, payload []byte) {
	select {
	case h.broadcast <- message{threadTS: normalizeThread(threadTS), payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports the number of connected clients. It returns 0 after Close.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	<-h.stopped
}

func normalizeThread(threadTS string) string {
	if threadTS == "" {
		return AllThreads
	}
	return threadTS
}
