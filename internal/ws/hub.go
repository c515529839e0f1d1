package ws

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the payloads buffered per subscriber.
const DefaultQueueSize = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans release log payloads out to subscribers keyed by release ID.
// Each subscriber is written by its own goroutine from a bounded queue, so a
// slow client never blocks Broadcast; payloads that overflow the queue are
// dropped for that client.
type Hub struct {
	clients   map[string]map[Subscriber]*mailbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
	queueSize int
	dropped   atomic.Int64
}

type message struct {
	releaseID string
	payload   []byte
}

type subscription struct {
	releaseID string
	client    Subscriber
}

type countRequest struct {
	releaseID string
	reply     chan int
}

// mailbox feeds one subscriber from a buffered queue.
type mailbox struct {
	client Subscriber
	queue  chan []byte
}

// NewHub creates a Hub with the default per-subscriber queue.
func NewHub() *Hub {
	return NewHubWithQueue(DefaultQueueSize)
}

// NewHubWithQueue creates a Hub buffering up to size payloads per subscriber
// and starts its dispatch loop.
func NewHubWithQueue(size int) *Hub {
	if size <= 0 {
		size = DefaultQueueSize
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*mailbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
		queueSize: size,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for _, box := range clients {
					close(box.queue)
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.releaseID]; !ok {
				h.clients[sub.releaseID] = make(map[Subscriber]*mailbox)
			}
			if _, ok := h.clients[sub.releaseID][sub.client]; ok {
				continue
			}
			box := &mailbox{client: sub.client, queue: make(chan []byte, h.queueSize)}
			h.clients[sub.releaseID][sub.client] = box
			go h.deliver(sub.releaseID, box)
		case sub := <-h.unreg:
			h.remove(sub.releaseID, sub.client)
		case req := <-h.count:
			req.reply <- len(h.clients[req.releaseID])
		case msg := <-h.broadcast:
			for _, box := range h.clients[msg.releaseID] {
				select {
				case box.queue <- msg.payload:
				default:
					h.dropped.Add(1)
				}
			}
		}
	}
}

func (h *Hub) remove(releaseID string, client Subscriber) {
	clients, ok := h.clients[releaseID]
	if !ok {
		return
	}
	if box, ok := clients[client]; ok {
		close(box.queue)
		delete(clients, client)
	}
	if len(clients) == 0 {
		delete(h.clients, releaseID)
	}
}

// deliver writes queued payloads until the queue closes. A failed write
// closes the subscriber and removes it from the hub.
func (h *Hub) deliver(releaseID string, box *mailbox) {
	for payload := range box.queue {
		if err := box.client.Send(payload); err != nil {
			box.client.Close()
			h.Unregister(releaseID, box.client)
			for range box.queue {
			}
			return
		}
	}
	select {
	case <-h.done:
		box.client.Close()
	default:
	}
}

// Register adds a client to a release stream.
func (h *Hub) Register(releaseID string, client Subscriber) {
	select {
	case h.register <- subscription{releaseID: releaseID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(releaseID string, client Subscriber) {
	select {
	case h.unreg <- subscription{releaseID: releaseID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for all clients of a release without waiting for
// delivery. It is a no-op once the hub is closed.
func (h *Hub) Broadcast(releaseID string, payload []byte) {
	select {
	case h.broadcast <- message{releaseID: releaseID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow a release.
func (h *Hub) Subscribers(releaseID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{releaseID: releaseID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Dropped reports how many payloads were discarded because a subscriber queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
