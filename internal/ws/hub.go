package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans activity payloads out to the subscribers of a sandbox stream.
// All state is owned by the run loop; the exported methods are hand-offs
// to it and become no-ops once the hub is closed.
type Hub struct {
	streams map[string]map[Subscriber]struct{}

	join   chan streamOp
	leave  chan streamOp
	events chan streamEvent
	count  chan countQuery
	done   chan struct{}
	once   sync.Once
}

type streamOp struct {
	sandboxID string
	sub       Subscriber
}

type streamEvent struct {
	sandboxID string
	payload   []byte
}

type countQuery struct {
	sandboxID string
	reply     chan int
}

// NewHub starts a hub. Call Close to stop it.
func NewHub() *Hub {
	h := &Hub{
		streams: make(map[string]map[Subscriber]struct{}),
		join:    make(chan streamOp),
		leave:   make(chan streamOp),
		events:  make(chan streamEvent),
		count:   make(chan countQuery),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, subs := range h.streams {
				for sub := range subs {
					sub.Close()
				}
			}
			h.streams = nil
			return
		case op := <-h.join:
			subs, ok := h.streams[op.sandboxID]
			if !ok {
				subs = make(map[Subscriber]struct{})
				h.streams[op.sandboxID] = subs
			}
			subs[op.sub] = struct{}{}
		case op := <-h.leave:
			h.drop(op.sandboxID, op.sub)
		case ev := <-h.events:
			for sub := range h.streams[ev.sandboxID] {
				if err := sub.Send(ev.payload); err != nil {
					sub.Close()
					h.drop(ev.sandboxID, sub)
				}
			}
		case q := <-h.count:
			q.reply <- len(h.streams[q.sandboxID])
		}
	}
}

func (h *Hub) drop(sandboxID string, sub Subscriber) {
	subs, ok := h.streams[sandboxID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.streams, sandboxID)
	}
}

// Register subscribes sub to a sandbox's stream.
func (h *Hub) Register(sandboxID string, sub Subscriber) {
	select {
	case h.join <- streamOp{sandboxID: sandboxID, sub: sub}:
	case <-h.done:
	}
}

// Unregister removes sub from a sandbox's stream.
func (h *Hub) Unregister(sandboxID string, sub Subscriber) {
	select {
	case h.leave <- streamOp{sandboxID: sandboxID, sub: sub}:
	case <-h.done:
	}
}

// Broadcast delivers payload to every subscriber of the sandbox's stream.
// Subscribers whose Send fails are closed and removed.
func (h *Hub) Broadcast(sandboxID string, payload []byte) {
	select {
	case h.events <- streamEvent{sandboxID: sandboxID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow a sandbox's stream.
func (h *Hub) Subscribers(sandboxID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countQuery{sandboxID: sandboxID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the run loop and closes every remaining subscriber.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}
