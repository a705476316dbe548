// Package hub fans out decoded chamber frames from the single upstream
// session to any number of downstream client sessions. The hub is the only
// state shared between the upstream publisher and the client sessions; all
// mutation of the client set is serialized through its mutex.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/proto"
)

// DefaultBuffer is the per-client outbound frame buffer. Chamber cameras run
// at roughly one frame per second, so a handful of slots absorbs client-side
// jitter without holding much memory.
const DefaultBuffer = 16

// Client is one registered frame consumer. Frames are received from Frames()
// until Deregister closes it.
type Client struct {
	id      string
	frames  chan *proto.Frame
	dropped atomic.Uint64
}

// ID returns the opaque session identifier assigned at registration.
func (c *Client) ID() string { return c.id }

// Frames is the client's inbound frame channel. It is closed on deregistration.
func (c *Client) Frames() <-chan *proto.Frame { return c.frames }

// Dropped reports how many frames were discarded for this client because it
// did not drain fast enough.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Hub owns the client set and broadcasts published frames to every member.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	buffer  int
	latest  *proto.Frame
	dropped atomic.Uint64
}

// New creates a hub whose clients each buffer up to buffer frames. A
// non-positive buffer falls back to DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{clients: make(map[string]*Client), buffer: buffer}
}

// Register adds a new client. The client starts receiving from the next
// published frame; no backlog is replayed.
func (h *Hub) Register() *Client {
	c := &Client{id: uuid.NewString(), frames: make(chan *proto.Frame, h.buffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	obs.ActiveClients.Set(float64(n))
	return c
}

// Deregister removes a client and closes its frame channel. Idempotent; safe
// to call after the client's connection already failed.
func (h *Hub) Deregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.frames)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		obs.ActiveClients.Set(float64(n))
	}
}

// Publish delivers f to every registered client without blocking. If a
// client's buffer is full the oldest buffered frame is discarded to make
// room, so a stalled client costs frames only to itself and the relative
// order of the frames it does receive is preserved.
func (h *Hub) Publish(f *proto.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = f
	for _, c := range h.clients {
		select {
		case c.frames <- f:
			continue
		default:
		}
		// Buffer full: drop oldest, then retry once. The receiver may have
		// drained concurrently, in which case the retry simply succeeds.
		select {
		case <-c.frames:
			c.dropped.Add(1)
			h.dropped.Add(1)
			obs.FramesDroppedTotal.Inc()
		default:
		}
		select {
		case c.frames <- f:
		default:
			c.dropped.Add(1)
			h.dropped.Add(1)
			obs.FramesDroppedTotal.Inc()
		}
	}
}

// Latest returns the most recently published frame, or nil before the first
// one. The frame is shared read-only.
func (h *Hub) Latest() *proto.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Len reports the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped reports the total frames discarded across all clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close deregisters every client. Used on shutdown so forwarding loops
// observe their channels closing promptly.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.frames)
	}
}
