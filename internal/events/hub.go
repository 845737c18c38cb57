package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxSendErrors bounds consecutive write failures before a connection is
// dropped, mirroring the session-manager send-loop error-threshold pattern
// this package is grounded on.
const maxSendErrors = 3

const sendQueueSize = 64

// conn is one connected UI client: a send queue drained by a dedicated
// goroutine, so a slow or wedged client can never block [Hub.Broadcast].
type conn struct {
	id        string
	ws        *websocket.Conn
	sendQueue chan Event
	done      chan struct{}
	closed    atomic.Bool
	errCount  atomic.Int32
}

// Hub fans out [Event] values to every connected WebSocket client. Safe for
// concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	nextID atomic.Int64
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

// HandleWS upgrades r to a WebSocket connection and registers it with the
// hub, blocking until the client disconnects or ctx is cancelled.
func (h *Hub) HandleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}

	id := idFor(h.nextID.Add(1))
	c := &conn{
		id:        id,
		ws:        ws,
		sendQueue: make(chan Event, sendQueueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()

	go c.sendLoop(ctx)

	defer h.remove(id)

	// The hub only pushes events; any inbound message (or connection close)
	// just needs to be drained to detect disconnection.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			ws.Close(websocket.StatusNormalClosure, "client disconnected")
			return nil
		}
	}
}

// Broadcast enqueues event for delivery to every connected client.
// Non-blocking: a client whose queue is full has the event dropped for it
// specifically, logged at WARN, rather than stalling every other client.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.sendQueue <- event:
		default:
			slog.Warn("events: send queue full, dropping event for client", "client_id", c.id, "event_type", event.Type)
		}
	}
}

// ConnectionCount returns the number of currently connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

func (c *conn) sendLoop(ctx context.Context) {
	for {
		select {
		case event := <-c.sendQueue:
			if c.closed.Load() {
				return
			}
			if err := wsjson.Write(ctx, c.ws, event); err != nil {
				n := c.errCount.Add(1)
				slog.Error("events: failed to send to client", "client_id", c.id, "error", err)
				if n > maxSendErrors {
					slog.Error("events: too many send errors, closing client", "client_id", c.id)
					c.ws.Close(websocket.StatusInternalError, "too many send errors")
					c.close()
					return
				}
				continue
			}
			c.errCount.Store(0)
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func idFor(n int64) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%16])
		n /= 16
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "client-" + string(buf)
}
