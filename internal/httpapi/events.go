package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/tracksync/internal/tracksync"
	"nhooyr.io/websocket"
)

const (
	eventBufferSize   = 128
	eventWriteTimeout = 5 * time.Second
)

// Event is one message on the /v1/events stream.
type Event struct {
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Result    *tracksync.SyncResult `json:"result,omitempty"`
	Clients   int                   `json:"clients,omitempty"`
}

// EventHub fans sync results out to websocket subscribers. It implements
// tracksync.EventSink; Publish never blocks the sync path and drops events
// when the buffer is full.
type EventHub struct {
	logger tracksync.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEventHub(logger tracksync.Logger) *EventHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &EventHub{
		logger:  logger,
		clients: map[*websocket.Conn]struct{}{},
		events:  make(chan Event, eventBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

func (h *EventHub) Publish(result tracksync.SyncResult) {
	r := result
	select {
	case h.events <- Event{Type: "sync", Timestamp: time.Now().UTC(), Result: &r}:
	case <-h.ctx.Done():
	default:
		h.logf("event hub: buffer full, dropping sync event for %s", result.EntityID)
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and stops the broadcast loop.
func (h *EventHub) Close() {
	h.cancel()
	h.mu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *EventHub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logf("event hub: marshal event: %v", err)
				continue
			}
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(h.ctx, eventWriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.remove(conn)
				}
			}
		}
	}
}

// serve upgrades the request and holds the connection until the client
// goes away or the hub closes.
func (h *EventHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logf("event hub: websocket upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	hello, _ := json.Marshal(Event{Type: "hello", Timestamp: time.Now().UTC(), Clients: count})
	ctx, cancel := context.WithTimeout(h.ctx, eventWriteTimeout)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	defer h.remove(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *EventHub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
