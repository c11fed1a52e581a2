// Package statushub broadcasts vault lifecycle transitions to any number
// of connected operator dashboards over a websocket, so an operator can
// watch a vault move through its phases without polling the daemon.
package statushub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transition is one lifecycle event, broadcast to every connected client
// as JSON.
type Transition struct {
	FundingTxid string    `json:"funding_txid"`
	Phase       string    `json:"phase"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Hub maintains the set of connected websocket clients and fans out
// lifecycle transitions to all of them.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	quit      chan struct{}
}

// New returns a Hub with its broadcast loop not yet started; call Run in
// its own goroutine to begin fanning out.
func New() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		quit:      make(chan struct{}),
	}
}

// Run fans out broadcast messages to every connected client until Stop is
// called. Meant to run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case message := <-h.broadcast:
			h.fanOut(message)
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Warnf("statushub: dropping client after write error: %v", err)
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Stop ends the broadcast loop and closes every connected client.
func (h *Hub) Stop() {
	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// Subscribe upgrades an incoming HTTP request to a websocket and registers
// it as a broadcast recipient. Intended to be wired directly as an
// http.HandlerFunc.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("statushub: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Debugf("statushub: client connected, %d total", count)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			count := len(h.clients)
			h.mu.Unlock()
			conn.Close()
			log.Debugf("statushub: client disconnected, %d total", count)
		}()

		// The hub only pushes; it reads solely to detect the peer
		// closing the connection.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish broadcasts a lifecycle transition to every connected client.
// Non-blocking: a transition is dropped rather than stalling the caller if
// the broadcast channel is saturated.
func (h *Hub) Publish(t Transition) {
	payload, err := json.Marshal(t)
	if err != nil {
		log.Errorf("statushub: marshalling transition: %v", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		log.Warnf("statushub: broadcast channel saturated, dropping transition for %s", t.FundingTxid)
	}
}
