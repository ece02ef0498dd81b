package ws

import (
	"fmt"
	"log"
	"sync"

	"github.com/placesync/server/internal/journal"
	"github.com/placesync/server/internal/state"
	"github.com/placesync/server/internal/stats"
)

// The set of connected observers and the fan-out to them
type Hub struct {
	store   *state.Store
	stats   *stats.Aggregator
	journal *journal.Journal

	// Registered observers by connection ID
	clients map[string]*Client

	// Register requests from new connections
	register chan *Client

	// Unregister requests from closing connections
	unregister chan *Client

	mu sync.RWMutex
}

func NewHub(store *state.Store, aggregator *stats.Aggregator, jrnl *journal.Journal) *Hub {
	return &Hub{
		store:      store,
		stats:      aggregator,
		journal:    jrnl,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Processes connect and disconnect events one at a time
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			if err := h.addClient(client); err != nil {
				log.Printf("Rejecting connection: %v", err)
				if client.conn != nil {
					client.conn.Close()
				}
				continue
			}

			h.stats.RecordConnect()
			if h.journal != nil {
				if err := h.journal.RecordConnect(client.id, client.remoteAddr, client.userAgent, h.ClientCount()); err != nil {
					log.Printf("Journal: failed to record connect: %v", err)
				}
			}

			log.Printf("Client %s connected from %s (total: %d)", client.id, client.remoteAddr, h.ClientCount())

		case client := <-h.unregister:
			if !h.removeClient(client) {
				continue
			}

			h.stats.RecordDisconnect()
			if h.journal != nil {
				if err := h.journal.RecordDisconnect(client.id, client.reason, h.ClientCount()); err != nil {
					log.Printf("Journal: failed to record disconnect: %v", err)
				}
			}

			log.Printf("Client %s disconnected: %s (remaining: %d)", client.id, client.reason, h.ClientCount())
		}
	}
}

func (h *Hub) addClient(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.id]; ok {
		return fmt.Errorf("duplicate connection ID %s", client.id)
	}
	h.clients[client.id] = client

	// Queue the current snapshot while still holding the lock, so a
	// concurrent broadcast cannot slot a frame in front of it. The
	// snapshot push must be the first thing a new observer sees.
	payload, err := EncodeGameUpdate(h.store.Get(), "Connected to sync server")
	if err != nil {
		log.Printf("Failed to encode welcome update: %v", err)
		return nil
	}
	client.enqueue(payload)
	return nil
}

func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[client.id]; ok && existing == client {
		delete(h.clients, client.id)
		client.closeSend()
		return true
	}
	return false
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Point-in-time copy of the observer set, so a connect or disconnect
// during fan-out cannot corrupt the iteration
func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Pushes one frame to every connected observer. A full send buffer on
// one connection drops the frame for that observer only. Returns how
// many observers were handed the frame.
func (h *Hub) Broadcast(data []byte) int {
	notified := 0
	for _, client := range h.snapshotClients() {
		if client.enqueue(data) {
			notified++
		} else {
			log.Printf("Client %s send buffer full, dropping update", client.id)
		}
	}
	return notified
}

// Encodes the snapshot as a game-update and fans it out
func (h *Hub) BroadcastSnapshot(snap *state.Snapshot) int {
	payload, err := EncodeGameUpdate(snap, "")
	if err != nil {
		log.Printf("Failed to encode broadcast update: %v", err)
		return 0
	}
	return h.Broadcast(payload)
}

// Pushes one frame to a single observer
func (h *Hub) SendTo(connectionID string, data []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.enqueue(data)
}
