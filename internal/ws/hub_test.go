package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/placesync/server/internal/ratelimit"
	"github.com/placesync/server/internal/state"
	"github.com/placesync/server/internal/stats"
)

func newTestHub() (*Hub, *state.Store) {
	store := state.NewStore()
	hub := NewHub(store, stats.NewAggregator(), nil)
	return hub, store
}

func newTestClient(hub *Hub, id string) *Client {
	return &Client{
		hub:         hub,
		send:        make(chan []byte, 8),
		id:          id,
		remoteAddr:  "127.0.0.1:5000",
		userAgent:   "test-agent",
		connectedAt: time.Now(),
		limiter:     ratelimit.NewLimiter(updateRequestsPerSecond, updateRequestBurst),
	}
}

type updateFrame struct {
	Hierarchy  []state.Node   `json:"hierarchy"`
	Metadata   state.Metadata `json:"metadata"`
	ServerTime int64          `json:"serverTime"`
	Message    string         `json:"message"`
}

func decodeUpdate(t *testing.T, raw []byte) (Envelope, updateFrame) {
	t.Helper()

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}

	var frame updateFrame
	if err := json.Unmarshal(envelope.Data, &frame); err != nil {
		t.Fatalf("Failed to decode update payload: %v", err)
	}
	return envelope, frame
}

func TestHubCreation(t *testing.T) {
	hub, _ := newTestHub()
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map should be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestRegisterInitialPush(t *testing.T) {
	hub, store := newTestHub()
	go hub.Run()

	store.Replace(state.UpdateRequest{
		Hierarchy: []state.Node{{ID: "Workspace", Children: []state.Node{{ID: "Part"}}}},
	}, 0)

	client := newTestClient(hub, "conn-1")
	hub.register <- client

	select {
	case raw := <-client.send:
		envelope, frame := decodeUpdate(t, raw)
		if envelope.Event != EventGameUpdate {
			t.Errorf("Expected first frame %q, got %q", EventGameUpdate, envelope.Event)
		}
		if frame.Message == "" {
			t.Error("Initial push should carry a message")
		}
		if frame.Metadata.ObjectCount != 2 {
			t.Errorf("Expected objectCount 2 in initial push, got %d", frame.Metadata.ObjectCount)
		}
	case <-time.After(time.Second):
		t.Fatal("New connection did not receive an initial push")
	}

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}
}

func TestInitialPushBeforeFirstSync(t *testing.T) {
	hub, _ := newTestHub()
	go hub.Run()

	client := newTestClient(hub, "conn-1")
	hub.register <- client

	select {
	case raw := <-client.send:
		envelope, frame := decodeUpdate(t, raw)
		if envelope.Event != EventGameUpdate {
			t.Errorf("Expected %q, got %q", EventGameUpdate, envelope.Event)
		}
		if frame.Hierarchy != nil {
			t.Error("No hierarchy should be pushed before the first sync")
		}
		if frame.ServerTime == 0 {
			t.Error("serverTime should always be set")
		}
	case <-time.After(time.Second):
		t.Fatal("New connection did not receive an initial push")
	}
}

func TestBroadcastNotifiedCount(t *testing.T) {
	hub, store := newTestHub()

	a := newTestClient(hub, "conn-a")
	b := newTestClient(hub, "conn-b")
	for _, c := range []*Client{a, b} {
		if err := hub.addClient(c); err != nil {
			t.Fatalf("addClient failed: %v", err)
		}
		<-c.send // welcome push
	}

	snap, _ := store.Replace(state.UpdateRequest{Hierarchy: []state.Node{{ID: "A"}}}, 2)

	notified := hub.BroadcastSnapshot(snap)
	if notified != 2 {
		t.Errorf("Expected 2 clients notified, got %d", notified)
	}

	for _, c := range []*Client{a, b} {
		select {
		case raw := <-c.send:
			envelope, _ := decodeUpdate(t, raw)
			if envelope.Event != EventGameUpdate {
				t.Errorf("Client %s: expected %q, got %q", c.id, EventGameUpdate, envelope.Event)
			}
		default:
			t.Errorf("Client %s received nothing", c.id)
		}
	}
}

func TestBroadcastIsolatesSlowClient(t *testing.T) {
	hub, store := newTestHub()

	slow := newTestClient(hub, "conn-slow")
	slow.send = make(chan []byte, 1)
	slow.send <- []byte("backlog")

	fast := newTestClient(hub, "conn-fast")

	hub.addClient(slow)
	hub.addClient(fast)
	<-fast.send // welcome push; slow's buffer was already full

	snap, _ := store.Replace(state.UpdateRequest{Hierarchy: []state.Node{{ID: "A"}}}, 2)

	notified := hub.BroadcastSnapshot(snap)
	if notified != 1 {
		t.Errorf("Expected 1 client notified past the full buffer, got %d", notified)
	}

	select {
	case <-fast.send:
	default:
		t.Error("Fast client should still receive the update")
	}
}

func TestUnregisterRemovesClient(t *testing.T) {
	hub, _ := newTestHub()
	go hub.Run()

	client := newTestClient(hub, "conn-1")
	hub.register <- client
	<-client.send // initial push

	hub.unregister <- client

	deadline := time.After(time.Second)
	for hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("Client was not removed from the registry")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if notified := hub.Broadcast([]byte("{}")); notified != 0 {
		t.Errorf("Expected 0 clients notified after disconnect, got %d", notified)
	}

	// Unregistering again is a no-op
	hub.unregister <- newTestClient(hub, "conn-1")
}

func TestSendToSingleClient(t *testing.T) {
	hub, _ := newTestHub()

	a := newTestClient(hub, "conn-a")
	b := newTestClient(hub, "conn-b")
	hub.addClient(a)
	hub.addClient(b)
	<-a.send // welcome pushes
	<-b.send

	if !hub.SendTo("conn-a", []byte("{}")) {
		t.Fatal("SendTo should reach a registered client")
	}

	select {
	case <-a.send:
	default:
		t.Error("Target client received nothing")
	}

	select {
	case <-b.send:
		t.Error("Other client should not receive a targeted send")
	default:
	}

	if hub.SendTo("conn-missing", []byte("{}")) {
		t.Error("SendTo should report false for unknown connections")
	}
}

func TestDuplicateConnectionIDRejected(t *testing.T) {
	hub, _ := newTestHub()

	if err := hub.addClient(newTestClient(hub, "conn-1")); err != nil {
		t.Fatalf("First add failed: %v", err)
	}
	if err := hub.addClient(newTestClient(hub, "conn-1")); err == nil {
		t.Error("Duplicate connection ID should be rejected")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after duplicate rejection, got %d", hub.ClientCount())
	}
}

func TestRequestUpdateRepliesToRequester(t *testing.T) {
	hub, store := newTestHub()
	store.Replace(state.UpdateRequest{Hierarchy: []state.Node{{ID: "A"}}}, 0)

	client := newTestClient(hub, "conn-1")
	other := newTestClient(hub, "conn-2")
	hub.addClient(client)
	hub.addClient(other)
	<-client.send // welcome pushes
	<-other.send

	client.handleEvent(Envelope{Event: EventRequestUpdate})

	select {
	case raw := <-client.send:
		envelope, frame := decodeUpdate(t, raw)
		if envelope.Event != EventGameUpdate {
			t.Errorf("Expected %q reply, got %q", EventGameUpdate, envelope.Event)
		}
		if frame.Metadata.ObjectCount != 1 {
			t.Errorf("Expected current snapshot in reply, got %+v", frame.Metadata)
		}
	default:
		t.Fatal("Requester received no reply")
	}

	select {
	case <-other.send:
		t.Error("request-update reply must go to the requester only")
	default:
	}
}

func TestRequestUpdateRateLimited(t *testing.T) {
	hub, store := newTestHub()
	store.Replace(state.UpdateRequest{Hierarchy: []state.Node{{ID: "A"}}}, 0)

	client := newTestClient(hub, "conn-1")
	client.limiter = ratelimit.NewLimiter(0.0001, 2)
	client.send = make(chan []byte, 64)
	hub.addClient(client)
	<-client.send // welcome push

	for i := 0; i < 10; i++ {
		client.handleEvent(Envelope{Event: EventRequestUpdate})
	}

	if got := len(client.send); got != 2 {
		t.Errorf("Expected 2 updates within burst, got %d", got)
	}
}

func TestEnqueueAfterRemoveIsSafe(t *testing.T) {
	hub, _ := newTestHub()

	client := newTestClient(hub, "conn-1")
	hub.addClient(client)
	<-client.send // welcome push

	if !hub.removeClient(client) {
		t.Fatal("removeClient should report the client removed")
	}

	// A fan-out holding a stale reference must get a refusal, never a
	// send on the closed channel
	if client.enqueue([]byte("{}")) {
		t.Error("enqueue should refuse after the client was removed")
	}

	if notified := hub.Broadcast([]byte("{}")); notified != 0 {
		t.Errorf("Expected 0 clients notified after removal, got %d", notified)
	}
}

func TestBroadcastConcurrentWithDisconnect(t *testing.T) {
	hub, store := newTestHub()
	snap, _ := store.Replace(state.UpdateRequest{Hierarchy: []state.Node{{ID: "A"}}}, 0)

	const clientCount = 50

	clients := make([]*Client, 0, clientCount)
	for i := 0; i < clientCount; i++ {
		c := newTestClient(hub, "conn-"+string(rune('0'+i%10))+"-"+string(rune('a'+i/10)))
		if err := hub.addClient(c); err != nil {
			t.Fatalf("addClient failed: %v", err)
		}
		clients = append(clients, c)
		go func() {
			for range c.send {
			}
		}()
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			hub.BroadcastSnapshot(snap)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range clients {
			hub.removeClient(c)
		}
	}()

	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Errorf("Expected empty registry, got %d clients", hub.ClientCount())
	}
	if notified := hub.BroadcastSnapshot(snap); notified != 0 {
		t.Errorf("Expected 0 clients notified after all disconnects, got %d", notified)
	}
}
