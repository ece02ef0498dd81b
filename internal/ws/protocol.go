package ws

import (
	"encoding/json"
	"time"

	"github.com/placesync/server/internal/state"
)

// Event names carried in the JSON envelope
const (
	// Server pushes the current snapshot
	EventGameUpdate = "game-update"

	// Observer asks for an on-demand push
	EventRequestUpdate = "request-update"

	// Observer-initiated liveness pair
	EventPing = "ping"
	EventPong = "pong"
)

// Every frame on the wire is one of these
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// game-update body: the snapshot fields flattened, plus the server
// clock. Message is only set on the initial post-connect push.
type updatePayload struct {
	*state.Snapshot
	ServerTime int64  `json:"serverTime"`
	Message    string `json:"message,omitempty"`
}

// Builds a complete game-update frame. A nil snapshot is allowed
// before the first sync; the frame then carries only serverTime and
// the optional message.
func EncodeGameUpdate(snap *state.Snapshot, message string) ([]byte, error) {
	data, err := json.Marshal(updatePayload{
		Snapshot:   snap,
		ServerTime: time.Now().UnixMilli(),
		Message:    message,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: EventGameUpdate, Data: data})
}

func encodePong() ([]byte, error) {
	return json.Marshal(Envelope{Event: EventPong})
}
