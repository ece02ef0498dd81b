package state

import (
	"errors"
	"sync"
	"time"
)

// Returned when an update arrives without a hierarchy
var ErrMissingHierarchy = errors.New("hierarchy is required")

// A single object in the place tree
type Node struct {
	ID       string `json:"id"`
	Children []Node `json:"children,omitempty"`
}

// Derived snapshot metadata. Everything except PlaceName/PlaceID is
// computed server-side and never taken from the producer.
type Metadata struct {
	PlaceName   string `json:"placeName,omitempty"`
	PlaceID     int64  `json:"placeId,omitempty"`
	ScriptCount int    `json:"scriptCount"`
	ObjectCount int    `json:"objectCount"`
	ClientCount int    `json:"clientCount"`
	LastSync    int64  `json:"lastSync"`
}

// The current authoritative state. Snapshots are immutable once
// installed; a new sync builds a fresh one.
type Snapshot struct {
	Hierarchy  []Node            `json:"hierarchy"`
	Scripts    map[string]string `json:"scripts"`
	LastUpdate int64             `json:"lastUpdate"`
	Metadata   Metadata          `json:"metadata"`
}

// Pass-through fields the producer may include with a sync
type PartialMetadata struct {
	PlaceName string `json:"placeName"`
	PlaceID   int64  `json:"placeId"`
}

// An incoming sync payload as sent by the editor plugin
type UpdateRequest struct {
	Hierarchy []Node            `json:"hierarchy"`
	Scripts   map[string]string `json:"scripts"`
	Timestamp int64             `json:"timestamp"`
	Metadata  PartialMetadata   `json:"metadata"`
}

// Holds the single current snapshot
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

func NewStore() *Store {
	return &Store{}
}

// Validates the update, derives metadata and installs the new snapshot
// as one unit. On error the previous snapshot is left in place.
func (s *Store) Replace(req UpdateRequest, clientCount int) (*Snapshot, error) {
	if req.Hierarchy == nil {
		return nil, ErrMissingHierarchy
	}

	scripts := req.Scripts
	if scripts == nil {
		scripts = make(map[string]string)
	}

	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	snap := &Snapshot{
		Hierarchy:  req.Hierarchy,
		Scripts:    scripts,
		LastUpdate: timestamp,
		Metadata: Metadata{
			PlaceName:   req.Metadata.PlaceName,
			PlaceID:     req.Metadata.PlaceID,
			ScriptCount: len(scripts),
			ObjectCount: CountNodes(req.Hierarchy),
			ClientCount: clientCount,
			LastSync:    time.Now().UnixMilli(),
		},
	}

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	return snap, nil
}

// Returns the current snapshot, or nil before the first sync
func (s *Store) Get() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Counts every node in the tree, descendants included. A node without
// children still counts as one.
func CountNodes(nodes []Node) int {
	count := 0
	for _, node := range nodes {
		count += 1 + CountNodes(node.Children)
	}
	return count
}
