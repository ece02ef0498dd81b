package ingest

import (
	"errors"
	"fmt"
	"log"

	"github.com/placesync/server/internal/journal"
	"github.com/placesync/server/internal/state"
	"github.com/placesync/server/internal/stats"
)

// Rejection codes surfaced to the producer
const (
	CodeMissingHierarchy = "MISSING_HIERARCHY"
	CodeServerError      = "SERVER_ERROR"
)

// What the gateway needs from the ws hub
type Dispatcher interface {
	ClientCount() int
	BroadcastSnapshot(snap *state.Snapshot) int
}

// Outcome of one sync attempt
type Result struct {
	Accepted        bool
	Code            string
	Message         string
	ClientsNotified int
	Objects         int
	Scripts         int
	Timestamp       int64
}

// The only write path into the snapshot store
type Gateway struct {
	store      *state.Store
	dispatcher Dispatcher
	stats      *stats.Aggregator
	journal    *journal.Journal
}

func New(store *state.Store, dispatcher Dispatcher, aggregator *stats.Aggregator, jrnl *journal.Journal) *Gateway {
	return &Gateway{
		store:      store,
		dispatcher: dispatcher,
		stats:      aggregator,
		journal:    jrnl,
	}
}

// Validates and applies one producer update. A rejected payload leaves
// the store, stats and journal untouched. Panics anywhere in the
// accepted path come back as a SERVER_ERROR result instead of taking
// the process down; the store only changes through a completed
// Replace, so a fault cannot leave it torn.
func (g *Gateway) Ingest(req state.UpdateRequest) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Ingest panic: %v", r)
			result = Result{Code: CodeServerError, Message: fmt.Sprint(r)}
		}
	}()

	snap, err := g.store.Replace(req, g.dispatcher.ClientCount())
	if err != nil {
		if errors.Is(err, state.ErrMissingHierarchy) {
			return Result{Code: CodeMissingHierarchy, Message: err.Error()}
		}
		return Result{Code: CodeServerError, Message: err.Error()}
	}

	g.stats.RecordIngestion()

	if g.journal != nil {
		if err := g.journal.RecordSync(snap.Metadata.ObjectCount, snap.Metadata.ScriptCount, snap.Metadata.ClientCount); err != nil {
			log.Printf("Journal: failed to record sync: %v", err)
		}
	}

	// The notified count is read at fan-out time and may differ from
	// metadata.clientCount if connections changed in between.
	notified := g.dispatcher.BroadcastSnapshot(snap)

	return Result{
		Accepted:        true,
		ClientsNotified: notified,
		Objects:         snap.Metadata.ObjectCount,
		Scripts:         snap.Metadata.ScriptCount,
		Timestamp:       snap.LastUpdate,
	}
}
