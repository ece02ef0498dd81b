package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/placesync/server/internal/ingest"
	"github.com/placesync/server/internal/journal"
	"github.com/placesync/server/internal/state"
	"github.com/placesync/server/internal/stats"
	"github.com/placesync/server/internal/version"
	"github.com/placesync/server/internal/ws"
)

type API struct {
	hub     *ws.Hub
	store   *state.Store
	gateway *ingest.Gateway
	stats   *stats.Aggregator
	journal *journal.Journal
}

func New(hub *ws.Hub, store *state.Store, gateway *ingest.Gateway, aggregator *stats.Aggregator, jrnl *journal.Journal) *API {
	return &API{
		hub:     hub,
		store:   store,
		gateway: gateway,
		stats:   aggregator,
		journal: jrnl,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{
		"error": message,
		"code":  code,
	}
	jsonResponse(w, status, body)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st := a.stats.Snapshot()

	var lastUpdate int64
	if snap := a.store.Get(); snap != nil {
		lastUpdate = snap.LastUpdate
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     st.UptimeSeconds,
		"clients":    a.hub.ClientCount(),
		"lastUpdate": lastUpdate,
		"totalSyncs": st.TotalSyncs,
		"version":    version.Version,
	})
}

func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}

	var req state.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	result := a.gateway.Ingest(req)

	switch {
	case result.Accepted:
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"success":         true,
			"clientsNotified": result.ClientsNotified,
			"timestamp":       result.Timestamp,
			"stats": map[string]int{
				"objects": result.Objects,
				"scripts": result.Scripts,
			},
		})
	case result.Code == ingest.CodeMissingHierarchy:
		errorResponse(w, http.StatusBadRequest, ingest.CodeMissingHierarchy, "Missing hierarchy data")
	default:
		// Internal detail goes into message, not error
		body := map[string]string{
			"error":   "Internal server error",
			"code":    ingest.CodeServerError,
			"message": result.Message,
		}
		jsonResponse(w, http.StatusInternalServerError, body)
	}
}

func (a *API) CurrentHandler(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Get()
	if snap == nil {
		snap = &state.Snapshot{
			Hierarchy: []state.Node{},
			Scripts:   map[string]string{},
		}
	}

	jsonResponse(w, http.StatusOK, struct {
		*state.Snapshot
		ServerTime int64   `json:"serverTime"`
		Uptime     float64 `json:"uptime"`
	}{
		Snapshot:   snap,
		ServerTime: time.Now().UnixMilli(),
		Uptime:     a.stats.Snapshot().UptimeSeconds,
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st := a.stats.Snapshot()

	var objects, scripts int
	if snap := a.store.Get(); snap != nil {
		objects = snap.Metadata.ObjectCount
		scripts = snap.Metadata.ScriptCount
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"uptime":           st.UptimeSeconds,
		"totalSyncs":       st.TotalSyncs,
		"connectedClients": a.hub.ClientCount(),
		"lastSync":         st.LastSync,
		"currentData": map[string]int{
			"objects": objects,
			"scripts": scripts,
		},
	})
}

func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	} else if limit > 200 {
		limit = 200
	}

	events := []journal.Event{}
	if a.journal != nil {
		var err error
		events, err = a.journal.RecentEvents(limit)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "SERVER_ERROR", "Failed to list events")
			return
		}
		if events == nil {
			events = []journal.Event{}
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
	})
}
